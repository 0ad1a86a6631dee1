package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"clonechain/native/clone"
	nativecommon "clonechain/native/common"
)

var errMissingPrincipal = errors.New("missing principal")

// errorBody is the JSON envelope for failed requests. Kind is the protocol
// error taxonomy name so clients can branch without parsing messages.
type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"requestId,omitempty"`
}

func toStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errMissingPrincipal):
		return http.StatusUnauthorized
	case errors.Is(err, clone.ErrUnauthorized),
		errors.Is(err, clone.ErrIncorrectOracleAddress):
		return http.StatusForbidden
	case errors.Is(err, clone.ErrPoolNotFound),
		errors.Is(err, clone.ErrCollateralNotFound),
		errors.Is(err, clone.ErrInvalidOracleIndex),
		errors.Is(err, clone.ErrInvalidInputPositionIndex),
		errors.Is(err, clone.ErrAuthNotFound),
		errors.Is(err, clone.ErrExpectedAccountNotFound),
		errors.Is(err, clone.ErrNotInitialized):
		return http.StatusNotFound
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, clone.ErrAlreadyInitialized),
		errors.Is(err, clone.ErrAuthAlreadyExists),
		errors.Is(err, clone.ErrStatusPreventsAction),
		errors.Is(err, clone.ErrOutdatedOracle),
		errors.Is(err, clone.ErrOutdatedUpdateSlot),
		errors.Is(err, clone.ErrCometNotEmpty),
		errors.Is(err, clone.ErrRequireAllPositionsClosed),
		errors.Is(err, clone.ErrPositionsFull),
		errors.Is(err, clone.ErrAuthArrayFull):
		return http.StatusConflict
	}
	if clone.ErrorKind(err) == "Internal" {
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func errorKind(err error) string {
	if errors.Is(err, errMissingPrincipal) {
		return "Unauthenticated"
	}
	return clone.ErrorKind(err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := toStatus(err)
	body := errorBody{Error: err.Error(), Kind: errorKind(err), RequestID: requestID(r)}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "op", routeName(r), "request_id", body.RequestID, "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "BadRequest", RequestID: requestID(r)})
}
