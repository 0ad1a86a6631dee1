package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"clonechain/gateway/middleware"
	"clonechain/services/cloned/storage"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	maxIdempotencyKey = 64
	maxBodyBytes      = 1 << 20
)

// idempotency executes a mutating request at most once per principal and
// Idempotency-Key. Later requests with the same key replay the stored
// response when the request fingerprint matches.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKey {
			badRequest(w, r, fmt.Errorf("%s longer than %d bytes", idempotencyHeader, maxIdempotencyKey))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			badRequest(w, r, fmt.Errorf("read body: %w", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		principal := ""
		if addr, ok := middleware.PrincipalFromContext(r.Context()); ok {
			principal = addr.Hex()
		}
		scoped := principal + "/" + key
		fingerprint := storage.Fingerprint(principal, r.Method, r.URL.Path, body)

		if _, busy := s.inflight.LoadOrStore(scoped, struct{}{}); busy {
			writeJSON(w, http.StatusConflict, errorBody{Error: "request with this key in progress", Kind: "IdempotencyKeyInUse", RequestID: requestID(r)})
			return
		}
		defer s.inflight.Delete(scoped)

		record, err := s.store.LookupIdempotency(r.Context(), scoped)
		switch {
		case err == nil:
			if record.Fingerprint != fingerprint {
				writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "idempotency key reused with a different request", Kind: "IdempotencyKeyReused", RequestID: requestID(r)})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(replayedHeader, "true")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		case !errors.Is(err, storage.ErrIdempotencyNotFound):
			s.writeError(w, r, err)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		if err := s.store.SaveIdempotency(r.Context(), &storage.IdempotencyRecord{
			Key:         scoped,
			Principal:   principal,
			Fingerprint: fingerprint,
			RequestID:   requestID(r),
			Method:      r.Method,
			Path:        r.URL.Path,
			Status:      recorder.status,
			Response:    recorder.buf.String(),
		}); err != nil {
			s.logger.Warn("store idempotency record", "request_id", requestID(r), "error", err)
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
