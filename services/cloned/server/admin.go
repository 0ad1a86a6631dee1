package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/clone"
	"clonechain/native/fixedpoint"
)

var cloneParameterKinds = map[string]clone.CloneParameterKind{
	"admin":                               clone.ParamAdmin,
	"treasury":                            clone.ParamTreasury,
	"comet_collateral_ild_liquidator_fee": clone.ParamCometCollateralILDLiquidatorFee,
	"comet_onasset_ild_liquidator_fee":    clone.ParamCometOnAssetILDLiquidatorFee,
	"borrow_liquidator_fee":               clone.ParamBorrowLiquidatorFee,
	"oracle_staleness":                    clone.ParamOracleStaleness,
}

var collateralParameterKinds = map[string]clone.CollateralParameterKind{
	"status":                  clone.CollateralParamStatus,
	"oracle_index":            clone.CollateralParamOracleIndex,
	"collateralization_ratio": clone.CollateralParamCollateralizationRatio,
}

var poolParameterKinds = map[string]clone.PoolParameterKind{
	"status":                               clone.PoolParamStatus,
	"treasury_trading_fee":                 clone.PoolParamTreasuryTradingFee,
	"liquidity_trading_fee":                clone.PoolParamLiquidityTradingFee,
	"oracle_index":                         clone.PoolParamOracleIndex,
	"il_health_score_coefficient":          clone.PoolParamILHealthScoreCoefficient,
	"position_health_score_coefficient":    clone.PoolParamPositionHealthScoreCoefficient,
	"min_overcollateral_ratio":             clone.PoolParamMinOvercollateralRatio,
	"max_liquidation_overcollateral_ratio": clone.PoolParamMaxLiquidationOvercollateralRatio,
}

func lookupKind[K any](table map[string]K, raw string) (K, error) {
	kind, ok := table[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		var zero K
		return zero, fmt.Errorf("%w: unknown parameter %q", clone.ErrInvalidValueRange, raw)
	}
	return kind, nil
}

func parseOptionalStatus(raw string) (clone.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return clone.StatusActive, nil
	}
	return clone.ParseStatus(raw)
}

type authRequest struct {
	Member common.Address `json:"member"`
}

type cloneParameterRequest struct {
	Kind    string         `json:"kind"`
	Address common.Address `json:"address"`
	Bps     uint16         `json:"bps"`
	Slots   uint64         `json:"slots"`
}

type addCollateralRequest struct {
	OracleIndex            *uint16            `json:"oracleIndex"`
	Mint                   common.Address     `json:"mint"`
	Vault                  common.Address     `json:"vault"`
	CollateralizationRatio fixedpoint.Decimal `json:"collateralizationRatio"`
	Scale                  uint8              `json:"scale"`
}

type collateralParameterRequest struct {
	Kind        string             `json:"kind"`
	Status      string             `json:"status"`
	OracleIndex uint16             `json:"oracleIndex"`
	Ratio       fixedpoint.Decimal `json:"ratio"`
}

type addPoolRequest struct {
	OnAssetMint                       common.Address     `json:"onassetMint"`
	OracleIndex                       uint16             `json:"oracleIndex"`
	ILHealthScoreCoefficient          fixedpoint.Decimal `json:"ilHealthScoreCoefficient"`
	PositionHealthScoreCoefficient    fixedpoint.Decimal `json:"positionHealthScoreCoefficient"`
	MinOvercollateralRatio            fixedpoint.Decimal `json:"minOvercollateralRatio"`
	MaxLiquidationOvercollateralRatio fixedpoint.Decimal `json:"maxLiquidationOvercollateralRatio"`
	TreasuryTradingFeeBps             uint16             `json:"treasuryTradingFeeBps"`
	LiquidityTradingFeeBps            uint16             `json:"liquidityTradingFeeBps"`
}

type poolParameterRequest struct {
	Kind        string             `json:"kind"`
	Status      string             `json:"status"`
	Bps         uint16             `json:"bps"`
	OracleIndex uint16             `json:"oracleIndex"`
	Value       fixedpoint.Decimal `json:"value"`
}

type addOracleRequest struct {
	Address       common.Address `json:"address"`
	Source        string         `json:"source"`
	RescaleFactor uint8          `json:"rescaleFactor"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handleAddAuth(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := s.exec("add_auth", func() error { return s.engine.AddAuth(caller, req.Member) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"member": req.Member.Hex()})
}

func (s *Server) handleRemoveAuth(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	member, err := addressParam(r, "member")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	if err := s.exec("remove_auth", func() error { return s.engine.RemoveAuth(caller, member) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": member.Hex()})
}

func (s *Server) handleUpdateCloneParameters(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req cloneParameterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	kind, err := lookupKind(cloneParameterKinds, req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	param := clone.CloneParameter{Kind: kind, Address: req.Address, Bps: req.Bps, Slots: req.Slots}
	if err := s.exec("update_clone_parameters", func() error { return s.engine.UpdateCloneParameters(caller, param) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeProtocol(w, r)
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addCollateralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	params := clone.CollateralParams{
		OracleIndex:            clone.NoOracle,
		Mint:                   req.Mint,
		Vault:                  req.Vault,
		CollateralizationRatio: req.CollateralizationRatio,
		Scale:                  req.Scale,
	}
	if req.OracleIndex != nil {
		params.OracleIndex = clone.OracleIdx(*req.OracleIndex)
	}
	var index clone.CollateralIdx
	err = s.exec("add_collateral", func() (err error) {
		index, err = s.engine.AddCollateral(caller, params)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint16{"index": uint16(index)})
}

func (s *Server) handleUpdateCollateralParameters(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := uint16Param(r, "collateral")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	var req collateralParameterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	kind, err := lookupKind(collateralParameterKinds, req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := parseOptionalStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	param := clone.CollateralParameter{Kind: kind, Status: status, OracleIndex: clone.OracleIdx(req.OracleIndex), Ratio: req.Ratio}
	err = s.exec("update_collateral_parameters", func() error {
		return s.engine.UpdateCollateralParameters(caller, clone.CollateralIdx(index), param)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateral, err := s.engine.Collateral(clone.CollateralIdx(index))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collateral)
}

func (s *Server) handleAddPool(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addPoolRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	params := clone.PoolParams{
		AssetInfo: clone.AssetInfo{
			OnAssetMint:                       req.OnAssetMint,
			OracleIndex:                       clone.OracleIdx(req.OracleIndex),
			ILHealthScoreCoefficient:          req.ILHealthScoreCoefficient,
			PositionHealthScoreCoefficient:    req.PositionHealthScoreCoefficient,
			MinOvercollateralRatio:            req.MinOvercollateralRatio,
			MaxLiquidationOvercollateralRatio: req.MaxLiquidationOvercollateralRatio,
		},
		TreasuryTradingFeeBps:  req.TreasuryTradingFeeBps,
		LiquidityTradingFeeBps: req.LiquidityTradingFeeBps,
	}
	var index clone.PoolIdx
	err = s.exec("add_pool", func() (err error) {
		index, err = s.engine.AddPool(caller, params)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint16{"index": uint16(index)})
}

func (s *Server) handleUpdatePoolParameters(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := uint16Param(r, "pool")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	var req poolParameterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	kind, err := lookupKind(poolParameterKinds, req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := parseOptionalStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	param := clone.PoolParameter{Kind: kind, Status: status, Bps: req.Bps, OracleIndex: clone.OracleIdx(req.OracleIndex), Value: req.Value}
	err = s.exec("update_pool_parameters", func() error {
		return s.engine.UpdatePoolParameters(caller, clone.PoolIdx(index), param)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePool(w, r, clone.PoolIdx(index))
}

func (s *Server) handleDeprecatePool(w http.ResponseWriter, r *http.Request) {
	s.poolAdminOp(w, r, "deprecate_pool", s.engine.DeprecatePool)
}

func (s *Server) handleRemovePool(w http.ResponseWriter, r *http.Request) {
	s.poolAdminOp(w, r, "remove_pool", s.engine.RemovePool)
}

func (s *Server) poolAdminOp(w http.ResponseWriter, r *http.Request, op string, fn func(common.Address, clone.PoolIdx) error) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := uint16Param(r, "pool")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	if err := s.exec(op, func() error { return fn(caller, clone.PoolIdx(index)) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePool(w, r, clone.PoolIdx(index))
}

func (s *Server) handleAddOracleFeed(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addOracleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	source, err := clone.ParseOracleSource(req.Source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var index clone.OracleIdx
	err = s.exec("add_oracle_feed", func() (err error) {
		index, err = s.engine.AddOracleFeed(caller, clone.OracleFeedParams{Address: req.Address, Source: source, RescaleFactor: req.RescaleFactor})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint16{"index": uint16(index)})
}

func (s *Server) handleSetOracleStatus(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	index, err := uint16Param(r, "oracle")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	status, err := clone.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.exec("set_oracle_status", func() error {
		return s.engine.SetOracleStatus(caller, clone.OracleIdx(index), status)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

// handleSetPaused toggles the module pause switch. Admin only.
func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.pauses == nil {
		http.Error(w, "pausing unavailable", http.StatusNotImplemented)
		return
	}
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	protocol, err := s.engine.Protocol()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if caller != protocol.Admin {
		s.writeError(w, r, clone.ErrUnauthorized)
		return
	}
	s.pauses.SetPaused(s.engine.ModuleName(), req.Paused)
	s.logger.Info("module pause updated", "principal", caller.Hex(), "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) writeProtocol(w http.ResponseWriter, r *http.Request) {
	protocol, err := s.engine.Protocol()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol)
}

func (s *Server) writePool(w http.ResponseWriter, r *http.Request, index clone.PoolIdx) {
	pool, err := s.engine.Pool(index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}
