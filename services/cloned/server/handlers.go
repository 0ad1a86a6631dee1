package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"clonechain/native/clone"
	"clonechain/native/fixedpoint"
	"clonechain/observability"
	"clonechain/services/cloned/storage"
)

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type swapRequest struct {
	IsBuy     bool   `json:"isBuy"`
	Amount    uint64 `json:"amount"`
	Threshold uint64 `json:"threshold"`
}

type swapResponse struct {
	OnAsset      uint64 `json:"onasset"`
	Quote        uint64 `json:"quote"`
	LiquidityFee uint64 `json:"liquidityFee"`
	TreasuryFee  uint64 `json:"treasuryFee"`
}

func toSwapResponse(res clone.SwapResult) swapResponse {
	return swapResponse{OnAsset: res.OnAsset, Quote: res.Quote, LiquidityFee: res.LiquidityFee, TreasuryFee: res.TreasuryFee}
}

type collateralAmountRequest struct {
	CollateralIndex uint16 `json:"collateralIndex"`
	Amount          uint64 `json:"amount"`
}

type liquidityRequest struct {
	PoolIndex uint16 `json:"poolIndex"`
	Amount    uint64 `json:"amount"`
}

type payILDRequest struct {
	PaymentType string `json:"paymentType"`
	Amount      uint64 `json:"amount"`
}

type borrowRequest struct {
	PoolIndex        uint16 `json:"poolIndex"`
	CollateralIndex  uint16 `json:"collateralIndex"`
	OnAssetAmount    uint64 `json:"onassetAmount"`
	CollateralAmount uint64 `json:"collateralAmount"`
}

type tokenAccountRequest struct {
	Mint  common.Address `json:"mint"`
	Owner common.Address `json:"owner"`
}

type netValueRequest struct {
	Accounts []tokenAccountRequest `json:"accounts"`
}

type oraclePayloadRequest struct {
	Index     uint16         `json:"index"`
	Address   common.Address `json:"address"`
	Data      hexutil.Bytes  `json:"data"`
	Signature hexutil.Bytes  `json:"signature,omitempty"`
}

type updateOraclesRequest struct {
	Payloads []oraclePayloadRequest `json:"payloads"`
}

type cometLiquidationResponse struct {
	Share     uint64 `json:"share"`
	Paid      uint64 `json:"paid"`
	Withdrawn uint64 `json:"withdrawn"`
	Removed   bool   `json:"removed"`
}

type oracleResponse struct {
	*clone.Oracle
	Value  fixedpoint.Decimal `json:"value"`
	Status string             `json:"status"`
}

// Reads

func (s *Server) handleProtocol(w http.ResponseWriter, r *http.Request) {
	protocol, err := s.engine.Protocol()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol)
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	index, err := uint16Param(r, "pool")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	pool, err := s.engine.Pool(clone.PoolIdx(index))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleQuoteSwap(w http.ResponseWriter, r *http.Request) {
	index, err := uint16Param(r, "pool")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	query := r.URL.Query()
	params := clone.SwapParams{PoolIndex: clone.PoolIdx(index)}
	if params.IsBuy, err = strconv.ParseBool(query.Get("isBuy")); err != nil {
		badRequest(w, r, fmt.Errorf("invalid isBuy: %w", err))
		return
	}
	if params.Amount, err = strconv.ParseUint(query.Get("amount"), 10, 64); err != nil {
		badRequest(w, r, fmt.Errorf("invalid amount: %w", err))
		return
	}
	if raw := query.Get("threshold"); raw != "" {
		if params.Threshold, err = strconv.ParseUint(raw, 10, 64); err != nil {
			badRequest(w, r, fmt.Errorf("invalid threshold: %w", err))
			return
		}
	}
	res, err := s.engine.QuoteSwap(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(res))
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request) {
	index, err := uint16Param(r, "collateral")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	collateral, err := s.engine.Collateral(clone.CollateralIdx(index))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, collateral)
}

func (s *Server) handleOracle(w http.ResponseWriter, r *http.Request) {
	index, err := uint16Param(r, "oracle")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	oracle, err := s.engine.Oracle(clone.OracleIdx(index))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, status, _, err := s.engine.ReadOracle(clone.OracleIdx(index))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, oracleResponse{Oracle: oracle, Value: value, Status: status.String()})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	owner, err := addressParam(r, "owner")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	user, err := s.engine.User(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleCometHealth(w http.ResponseWriter, r *http.Request) {
	owner, err := addressParam(r, "owner")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	health, err := s.engine.CometHealth(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handlePositionILD(w http.ResponseWriter, r *http.Request) {
	owner, err := addressParam(r, "owner")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	position, err := positionParam(r)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	share, err := s.engine.PositionILDShare(owner, position)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		http.Error(w, "balances unavailable", http.StatusNotImplemented)
		return
	}
	mint, err := addressParam(r, "mint")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	owner, err := addressParam(r, "owner")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	balance, err := s.balances.Balance(mint, owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": balance})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	after, err := parseCursor(query.Get("after"))
	if err != nil {
		badRequest(w, r, fmt.Errorf("invalid after: %w", err))
		return
	}
	q := storage.EventQuery{After: after, Type: strings.TrimSpace(query.Get("type"))}
	if raw := strings.TrimSpace(query.Get("user")); raw != "" {
		if !common.IsHexAddress(raw) {
			badRequest(w, r, fmt.Errorf("invalid user address %q", raw))
			return
		}
		q.Account = common.HexToAddress(raw).Hex()
	}
	if raw := query.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			badRequest(w, r, fmt.Errorf("invalid limit: %w", err))
			return
		}
	}
	evts, err := s.store.EventsAfter(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

// Swap

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
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
	var req swapRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	var res clone.SwapResult
	err = s.exec("swap", func() (err error) {
		res, err = s.engine.Swap(caller, clone.SwapParams{
			IsBuy:     req.IsBuy,
			PoolIndex: clone.PoolIdx(index),
			Amount:    req.Amount,
			Threshold: req.Threshold,
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSwapResponse(res))
}

// Comet

func (s *Server) handleAddCometCollateral(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req collateralAmountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	err = s.exec("add_collateral_to_comet", func() error {
		return s.engine.AddCollateralToComet(caller, clone.CollateralIdx(req.CollateralIndex), req.Amount)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"deposited": req.Amount})
}

func (s *Server) handleWithdrawCometCollateral(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req collateralAmountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	var withdrawn uint64
	err = s.exec("withdraw_collateral_from_comet", func() (err error) {
		withdrawn, err = s.engine.WithdrawCollateralFromComet(caller, clone.CollateralIdx(req.CollateralIndex), req.Amount)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"withdrawn": withdrawn})
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req liquidityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	err = s.exec("add_liquidity_to_comet", func() error {
		return s.engine.AddLiquidityToComet(caller, clone.PoolIdx(req.PoolIndex), req.Amount)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"committed": req.Amount})
}

func (s *Server) handleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	caller, position, ok := s.positionRequest(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	var withdrawn uint64
	err := s.exec("withdraw_liquidity_from_comet", func() (err error) {
		withdrawn, err = s.engine.WithdrawLiquidityFromComet(caller, position, req.Amount)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"withdrawn": withdrawn})
}

func (s *Server) handlePayILD(w http.ResponseWriter, r *http.Request) {
	caller, position, ok := s.positionRequest(w, r)
	if !ok {
		return
	}
	var req payILDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	payment, err := clone.ParsePaymentType(req.PaymentType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var paid uint64
	err = s.exec("pay_impermanent_loss_debt", func() (err error) {
		paid, err = s.engine.PayImpermanentLossDebt(caller, position, payment, req.Amount)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"paid": paid})
}

func (s *Server) handleCollectRewards(w http.ResponseWriter, r *http.Request) {
	caller, position, ok := s.positionRequest(w, r)
	if !ok {
		return
	}
	var rewards clone.LpRewards
	err := s.exec("collect_lp_rewards", func() (err error) {
		rewards, err = s.engine.CollectLpRewards(caller, position)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"onasset": rewards.OnAsset, "collateral": rewards.Collateral})
}

// Borrow

func (s *Server) handleInitializeBorrow(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req borrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	var position int
	err = s.exec("initialize_borrow", func() (err error) {
		position, err = s.engine.InitializeBorrow(caller, clone.BorrowParams{
			PoolIndex:        clone.PoolIdx(req.PoolIndex),
			CollateralIndex:  clone.CollateralIdx(req.CollateralIndex),
			OnAssetAmount:    req.OnAssetAmount,
			CollateralAmount: req.CollateralAmount,
		})
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"position": position})
}

func (s *Server) handleBorrowMore(w http.ResponseWriter, r *http.Request) {
	s.borrowAmountOp(w, r, "borrow_more", func(caller common.Address, position int, amount uint64) (uint64, error) {
		return amount, s.engine.BorrowMore(caller, position, amount)
	})
}

func (s *Server) handlePayBorrowDebt(w http.ResponseWriter, r *http.Request) {
	s.borrowAmountOp(w, r, "pay_borrow_debt", s.engine.PayBorrowDebt)
}

func (s *Server) handleAddBorrowCollateral(w http.ResponseWriter, r *http.Request) {
	s.borrowAmountOp(w, r, "add_collateral_to_borrow", func(caller common.Address, position int, amount uint64) (uint64, error) {
		return amount, s.engine.AddCollateralToBorrow(caller, position, amount)
	})
}

func (s *Server) handleWithdrawBorrowCollateral(w http.ResponseWriter, r *http.Request) {
	s.borrowAmountOp(w, r, "withdraw_collateral_from_borrow", s.engine.WithdrawCollateralFromBorrow)
}

// borrowAmountOp runs an amount-taking borrow operation; the response carries
// the amount actually applied after clamping.
func (s *Server) borrowAmountOp(w http.ResponseWriter, r *http.Request, op string, fn func(common.Address, int, uint64) (uint64, error)) {
	caller, position, ok := s.positionRequest(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	var applied uint64
	err := s.exec(op, func() (err error) {
		applied, err = fn(caller, position, req.Amount)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"amount": applied})
}

// Net value and user lifecycle

func (s *Server) handleUpdateNetValue(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req netValueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	accounts := make([]clone.TokenAccount, len(req.Accounts))
	for i, account := range req.Accounts {
		accounts[i] = clone.TokenAccount{Mint: account.Mint, Owner: account.Owner}
	}
	var value uint64
	err = s.exec("update_net_value", func() (err error) {
		value, err = s.engine.UpdateNetValue(caller, accounts)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"netValue": value})
}

func (s *Server) handleCurrentNetValue(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := s.engine.CurrentNetValue(caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"netValue": value})
}

func (s *Server) handleCloseUser(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.exec("close_user", func() error { return s.engine.CloseUser(caller) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

// Oracles

func (s *Server) handleUpdateOracles(w http.ResponseWriter, r *http.Request) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateOraclesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	batch := make([]clone.OraclePayload, len(req.Payloads))
	for i, p := range req.Payloads {
		batch[i] = clone.OraclePayload{
			Index:     clone.OracleIdx(p.Index),
			Address:   p.Address,
			Data:      p.Data,
			Signature: p.Signature,
		}
	}
	if err := s.exec("update_oracles", func() error { return s.engine.UpdateOracles(caller, batch) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, p := range batch {
		if oracle, err := s.engine.Oracle(p.Index); err == nil {
			observability.Clone().RecordOracleSlot(uint16(p.Index), oracle.LastUpdateSlot)
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(batch)})
}

// Liquidations

func (s *Server) handleLiquidateCollateralILD(w http.ResponseWriter, r *http.Request) {
	s.cometILDLiquidation(w, r, "liquidate_comet_collateral_ild", "comet_collateral_ild", s.engine.LiquidateCometCollateralILD)
}

func (s *Server) handleLiquidateOnAssetILD(w http.ResponseWriter, r *http.Request) {
	s.cometILDLiquidation(w, r, "liquidate_comet_onasset_ild", "comet_onasset_ild", s.engine.LiquidateCometOnAssetILD)
}

func (s *Server) cometILDLiquidation(w http.ResponseWriter, r *http.Request, op, path string, fn func(common.Address, common.Address, int) (clone.CometLiquidation, error)) {
	liquidator, position, ok := s.positionRequest(w, r)
	if !ok {
		return
	}
	owner, err := addressParam(r, "owner")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	var res clone.CometLiquidation
	err = s.exec(op, func() (err error) {
		res, err = fn(liquidator, owner, position)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.Clone().RecordLiquidation(path)
	writeJSON(w, http.StatusOK, cometLiquidationResponse{Share: res.Share, Paid: res.Paid, Withdrawn: res.Withdrawn, Removed: res.Removed})
}

func (s *Server) handleLiquidateStableCollateral(w http.ResponseWriter, r *http.Request) {
	liquidator, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := addressParam(r, "owner")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	var converted uint64
	err = s.exec("liquidate_comet_stable_collateral", func() (err error) {
		converted, err = s.engine.LiquidateCometStableCollateral(liquidator, owner)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.Clone().RecordLiquidation("comet_stable_collateral")
	writeJSON(w, http.StatusOK, map[string]uint64{"converted": converted})
}

func (s *Server) handleLiquidateBorrow(w http.ResponseWriter, r *http.Request) {
	liquidator, position, ok := s.positionRequest(w, r)
	if !ok {
		return
	}
	owner, err := addressParam(r, "owner")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	var res clone.BorrowLiquidation
	err = s.exec("liquidate_borrow_position", func() (err error) {
		res, err = s.engine.LiquidateBorrowPosition(liquidator, owner, position)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.Clone().RecordLiquidation("borrow")
	writeJSON(w, http.StatusOK, map[string]uint64{"burned": res.Burned, "collateral": res.Collateral, "fee": res.Fee})
}

func (s *Server) positionRequest(w http.ResponseWriter, r *http.Request) (common.Address, int, bool) {
	caller, err := principal(r)
	if err != nil {
		s.writeError(w, r, err)
		return common.Address{}, 0, false
	}
	position, err := positionParam(r)
	if err != nil {
		badRequest(w, r, err)
		return common.Address{}, 0, false
	}
	return caller, position, true
}
