package clone

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
)

// InitParams bootstraps the protocol singleton and the onUSD collateral at
// index 0.
type InitParams struct {
	Admin                              common.Address
	Treasury                           common.Address
	OnUSDMint                          common.Address
	OnUSDVault                         common.Address
	CometCollateralILDLiquidatorFeeBps uint16
	CometOnAssetILDLiquidatorFeeBps    uint16
	BorrowLiquidatorFeeBps             uint16
	OracleStalenessSlots               uint64
}

func validateFeeBps(bps uint16) error {
	if bps >= bpsDenominator {
		return fmt.Errorf("%w: fee %d bps", ErrInvalidValueRange, bps)
	}
	return nil
}

// Initialize creates the protocol singleton. It can run exactly once.
func (e *Engine) Initialize(params InitParams) error {
	defer e.lockAdmin()()
	if _, err := loadProtocol(e.store); err == nil {
		return ErrAlreadyInitialized
	} else if !errors.Is(err, ErrNotInitialized) {
		return err
	}
	for _, bps := range []uint16{params.CometCollateralILDLiquidatorFeeBps, params.CometOnAssetILDLiquidatorFeeBps, params.BorrowLiquidatorFeeBps} {
		if err := validateFeeBps(bps); err != nil {
			return err
		}
	}
	t := e.newTxn(&Protocol{
		Admin:                              params.Admin,
		Treasury:                           params.Treasury,
		OnUSDMint:                          params.OnUSDMint,
		CometCollateralILDLiquidatorFeeBps: params.CometCollateralILDLiquidatorFeeBps,
		CometOnAssetILDLiquidatorFeeBps:    params.CometOnAssetILDLiquidatorFeeBps,
		BorrowLiquidatorFeeBps:             params.BorrowLiquidatorFeeBps,
		OracleStalenessSlots:               params.OracleStalenessSlots,
		CollateralCount:                    1,
	})
	t.markProtocol()
	t.collaterals[OnUSDCollateral] = &Collateral{
		OracleIndex:            NoOracle,
		Mint:                   params.OnUSDMint,
		Vault:                  params.OnUSDVault,
		CollateralizationRatio: fixedpoint.New(1, 0),
		Scale:                  uint8(TokenScale),
		Status:                 StatusActive,
	}
	t.markCollateral(OnUSDCollateral)
	if err := t.commit(); err != nil {
		return err
	}
	e.logger.Info("clone: protocol initialized", slog.String("admin", params.Admin.Hex()))
	return nil
}

// AddAuth adds a member to the auth set. Admin only.
func (e *Engine) AddAuth(principal, member common.Address) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	if principal != t.protocol.Admin {
		return ErrUnauthorized
	}
	if t.protocol.IsAuth(member) {
		return ErrAuthAlreadyExists
	}
	if len(t.protocol.AuthSet) >= MaxAuth {
		return ErrAuthArrayFull
	}
	t.protocol.AuthSet = append(t.protocol.AuthSet, member)
	t.markProtocol()
	return t.commit()
}

// RemoveAuth removes a member from the auth set. Admin only.
func (e *Engine) RemoveAuth(principal, member common.Address) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	if principal != t.protocol.Admin {
		return ErrUnauthorized
	}
	for i, existing := range t.protocol.AuthSet {
		if existing == member {
			t.protocol.AuthSet = append(t.protocol.AuthSet[:i], t.protocol.AuthSet[i+1:]...)
			t.markProtocol()
			return t.commit()
		}
	}
	return ErrAuthNotFound
}

type CloneParameterKind uint8

const (
	ParamAdmin CloneParameterKind = iota
	ParamTreasury
	ParamCometCollateralILDLiquidatorFee
	ParamCometOnAssetILDLiquidatorFee
	ParamBorrowLiquidatorFee
	ParamOracleStaleness
)

// CloneParameter is a tagged update of a protocol-wide setting. Only the
// field matching Kind is read.
type CloneParameter struct {
	Kind    CloneParameterKind
	Address common.Address
	Bps     uint16
	Slots   uint64
}

// UpdateCloneParameters changes one protocol-wide setting. Admin only.
func (e *Engine) UpdateCloneParameters(principal common.Address, param CloneParameter) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	if principal != t.protocol.Admin {
		return ErrUnauthorized
	}
	switch param.Kind {
	case ParamAdmin:
		t.protocol.Admin = param.Address
	case ParamTreasury:
		t.protocol.Treasury = param.Address
	case ParamCometCollateralILDLiquidatorFee:
		if err := validateFeeBps(param.Bps); err != nil {
			return err
		}
		t.protocol.CometCollateralILDLiquidatorFeeBps = param.Bps
	case ParamCometOnAssetILDLiquidatorFee:
		if err := validateFeeBps(param.Bps); err != nil {
			return err
		}
		t.protocol.CometOnAssetILDLiquidatorFeeBps = param.Bps
	case ParamBorrowLiquidatorFee:
		if err := validateFeeBps(param.Bps); err != nil {
			return err
		}
		t.protocol.BorrowLiquidatorFeeBps = param.Bps
	case ParamOracleStaleness:
		t.protocol.OracleStalenessSlots = param.Slots
	default:
		return fmt.Errorf("%w: clone parameter %d", ErrInvalidValueRange, param.Kind)
	}
	t.markProtocol()
	return t.commit()
}

// CollateralParams registers a collateral kind.
type CollateralParams struct {
	OracleIndex            OracleIdx
	Mint                   common.Address
	Vault                  common.Address
	CollateralizationRatio fixedpoint.Decimal
	Scale                  uint8
}

func validateCollateralRatio(ratio fixedpoint.Decimal) error {
	if ratio.Sign() <= 0 || ratio.GreaterThan(fixedpoint.New(1, 0)) {
		return fmt.Errorf("%w: collateralization ratio %s", ErrInvalidValueRange, ratio)
	}
	return nil
}

// AddCollateral appends a collateral kind. Admin only. Index 1 is expected
// to be the non-quote stable collateral.
func (e *Engine) AddCollateral(principal common.Address, params CollateralParams) (CollateralIdx, error) {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return 0, err
	}
	if principal != t.protocol.Admin {
		return 0, ErrUnauthorized
	}
	if t.protocol.CollateralCount >= MaxCollaterals {
		return 0, fmt.Errorf("%w: collateral registry", ErrPositionsFull)
	}
	if err := validateCollateralRatio(params.CollateralizationRatio); err != nil {
		return 0, err
	}
	index := CollateralIdx(t.protocol.CollateralCount)
	if params.OracleIndex != NoOracle {
		if _, err := t.oracle(params.OracleIndex); err != nil {
			return 0, err
		}
	} else if index != StableCollateral {
		return 0, fmt.Errorf("%w: collateral %d requires an oracle", ErrInvalidOracleIndex, index)
	}
	t.collaterals[index] = &Collateral{
		OracleIndex:            params.OracleIndex,
		Mint:                   params.Mint,
		Vault:                  params.Vault,
		CollateralizationRatio: params.CollateralizationRatio,
		Scale:                  params.Scale,
		Status:                 StatusActive,
	}
	t.markCollateral(index)
	t.protocol.CollateralCount++
	t.markProtocol()
	if err := t.commit(); err != nil {
		return 0, err
	}
	return index, nil
}

type CollateralParameterKind uint8

const (
	CollateralParamStatus CollateralParameterKind = iota
	CollateralParamOracleIndex
	CollateralParamCollateralizationRatio
)

type CollateralParameter struct {
	Kind        CollateralParameterKind
	Status      Status
	OracleIndex OracleIdx
	Ratio       fixedpoint.Decimal
}

// UpdateCollateralParameters changes one field of a collateral kind. Auth-set
// members may only freeze.
func (e *Engine) UpdateCollateralParameters(principal common.Address, index CollateralIdx, param CollateralParameter) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	collateral, err := t.collateral(index)
	if err != nil {
		return err
	}
	switch param.Kind {
	case CollateralParamStatus:
		if err := authorizeStatusChange(t.protocol, principal, param.Status, StatusActive, StatusFrozen); err != nil {
			return err
		}
		collateral.Status = param.Status
	case CollateralParamOracleIndex:
		if principal != t.protocol.Admin {
			return ErrUnauthorized
		}
		if param.OracleIndex == NoOracle {
			if !collateral.IsStable(index) {
				return fmt.Errorf("%w: collateral %d requires an oracle", ErrInvalidOracleIndex, index)
			}
		} else if _, err := t.oracle(param.OracleIndex); err != nil {
			return err
		}
		collateral.OracleIndex = param.OracleIndex
	case CollateralParamCollateralizationRatio:
		if principal != t.protocol.Admin {
			return ErrUnauthorized
		}
		if err := validateCollateralRatio(param.Ratio); err != nil {
			return err
		}
		collateral.CollateralizationRatio = param.Ratio
	default:
		return fmt.Errorf("%w: collateral parameter %d", ErrInvalidValueRange, param.Kind)
	}
	t.markCollateral(index)
	return t.commit()
}

// PoolParams registers a pool.
type PoolParams struct {
	AssetInfo              AssetInfo
	TreasuryTradingFeeBps  uint16
	LiquidityTradingFeeBps uint16
}

func validateOvercollateralRatios(minRatio, maxLiquidation fixedpoint.Decimal) error {
	if minRatio.LessThan(fixedpoint.New(1, 0)) || maxLiquidation.LessThan(minRatio) {
		return fmt.Errorf("%w: min %s max liquidation %s", ErrInvalidOvercollateralizationRatios, minRatio, maxLiquidation)
	}
	return nil
}

func validateTradingFees(treasuryBps, liquidityBps uint16) error {
	if int(treasuryBps)+int(liquidityBps) >= bpsDenominator {
		return fmt.Errorf("%w: trading fees %d+%d bps", ErrInvalidValueRange, treasuryBps, liquidityBps)
	}
	return nil
}

func validateCoefficient(value fixedpoint.Decimal) error {
	if value.Sign() < 0 {
		return fmt.Errorf("%w: negative coefficient %s", ErrInvalidValueRange, value)
	}
	return nil
}

// AddPool appends an active pool. Admin only.
func (e *Engine) AddPool(principal common.Address, params PoolParams) (PoolIdx, error) {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return 0, err
	}
	if principal != t.protocol.Admin {
		return 0, ErrUnauthorized
	}
	if t.protocol.PoolCount >= MaxPools {
		return 0, fmt.Errorf("%w: pool registry", ErrPositionsFull)
	}
	info := params.AssetInfo
	if _, err := t.oracle(info.OracleIndex); err != nil {
		return 0, err
	}
	if err := validateOvercollateralRatios(info.MinOvercollateralRatio, info.MaxLiquidationOvercollateralRatio); err != nil {
		return 0, err
	}
	if err := validateTradingFees(params.TreasuryTradingFeeBps, params.LiquidityTradingFeeBps); err != nil {
		return 0, err
	}
	if err := validateCoefficient(info.ILHealthScoreCoefficient); err != nil {
		return 0, err
	}
	if err := validateCoefficient(info.PositionHealthScoreCoefficient); err != nil {
		return 0, err
	}
	index := PoolIdx(t.protocol.PoolCount)
	t.pools[index] = &Pool{
		AssetInfo:              info,
		TreasuryTradingFeeBps:  params.TreasuryTradingFeeBps,
		LiquidityTradingFeeBps: params.LiquidityTradingFeeBps,
		Status:                 StatusActive,
	}
	t.markPool(index)
	t.protocol.PoolCount++
	t.markProtocol()
	if err := t.commit(); err != nil {
		return 0, err
	}
	e.logger.Info("clone: pool added", slog.Int("index", int(index)), slog.String("onasset", info.OnAssetMint.Hex()))
	return index, nil
}

type PoolParameterKind uint8

const (
	PoolParamStatus PoolParameterKind = iota
	PoolParamTreasuryTradingFee
	PoolParamLiquidityTradingFee
	PoolParamOracleIndex
	PoolParamILHealthScoreCoefficient
	PoolParamPositionHealthScoreCoefficient
	PoolParamMinOvercollateralRatio
	PoolParamMaxLiquidationOvercollateralRatio
)

type PoolParameter struct {
	Kind        PoolParameterKind
	Status      Status
	Bps         uint16
	OracleIndex OracleIdx
	Value       fixedpoint.Decimal
}

// UpdatePoolParameters changes one field of a pool. Auth-set members may
// only freeze; deprecation goes through DeprecatePool.
func (e *Engine) UpdatePoolParameters(principal common.Address, index PoolIdx, param PoolParameter) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	pool, err := t.pool(index)
	if err != nil {
		return err
	}
	if param.Kind != PoolParamStatus && principal != t.protocol.Admin {
		return ErrUnauthorized
	}
	switch param.Kind {
	case PoolParamStatus:
		if err := authorizeStatusChange(t.protocol, principal, param.Status, StatusActive, StatusFrozen, StatusLiquidation); err != nil {
			return err
		}
		pool.Status = param.Status
	case PoolParamTreasuryTradingFee:
		if err := validateTradingFees(param.Bps, pool.LiquidityTradingFeeBps); err != nil {
			return err
		}
		pool.TreasuryTradingFeeBps = param.Bps
	case PoolParamLiquidityTradingFee:
		if err := validateTradingFees(pool.TreasuryTradingFeeBps, param.Bps); err != nil {
			return err
		}
		pool.LiquidityTradingFeeBps = param.Bps
	case PoolParamOracleIndex:
		if _, err := t.oracle(param.OracleIndex); err != nil {
			return err
		}
		pool.AssetInfo.OracleIndex = param.OracleIndex
	case PoolParamILHealthScoreCoefficient:
		if err := validateCoefficient(param.Value); err != nil {
			return err
		}
		pool.AssetInfo.ILHealthScoreCoefficient = param.Value
	case PoolParamPositionHealthScoreCoefficient:
		if err := validateCoefficient(param.Value); err != nil {
			return err
		}
		pool.AssetInfo.PositionHealthScoreCoefficient = param.Value
	case PoolParamMinOvercollateralRatio:
		if err := validateOvercollateralRatios(param.Value, pool.AssetInfo.MaxLiquidationOvercollateralRatio); err != nil {
			return err
		}
		pool.AssetInfo.MinOvercollateralRatio = param.Value
	case PoolParamMaxLiquidationOvercollateralRatio:
		if err := validateOvercollateralRatios(pool.AssetInfo.MinOvercollateralRatio, param.Value); err != nil {
			return err
		}
		pool.AssetInfo.MaxLiquidationOvercollateralRatio = param.Value
	default:
		return fmt.Errorf("%w: pool parameter %d", ErrInvalidValueRange, param.Kind)
	}
	t.markPool(index)
	t.emit(t.poolStateEvent(index, pool))
	return t.commit()
}

// DeprecatePool moves a pool into Deprecation so LPs can only exit. Admin only.
func (e *Engine) DeprecatePool(principal common.Address, index PoolIdx) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	if principal != t.protocol.Admin {
		return ErrUnauthorized
	}
	pool, err := t.pool(index)
	if err != nil {
		return err
	}
	pool.Status = StatusDeprecation
	t.markPool(index)
	t.emit(t.poolStateEvent(index, pool))
	return t.commit()
}

// RemovePool tombstones a deprecated pool with no committed liquidity. The
// slot keeps its index; new references fail with PoolNotFound.
func (e *Engine) RemovePool(principal common.Address, index PoolIdx) error {
	defer e.lockAdmin()()
	t, err := e.begin()
	if err != nil {
		return err
	}
	if principal != t.protocol.Admin {
		return ErrUnauthorized
	}
	pool, err := t.pool(index)
	if err != nil {
		return err
	}
	if pool.Status != StatusDeprecation {
		return fmt.Errorf("%w: pool %d is %s", ErrInvalidStatus, index, pool.Status)
	}
	if pool.CommittedCollateralLiquidity != 0 {
		return fmt.Errorf("%w: pool %d has committed liquidity", ErrRequireAllPositionsClosed, index)
	}
	pool.Removed = true
	t.markPool(index)
	if err := t.commit(); err != nil {
		return err
	}
	e.logger.Info("clone: pool removed", slog.Int("index", int(index)))
	return nil
}
