package clone

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
)

// CometLiquidation reports the outcome of an ILD liquidation.
type CometLiquidation struct {
	// Share is the liquidated ILD share in the side's own units.
	Share uint64
	// Paid is the onUSD moved from the comet to the liquidator, fee included.
	Paid uint64
	// Withdrawn is the committed liquidity released from the position.
	Withdrawn uint64
	// Removed reports whether the position was deleted.
	Removed bool
}

// liquidatable fails unless the comet is unhealthy or one of the pools is in
// Liquidation.
func (t *txn) liquidatable(comet *Comet, pools ...*Pool) error {
	for _, pool := range pools {
		if pool.Status == StatusLiquidation {
			return nil
		}
	}
	health, err := t.cometHealth(comet)
	if err != nil {
		return err
	}
	if health.Healthy {
		return fmt.Errorf("%w: health score %s", ErrNotSubjectToLiquidation, health.Score)
	}
	return nil
}

type ildSide uint8

const (
	collateralSide ildSide = iota
	onassetSide
)

// LiquidateCometCollateralILD settles a position's positive collateral ILD
// share out of the owner's comet collateral, plus the liquidator fee.
func (e *Engine) LiquidateCometCollateralILD(liquidator, owner common.Address, position int) (CometLiquidation, error) {
	return e.liquidateILD(liquidator, owner, position, collateralSide)
}

// LiquidateCometOnAssetILD settles a position's positive onasset ILD share.
// The liquidator burns the owed onasset and is paid its oracle value from
// the owner's comet collateral, plus the liquidator fee.
func (e *Engine) LiquidateCometOnAssetILD(liquidator, owner common.Address, position int) (CometLiquidation, error) {
	return e.liquidateILD(liquidator, owner, position, onassetSide)
}

func (e *Engine) liquidateILD(liquidator, owner common.Address, position int, side ildSide) (CometLiquidation, error) {
	if err := e.guard(); err != nil {
		return CometLiquidation{}, err
	}
	release, err := e.lockUser(owner)
	if err != nil {
		return CometLiquidation{}, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return CometLiquidation{}, err
	}
	user, err := t.user(owner)
	if err != nil {
		return CometLiquidation{}, err
	}
	pos, err := cometPosition(user, position)
	if err != nil {
		return CometLiquidation{}, err
	}
	poolIndex := pos.PoolIndex
	pool, err := t.positionPool(poolIndex)
	if err != nil {
		return CometLiquidation{}, err
	}
	if err := t.liquidatable(&user.Comet, pool); err != nil {
		return CometLiquidation{}, err
	}
	share, err := positionILDShare(pool, pos)
	if err != nil {
		return CometLiquidation{}, err
	}

	owed, feeBps := share.Collateral, t.protocol.CometCollateralILDLiquidatorFeeBps
	if side == onassetSide {
		owed, feeBps = share.OnAsset, t.protocol.CometOnAssetILDLiquidatorFeeBps
	}
	if owed.Sign() <= 0 {
		return CometLiquidation{}, fmt.Errorf("%w: pool %d share %s", ErrNotSubjectToLiquidation, poolIndex, owed)
	}
	var result CometLiquidation
	if result.Share, err = toTokenUnits(owed); err != nil {
		return CometLiquidation{}, err
	}
	value := owed
	if side == onassetSide {
		price, err := t.freshPrice(pool.AssetInfo.OracleIndex)
		if err != nil {
			return CometLiquidation{}, err
		}
		value = fixedpoint.MulAt(owed, price, TokenScale)
	}
	gross := value.Add(fixedpoint.Bps(value, feeBps, TokenScale))
	if result.Paid, err = toTokenUnits(gross); err != nil {
		return CometLiquidation{}, err
	}
	if result.Paid > user.Comet.CollateralAmount {
		return CometLiquidation{}, fmt.Errorf("%w: %d above comet collateral %d", ErrLiquidationAmountTooLarge, result.Paid, user.Comet.CollateralAmount)
	}

	if pos.CommittedCollateralLiquidity > 0 {
		if result.Withdrawn, err = t.withdrawLiquidity(owner, user, position, pos.CommittedCollateralLiquidity); err != nil {
			return CometLiquidation{}, err
		}
	}
	if side == onassetSide {
		pos.OnAssetILDRebate = 0
	} else {
		pos.CollateralILDRebate = 0
	}
	if pos.Empty() {
		removeCometPosition(user, position)
		result.Removed = true
	}
	onusd, err := t.collateral(OnUSDCollateral)
	if err != nil {
		return CometLiquidation{}, err
	}
	paid, err := signedUnits(result.Paid)
	if err != nil {
		return CometLiquidation{}, err
	}
	user.Comet.CollateralAmount -= result.Paid
	t.markUser(owner)
	if side == onassetSide {
		t.burn(pool.AssetInfo.OnAssetMint, liquidator, result.Share)
	}
	t.transfer(t.protocol.OnUSDMint, onusd.Vault, liquidator, result.Paid)
	t.emit(t.cometCollateralEvent(owner, OnUSDCollateral, -paid, user.Comet.CollateralAmount))
	if err := t.commit(); err != nil {
		return CometLiquidation{}, err
	}
	e.logger.Info("clone: comet ILD liquidated",
		slog.String("owner", owner.Hex()),
		slog.String("liquidator", liquidator.Hex()),
		slog.Int("pool", int(poolIndex)),
		slog.Bool("onasset", side == onassetSide),
		slog.Uint64("paid", result.Paid))
	return result, nil
}

// LiquidateCometStableCollateral converts the owner's non-quote stable comet
// collateral into onUSD collateral. The onUSD vault mints the converted
// amount to itself; the stable tokens stay in their vault as backing.
func (e *Engine) LiquidateCometStableCollateral(liquidator, owner common.Address) (uint64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	release, err := e.lockUser(owner)
	if err != nil {
		return 0, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return 0, err
	}
	user, err := t.user(owner)
	if err != nil {
		return 0, err
	}
	pools := make([]*Pool, 0, len(user.Comet.Positions))
	for _, pos := range user.Comet.Positions {
		pool, err := t.positionPool(pos.PoolIndex)
		if err != nil {
			return 0, err
		}
		pools = append(pools, pool)
	}
	if err := t.liquidatable(&user.Comet, pools...); err != nil {
		return 0, err
	}
	if user.Comet.StableCollateral == 0 {
		return 0, ErrInvalidTokenAmount
	}
	stable, err := t.collateral(StableCollateral)
	if err != nil {
		return 0, err
	}
	onusd, err := t.collateral(OnUSDCollateral)
	if err != nil {
		return 0, err
	}
	converted, err := toTokenUnits(fixedpoint.RescaleTowardZero(fixedpoint.FromUint64(user.Comet.StableCollateral, int32(stable.Scale)), TokenScale))
	if err != nil {
		return 0, err
	}
	released, err := signedUnits(user.Comet.StableCollateral)
	if err != nil {
		return 0, err
	}
	credited, err := signedUnits(converted)
	if err != nil {
		return 0, err
	}
	if user.Comet.CollateralAmount, err = addUint64(user.Comet.CollateralAmount, converted); err != nil {
		return 0, err
	}
	user.Comet.StableCollateral = 0
	t.markUser(owner)
	t.mint(t.protocol.OnUSDMint, onusd.Vault, converted)
	t.emit(t.cometCollateralEvent(owner, StableCollateral, -released, 0))
	t.emit(t.cometCollateralEvent(owner, OnUSDCollateral, credited, user.Comet.CollateralAmount))
	if err := t.commit(); err != nil {
		return 0, err
	}
	e.logger.Info("clone: comet stable collateral normalised",
		slog.String("owner", owner.Hex()),
		slog.String("liquidator", liquidator.Hex()),
		slog.Uint64("converted", converted))
	return converted, nil
}
