package clone

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
)

// PaymentType selects how impermanent-loss debt is settled.
type PaymentType uint8

const (
	PaymentOnAsset PaymentType = iota
	PaymentCollateralFromWallet
	PaymentCollateralFromComet
)

func (p PaymentType) String() string {
	switch p {
	case PaymentOnAsset:
		return "onasset"
	case PaymentCollateralFromWallet:
		return "collateral_from_wallet"
	case PaymentCollateralFromComet:
		return "collateral_from_comet"
	default:
		return fmt.Sprintf("payment(%d)", uint8(p))
	}
}

// ParsePaymentType resolves the textual payment type used by the API.
func ParsePaymentType(value string) (PaymentType, error) {
	for _, p := range []PaymentType{PaymentOnAsset, PaymentCollateralFromWallet, PaymentCollateralFromComet} {
		if p.String() == value {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPaymentType, value)
}

// LpRewards reports the amounts minted by CollectLpRewards.
type LpRewards struct {
	OnAsset    uint64
	Collateral uint64
}

func (t *txn) cometCollateral(index CollateralIdx) (*Collateral, error) {
	if index != OnUSDCollateral && index != StableCollateral {
		return nil, ErrRequireOnlyStableCollateral
	}
	return t.collateral(index)
}

// AddCollateralToComet deposits onUSD (index 0) or the registered non-quote
// stable (index 1) into the caller's comet.
func (e *Engine) AddCollateralToComet(principal common.Address, index CollateralIdx, amount uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidTokenAmount
	}
	release, err := e.lockUser(principal)
	if err != nil {
		return err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return err
	}
	col, err := t.cometCollateral(index)
	if err != nil {
		return err
	}
	if col.Status == StatusFrozen {
		return fmt.Errorf("%w: collateral %d frozen", ErrStatusPreventsAction, index)
	}
	user, err := t.user(principal)
	if err != nil {
		return err
	}
	balance := &user.Comet.CollateralAmount
	if index == StableCollateral {
		balance = &user.Comet.StableCollateral
	}
	if *balance, err = addUint64(*balance, amount); err != nil {
		return err
	}
	delta, err := signedUnits(amount)
	if err != nil {
		return err
	}
	t.markUser(principal)
	t.transfer(col.Mint, principal, col.Vault, amount)
	t.emit(t.cometCollateralEvent(principal, index, delta, *balance))
	return t.commit()
}

// WithdrawCollateralFromComet returns comet collateral to the caller. The
// amount is clamped to the balance and the comet must stay healthy.
func (e *Engine) WithdrawCollateralFromComet(principal common.Address, index CollateralIdx, amount uint64) (uint64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	release, err := e.lockUser(principal)
	if err != nil {
		return 0, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return 0, err
	}
	col, err := t.cometCollateral(index)
	if err != nil {
		return 0, err
	}
	user, err := t.user(principal)
	if err != nil {
		return 0, err
	}
	balance := &user.Comet.CollateralAmount
	if index == StableCollateral {
		balance = &user.Comet.StableCollateral
	}
	if amount > *balance {
		amount = *balance
	}
	if amount == 0 {
		return 0, ErrInvalidTokenAmount
	}
	*balance -= amount
	if err := t.requireHealthy(&user.Comet); err != nil {
		return 0, err
	}
	delta, err := signedUnits(amount)
	if err != nil {
		return 0, err
	}
	t.markUser(principal)
	t.transfer(col.Mint, col.Vault, principal, amount)
	t.emit(t.cometCollateralEvent(principal, index, -delta, *balance))
	if err := t.commit(); err != nil {
		return 0, err
	}
	return amount, nil
}

// AddLiquidityToComet commits onUSD liquidity from the caller's comet to a
// pool. A provider entering a pool with outstanding ILD inherits a
// proportional rebate so its initial share is zero.
func (e *Engine) AddLiquidityToComet(principal common.Address, poolIndex PoolIdx, amount uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidTokenAmount
	}
	release, err := e.lockUser(principal, poolIndex)
	if err != nil {
		return err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return err
	}
	pool, err := t.pool(poolIndex)
	if err != nil {
		return err
	}
	if pool.Status != StatusActive {
		return fmt.Errorf("%w: pool %d is %s", ErrStatusPreventsAction, poolIndex, pool.Status)
	}
	user, err := t.user(principal)
	if err != nil {
		return err
	}
	collateralClaim, err := proportionalClaim(pool.CollateralILD, amount, pool.CommittedCollateralLiquidity)
	if err != nil {
		return err
	}
	onassetClaim, err := proportionalClaim(pool.OnAssetILD, amount, pool.CommittedCollateralLiquidity)
	if err != nil {
		return err
	}
	deltaCollateral, err := toILDUnits(collateralClaim)
	if err != nil {
		return err
	}
	deltaOnAsset, err := toILDUnits(onassetClaim)
	if err != nil {
		return err
	}

	index := findCometPosition(user, poolIndex)
	if index < 0 {
		if len(user.Comet.Positions) >= MaxCometPositions {
			return ErrPositionsFull
		}
		user.Comet.Positions = append(user.Comet.Positions, CometPosition{PoolIndex: poolIndex})
		index = len(user.Comet.Positions) - 1
	}
	pos := &user.Comet.Positions[index]
	if pos.CommittedCollateralLiquidity, err = addUint64(pos.CommittedCollateralLiquidity, amount); err != nil {
		return err
	}
	if pos.CollateralILDRebate, err = addInt64(pos.CollateralILDRebate, deltaCollateral); err != nil {
		return err
	}
	if pos.OnAssetILDRebate, err = addInt64(pos.OnAssetILDRebate, deltaOnAsset); err != nil {
		return err
	}
	if pool.CommittedCollateralLiquidity, err = addUint64(pool.CommittedCollateralLiquidity, amount); err != nil {
		return err
	}
	if pool.CollateralILD, err = addInt64(pool.CollateralILD, deltaCollateral); err != nil {
		return err
	}
	if pool.OnAssetILD, err = addInt64(pool.OnAssetILD, deltaOnAsset); err != nil {
		return err
	}
	if err := t.requireHealthy(&user.Comet); err != nil {
		return err
	}
	committed, err := signedUnits(amount)
	if err != nil {
		return err
	}
	t.markUser(principal)
	t.markPool(poolIndex)
	t.emit(t.liquidityDeltaEvent(principal, poolIndex, committed, deltaCollateral, deltaOnAsset))
	t.emit(t.poolStateEvent(poolIndex, pool))
	return t.commit()
}

// withdrawLiquidity releases up to amount of a position's committed
// liquidity. The position's proportional claim on pool ILD leaves the pool
// together with the matching rebate, so the position's share is unchanged.
func (t *txn) withdrawLiquidity(owner common.Address, user *User, position int, amount uint64) (uint64, error) {
	pos, err := cometPosition(user, position)
	if err != nil {
		return 0, err
	}
	pool, err := t.positionPool(pos.PoolIndex)
	if err != nil {
		return 0, err
	}
	if pos.CommittedCollateralLiquidity == 0 {
		return 0, ErrNoLiquidityToWithdraw
	}
	if pool.CommittedCollateralLiquidity < pos.CommittedCollateralLiquidity {
		return 0, fmt.Errorf("%w: pool %d committed below position", ErrInequalityComparisonViolated, pos.PoolIndex)
	}
	if amount > pos.CommittedCollateralLiquidity {
		amount = pos.CommittedCollateralLiquidity
	}
	if amount == 0 {
		return 0, ErrInvalidTokenAmount
	}
	collateralClaim, err := proportionalClaim(pool.CollateralILD, amount, pool.CommittedCollateralLiquidity)
	if err != nil {
		return 0, err
	}
	onassetClaim, err := proportionalClaim(pool.OnAssetILD, amount, pool.CommittedCollateralLiquidity)
	if err != nil {
		return 0, err
	}
	deltaCollateral, err := toILDUnits(collateralClaim)
	if err != nil {
		return 0, err
	}
	deltaOnAsset, err := toILDUnits(onassetClaim)
	if err != nil {
		return 0, err
	}
	if pos.CollateralILDRebate, err = subInt64(pos.CollateralILDRebate, deltaCollateral); err != nil {
		return 0, err
	}
	if pos.OnAssetILDRebate, err = subInt64(pos.OnAssetILDRebate, deltaOnAsset); err != nil {
		return 0, err
	}
	if pool.CollateralILD, err = subInt64(pool.CollateralILD, deltaCollateral); err != nil {
		return 0, err
	}
	if pool.OnAssetILD, err = subInt64(pool.OnAssetILD, deltaOnAsset); err != nil {
		return 0, err
	}
	pos.CommittedCollateralLiquidity -= amount
	pool.CommittedCollateralLiquidity -= amount
	committed, err := signedUnits(amount)
	if err != nil {
		return 0, err
	}
	t.markUser(owner)
	t.markPool(pos.PoolIndex)
	t.emit(t.liquidityDeltaEvent(owner, pos.PoolIndex, -committed, -deltaCollateral, -deltaOnAsset))
	t.emit(t.poolStateEvent(pos.PoolIndex, pool))
	return amount, nil
}

// WithdrawLiquidityFromComet releases committed liquidity from a comet
// position. Frozen pools reject the withdrawal.
func (e *Engine) WithdrawLiquidityFromComet(principal common.Address, position int, amount uint64) (uint64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	release, err := e.lockUser(principal)
	if err != nil {
		return 0, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return 0, err
	}
	user, err := t.user(principal)
	if err != nil {
		return 0, err
	}
	pos, err := cometPosition(user, position)
	if err != nil {
		return 0, err
	}
	pool, err := t.positionPool(pos.PoolIndex)
	if err != nil {
		return 0, err
	}
	if pool.Status == StatusFrozen {
		return 0, fmt.Errorf("%w: pool %d is %s", ErrStatusPreventsAction, pos.PoolIndex, pool.Status)
	}
	withdrawn, err := t.withdrawLiquidity(principal, user, position, amount)
	if err != nil {
		return 0, err
	}
	if user.Comet.Positions[position].Empty() {
		removeCometPosition(user, position)
	}
	if err := t.commit(); err != nil {
		return 0, err
	}
	return withdrawn, nil
}

// PayImpermanentLossDebt settles part of a position's positive ILD share.
// The amount is clamped to the share; nothing is charged when the position
// owes nothing on the selected side.
func (e *Engine) PayImpermanentLossDebt(principal common.Address, position int, payment PaymentType, amount uint64) (uint64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	switch payment {
	case PaymentOnAsset, PaymentCollateralFromWallet, PaymentCollateralFromComet:
	default:
		return 0, ErrInvalidPaymentType
	}
	release, err := e.lockUser(principal)
	if err != nil {
		return 0, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return 0, err
	}
	user, err := t.user(principal)
	if err != nil {
		return 0, err
	}
	pos, err := cometPosition(user, position)
	if err != nil {
		return 0, err
	}
	pool, err := t.positionPool(pos.PoolIndex)
	if err != nil {
		return 0, err
	}
	share, err := positionILDShare(pool, pos)
	if err != nil {
		return 0, err
	}
	owed := share.Collateral
	if payment == PaymentOnAsset {
		owed = share.OnAsset
	}
	owedUnits, err := toTokenUnits(fixedpoint.PositivePart(owed))
	if err != nil {
		return 0, err
	}
	if amount > owedUnits {
		amount = owedUnits
	}
	if amount == 0 {
		return 0, nil
	}
	paid, err := signedUnits(amount)
	if err != nil {
		return 0, err
	}

	switch payment {
	case PaymentOnAsset:
		if pos.OnAssetILDRebate, err = addInt64(pos.OnAssetILDRebate, paid); err != nil {
			return 0, err
		}
		t.burn(pool.AssetInfo.OnAssetMint, principal, amount)
	case PaymentCollateralFromWallet:
		if pos.CollateralILDRebate, err = addInt64(pos.CollateralILDRebate, paid); err != nil {
			return 0, err
		}
		t.burn(t.protocol.OnUSDMint, principal, amount)
	case PaymentCollateralFromComet:
		if user.Comet.CollateralAmount < amount {
			return 0, fmt.Errorf("%w: comet holds %d", ErrInsufficientCollateralBalance, user.Comet.CollateralAmount)
		}
		if pos.CollateralILDRebate, err = addInt64(pos.CollateralILDRebate, paid); err != nil {
			return 0, err
		}
		onusd, err := t.collateral(OnUSDCollateral)
		if err != nil {
			return 0, err
		}
		user.Comet.CollateralAmount -= amount
		t.burn(t.protocol.OnUSDMint, onusd.Vault, amount)
		t.emit(t.cometCollateralEvent(principal, OnUSDCollateral, -paid, user.Comet.CollateralAmount))
	}
	if pos.Empty() {
		removeCometPosition(user, position)
	}
	if payment == PaymentCollateralFromComet {
		if err := t.requireHealthy(&user.Comet); err != nil {
			return 0, err
		}
	}
	t.markUser(principal)
	if err := t.commit(); err != nil {
		return 0, err
	}
	return amount, nil
}

// CollectLpRewards pays out every negative ILD share of a position: onUSD
// for the collateral side and onasset for the onasset side.
func (e *Engine) CollectLpRewards(principal common.Address, position int) (LpRewards, error) {
	if err := e.guard(); err != nil {
		return LpRewards{}, err
	}
	release, err := e.lockUser(principal)
	if err != nil {
		return LpRewards{}, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return LpRewards{}, err
	}
	user, err := t.user(principal)
	if err != nil {
		return LpRewards{}, err
	}
	pos, err := cometPosition(user, position)
	if err != nil {
		return LpRewards{}, err
	}
	pool, err := t.positionPool(pos.PoolIndex)
	if err != nil {
		return LpRewards{}, err
	}
	share, err := positionILDShare(pool, pos)
	if err != nil {
		return LpRewards{}, err
	}
	var rewards LpRewards
	if rewards.Collateral, err = toTokenUnits(fixedpoint.PositivePart(share.Collateral.Neg())); err != nil {
		return LpRewards{}, err
	}
	if rewards.OnAsset, err = toTokenUnits(fixedpoint.PositivePart(share.OnAsset.Neg())); err != nil {
		return LpRewards{}, err
	}
	if rewards.Collateral == 0 && rewards.OnAsset == 0 {
		return rewards, nil
	}
	collateral, err := signedUnits(rewards.Collateral)
	if err != nil {
		return LpRewards{}, err
	}
	onasset, err := signedUnits(rewards.OnAsset)
	if err != nil {
		return LpRewards{}, err
	}
	if pos.CollateralILDRebate, err = subInt64(pos.CollateralILDRebate, collateral); err != nil {
		return LpRewards{}, err
	}
	if pos.OnAssetILDRebate, err = subInt64(pos.OnAssetILDRebate, onasset); err != nil {
		return LpRewards{}, err
	}
	t.mint(t.protocol.OnUSDMint, principal, rewards.Collateral)
	t.mint(pool.AssetInfo.OnAssetMint, principal, rewards.OnAsset)
	if pos.Empty() {
		removeCometPosition(user, position)
	}
	t.markUser(principal)
	if err := t.commit(); err != nil {
		return LpRewards{}, err
	}
	return rewards, nil
}
