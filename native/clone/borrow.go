package clone

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
)

// BorrowParams opens a borrow position. OnAssetAmount carries TokenScale
// digits and CollateralAmount the collateral's own scale.
type BorrowParams struct {
	PoolIndex        PoolIdx
	CollateralIndex  CollateralIdx
	OnAssetAmount    uint64
	CollateralAmount uint64
}

// BorrowLiquidation reports the legs of a liquidated borrow position.
type BorrowLiquidation struct {
	Burned     uint64
	Collateral uint64
	Fee        uint64
}

func borrowPosition(user *User, index int) (*BorrowPosition, error) {
	if index < 0 || index >= len(user.Borrows) {
		return nil, ErrInvalidInputPositionIndex
	}
	return &user.Borrows[index], nil
}

func removeBorrowPosition(user *User, index int) {
	user.Borrows = append(user.Borrows[:index], user.Borrows[index+1:]...)
}

// sufficient checks borrowed × S_a × min_ocr ≤ collateral × S_c × ratio
// exactly. User commands read prices through the status gate; liquidation
// only requires them to be fresh.
func (t *txn) sufficient(pos *BorrowPosition, pool *Pool, col *Collateral, gated bool) error {
	if pos.BorrowedOnAsset == 0 {
		return nil
	}
	read := t.freshPrice
	if gated {
		read = t.price
	}
	assetPrice, err := read(pool.AssetInfo.OracleIndex)
	if err != nil {
		return err
	}
	collateralPrice := fixedpoint.New(1, 0)
	if !col.IsStable(pos.CollateralIndex) {
		if collateralPrice, err = read(col.OracleIndex); err != nil {
			return err
		}
	}
	required := tokenAmount(pos.BorrowedOnAsset).Mul(assetPrice).Mul(pool.AssetInfo.MinOvercollateralRatio)
	posted := fixedpoint.FromUint64(pos.CollateralAmount, int32(col.Scale)).Mul(collateralPrice).Mul(col.CollateralizationRatio)
	if required.Cmp(posted) > 0 {
		return fmt.Errorf("%w: requires %s against %s", ErrInvalidMintCollateralRatio, required, posted)
	}
	return nil
}

func notFrozen(pool *Pool, col *Collateral, pos *BorrowPosition) error {
	if pool.Status == StatusFrozen {
		return fmt.Errorf("%w: pool %d is %s", ErrStatusPreventsAction, pos.PoolIndex, pool.Status)
	}
	if col != nil && col.Status == StatusFrozen {
		return fmt.Errorf("%w: collateral %d is %s", ErrStatusPreventsAction, pos.CollateralIndex, col.Status)
	}
	return nil
}

// borrowContext loads a borrow position with its pool and collateral.
func (t *txn) borrowContext(owner common.Address, index int) (*User, *BorrowPosition, *Pool, *Collateral, error) {
	user, err := t.user(owner)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pos, err := borrowPosition(user, index)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pool, err := t.positionPool(pos.PoolIndex)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	col, err := t.collateral(pos.CollateralIndex)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return user, pos, pool, col, nil
}

// InitializeBorrow posts collateral and mints onasset against it. It returns
// the index of the new borrow position.
func (e *Engine) InitializeBorrow(principal common.Address, params BorrowParams) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	if params.OnAssetAmount == 0 || params.CollateralAmount == 0 {
		return 0, ErrInvalidTokenAmount
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
	pool, err := t.pool(params.PoolIndex)
	if err != nil {
		return 0, err
	}
	col, err := t.collateral(params.CollateralIndex)
	if err != nil {
		return 0, err
	}
	pos := BorrowPosition{
		PoolIndex:        params.PoolIndex,
		CollateralIndex:  params.CollateralIndex,
		CollateralAmount: params.CollateralAmount,
		BorrowedOnAsset:  params.OnAssetAmount,
	}
	if err := notFrozen(pool, col, &pos); err != nil {
		return 0, err
	}
	if pool.Status != StatusActive {
		return 0, fmt.Errorf("%w: pool %d is %s", ErrStatusPreventsAction, params.PoolIndex, pool.Status)
	}
	user, err := t.user(principal)
	if err != nil {
		return 0, err
	}
	if len(user.Borrows) >= MaxBorrowPositions {
		return 0, ErrPositionsFull
	}
	if err := t.sufficient(&pos, pool, col, true); err != nil {
		return 0, err
	}
	user.Borrows = append(user.Borrows, pos)
	t.markUser(principal)
	t.transfer(col.Mint, principal, col.Vault, pos.CollateralAmount)
	t.mint(pool.AssetInfo.OnAssetMint, principal, pos.BorrowedOnAsset)
	t.emit(t.borrowEvent(principal, pos, false, false))
	if err := t.commit(); err != nil {
		return 0, err
	}
	return len(user.Borrows) - 1, nil
}

// BorrowMore mints additional onasset against an existing position.
func (e *Engine) BorrowMore(principal common.Address, index int, amount uint64) error {
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
	_, pos, pool, col, err := t.borrowContext(principal, index)
	if err != nil {
		return err
	}
	if err := notFrozen(pool, col, pos); err != nil {
		return err
	}
	if pool.Status != StatusActive || pool.Removed {
		return fmt.Errorf("%w: pool %d is %s", ErrStatusPreventsAction, pos.PoolIndex, pool.Status)
	}
	if pos.BorrowedOnAsset, err = addUint64(pos.BorrowedOnAsset, amount); err != nil {
		return err
	}
	if err := t.sufficient(pos, pool, col, true); err != nil {
		return err
	}
	t.markUser(principal)
	t.mint(pool.AssetInfo.OnAssetMint, principal, amount)
	t.emit(t.borrowEvent(principal, *pos, false, false))
	return t.commit()
}

// PayBorrowDebt burns onasset to reduce a position's debt. The amount is
// clamped to the outstanding debt.
func (e *Engine) PayBorrowDebt(principal common.Address, index int, amount uint64) (uint64, error) {
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
	user, pos, pool, _, err := t.borrowContext(principal, index)
	if err != nil {
		return 0, err
	}
	if err := notFrozen(pool, nil, pos); err != nil {
		return 0, err
	}
	if amount > pos.BorrowedOnAsset {
		amount = pos.BorrowedOnAsset
	}
	if amount == 0 {
		return 0, ErrInvalidTokenAmount
	}
	pos.BorrowedOnAsset -= amount
	snapshot := *pos
	closed := snapshot.BorrowedOnAsset == 0 && snapshot.CollateralAmount == 0
	if closed {
		removeBorrowPosition(user, index)
	}
	t.markUser(principal)
	t.burn(pool.AssetInfo.OnAssetMint, principal, amount)
	t.emit(t.borrowEvent(principal, snapshot, closed, false))
	if err := t.commit(); err != nil {
		return 0, err
	}
	return amount, nil
}

// AddCollateralToBorrow posts additional collateral to a position.
func (e *Engine) AddCollateralToBorrow(principal common.Address, index int, amount uint64) error {
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
	_, pos, pool, col, err := t.borrowContext(principal, index)
	if err != nil {
		return err
	}
	if err := notFrozen(pool, col, pos); err != nil {
		return err
	}
	if pos.CollateralAmount, err = addUint64(pos.CollateralAmount, amount); err != nil {
		return err
	}
	t.markUser(principal)
	t.transfer(col.Mint, principal, col.Vault, amount)
	t.emit(t.borrowEvent(principal, *pos, false, false))
	return t.commit()
}

// WithdrawCollateralFromBorrow releases collateral from a position. The
// amount is clamped; a position with debt must stay sufficiently
// collateralized and an emptied position is deleted.
func (e *Engine) WithdrawCollateralFromBorrow(principal common.Address, index int, amount uint64) (uint64, error) {
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
	user, pos, pool, col, err := t.borrowContext(principal, index)
	if err != nil {
		return 0, err
	}
	if err := notFrozen(pool, nil, pos); err != nil {
		return 0, err
	}
	if amount > pos.CollateralAmount {
		amount = pos.CollateralAmount
	}
	if amount == 0 {
		return 0, ErrInvalidTokenAmount
	}
	pos.CollateralAmount -= amount
	if err := t.sufficient(pos, pool, col, true); err != nil {
		return 0, err
	}
	snapshot := *pos
	closed := snapshot.BorrowedOnAsset == 0 && snapshot.CollateralAmount == 0
	if closed {
		removeBorrowPosition(user, index)
	}
	t.markUser(principal)
	t.transfer(col.Mint, col.Vault, principal, amount)
	t.emit(t.borrowEvent(principal, snapshot, closed, false))
	if err := t.commit(); err != nil {
		return 0, err
	}
	return amount, nil
}

// LiquidateBorrowPosition closes an undercollateralized borrow position, or
// any position of a pool in Liquidation. The liquidator burns the full debt
// and receives the collateral net of the borrow liquidator fee, which goes
// to the treasury.
func (e *Engine) LiquidateBorrowPosition(liquidator, owner common.Address, index int) (BorrowLiquidation, error) {
	if err := e.guard(); err != nil {
		return BorrowLiquidation{}, err
	}
	release, err := e.lockUser(owner)
	if err != nil {
		return BorrowLiquidation{}, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return BorrowLiquidation{}, err
	}
	user, pos, pool, col, err := t.borrowContext(owner, index)
	if err != nil {
		return BorrowLiquidation{}, err
	}
	if pos.BorrowedOnAsset == 0 {
		return BorrowLiquidation{}, ErrBorrowPositionUnableToLiquidate
	}
	if pool.Status != StatusLiquidation {
		err := t.sufficient(pos, pool, col, false)
		switch {
		case err == nil:
			return BorrowLiquidation{}, ErrNotSubjectToLiquidation
		case !errors.Is(err, ErrInvalidMintCollateralRatio):
			return BorrowLiquidation{}, err
		}
	}
	fee := fixedpoint.Bps(fixedpoint.FromUint64(pos.CollateralAmount, int32(col.Scale)), t.protocol.BorrowLiquidatorFeeBps, int32(col.Scale))
	feeUnits, err := fixedpoint.ToUint64(fee, int32(col.Scale))
	if err != nil {
		return BorrowLiquidation{}, err
	}
	result := BorrowLiquidation{
		Burned:     pos.BorrowedOnAsset,
		Collateral: pos.CollateralAmount - feeUnits,
		Fee:        feeUnits,
	}
	closedPos := BorrowPosition{PoolIndex: pos.PoolIndex, CollateralIndex: pos.CollateralIndex}
	removeBorrowPosition(user, index)
	t.markUser(owner)
	t.burn(pool.AssetInfo.OnAssetMint, liquidator, result.Burned)
	t.transfer(col.Mint, col.Vault, liquidator, result.Collateral)
	t.transfer(col.Mint, col.Vault, t.protocol.Treasury, result.Fee)
	t.emit(t.borrowEvent(owner, closedPos, true, true))
	if err := t.commit(); err != nil {
		return BorrowLiquidation{}, err
	}
	e.logger.Info("clone: borrow position liquidated",
		slog.String("owner", owner.Hex()),
		slog.String("liquidator", liquidator.Hex()),
		slog.Int("pool", int(closedPos.PoolIndex)),
		slog.Uint64("burned", result.Burned),
		slog.Uint64("fee", result.Fee))
	return result, nil
}
