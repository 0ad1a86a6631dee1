package clone

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
)

// UpdateNetValue values the caller's wallet and comet in onUSD and stores
// the result together with the current slot. accounts must list the
// caller's onUSD account and one account per live pool onasset.
func (e *Engine) UpdateNetValue(principal common.Address, accounts []TokenAccount) (uint64, error) {
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
	supplied := make(map[common.Address]struct{}, len(accounts))
	for _, account := range accounts {
		if account.Owner != principal {
			return 0, fmt.Errorf("%w: account of %s", ErrInvalidTokenAccountBalance, account.Owner.Hex())
		}
		supplied[account.Mint] = struct{}{}
	}
	if _, ok := supplied[t.protocol.OnUSDMint]; !ok {
		return 0, fmt.Errorf("%w: onUSD", ErrExpectedAccountNotFound)
	}
	onusd, err := e.ledger.Balance(t.protocol.OnUSDMint, principal)
	if err != nil {
		return 0, err
	}
	value := tokenAmount(onusd)

	for i := uint16(0); i < t.protocol.PoolCount; i++ {
		pool, err := t.positionPool(PoolIdx(i))
		if err != nil {
			return 0, err
		}
		if pool.Removed {
			continue
		}
		mint := pool.AssetInfo.OnAssetMint
		if _, ok := supplied[mint]; !ok {
			return 0, fmt.Errorf("%w: onasset of pool %d", ErrExpectedAccountNotFound, i)
		}
		balance, err := e.ledger.Balance(mint, principal)
		if err != nil {
			return 0, err
		}
		if balance == 0 {
			continue
		}
		price, err := t.freshPrice(pool.AssetInfo.OracleIndex)
		if err != nil {
			return 0, err
		}
		value = value.Add(fixedpoint.MulAt(tokenAmount(balance), price, TokenScale))
	}

	user, err := t.user(principal)
	if err != nil {
		return 0, err
	}
	collateral, err := t.cometCollateralValue(&user.Comet)
	if err != nil {
		return 0, err
	}
	value = value.Add(collateral)
	for i := range user.Comet.Positions {
		pos := &user.Comet.Positions[i]
		pool, err := t.positionPool(pos.PoolIndex)
		if err != nil {
			return 0, err
		}
		share, err := positionILDShare(pool, pos)
		if err != nil {
			return 0, err
		}
		owed, err := t.positionOwed(pool, share)
		if err != nil {
			return 0, err
		}
		value = value.Sub(owed)
	}
	units, err := toTokenUnits(fixedpoint.PositivePart(value))
	if err != nil {
		return 0, err
	}
	user.NetValue = units
	user.NetValueSlot = t.slot
	t.markUser(principal)
	if err := t.commit(); err != nil {
		return 0, err
	}
	return units, nil
}

// CurrentNetValue returns the stored net value. The value must have been
// refreshed in the current slot.
func (e *Engine) CurrentNetValue(principal common.Address) (uint64, error) {
	user, err := e.User(principal)
	if err != nil {
		return 0, err
	}
	if now := e.clock.NowSlot(); user.NetValueSlot < now {
		return 0, fmt.Errorf("%w: stored at slot %d, now %d", ErrOutdatedUpdateSlot, user.NetValueSlot, now)
	}
	return user.NetValue, nil
}

// CloseUser deletes the caller's user record. Borrows must be repaid and
// the comet emptied first.
func (e *Engine) CloseUser(principal common.Address) error {
	if err := e.guard(); err != nil {
		return err
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
	user, err := t.user(principal)
	if err != nil {
		return err
	}
	if len(user.Borrows) > 0 {
		return ErrRequireAllPositionsClosed
	}
	if len(user.Comet.Positions) > 0 || user.Comet.CollateralAmount > 0 || user.Comet.StableCollateral > 0 {
		return ErrCometNotEmpty
	}
	user.NetValue = 0
	user.NetValueSlot = 0
	t.markUser(principal)
	return t.commit()
}
