package clone

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
)

// SwapParams describes a swap against one pool. For buys Amount is the
// onasset received and Threshold the maximum onUSD paid; for sells Amount is
// the onasset paid and Threshold the minimum onUSD received.
type SwapParams struct {
	IsBuy     bool
	PoolIndex PoolIdx
	Amount    uint64
	Threshold uint64
}

// SwapResult reports the executed legs. Quote is the onUSD paid on buys and
// the onUSD received on sells; both include fees.
type SwapResult struct {
	OnAsset      uint64
	Quote        uint64
	LiquidityFee uint64
	TreasuryFee  uint64

	collateralILDDelta int64
	onassetILDDelta    int64
}

// Reserves derives the virtual reserves of the pool at price:
// quote = L - collateral_ild and onasset = L/p - onasset_ild.
func (p *Pool) Reserves(price fixedpoint.Decimal) (fixedpoint.Decimal, fixedpoint.Decimal, error) {
	if p.CommittedCollateralLiquidity == 0 {
		return fixedpoint.Zero, fixedpoint.Zero, ErrPoolEmpty
	}
	committed := tokenAmount(p.CommittedCollateralLiquidity)
	quote := committed.Sub(ildAmount(p.CollateralILD))
	onasset, err := fixedpoint.DivAt(committed, price, TokenScale)
	if err != nil {
		return fixedpoint.Zero, fixedpoint.Zero, err
	}
	onasset = onasset.Sub(ildAmount(p.OnAssetILD))
	if quote.Sign() <= 0 || onasset.Sign() <= 0 {
		return fixedpoint.Zero, fixedpoint.Zero, ErrPoolEmpty
	}
	return quote, onasset, nil
}

// quoteSwap prices a swap on the constant-product curve through the current
// reserves. Fees are charged on the onUSD leg: added to the input on buys
// and withheld from the output on sells.
func quoteSwap(pool *Pool, price fixedpoint.Decimal, isBuy bool, amount uint64) (SwapResult, error) {
	if amount == 0 {
		return SwapResult{}, ErrInvalidTokenAmount
	}
	reserveQuote, reserveOnAsset, err := pool.Reserves(price)
	if err != nil {
		return SwapResult{}, err
	}
	onasset := tokenAmount(amount)
	var counter fixedpoint.Decimal
	if isBuy {
		if onasset.Cmp(reserveOnAsset) >= 0 {
			return SwapResult{}, fmt.Errorf("%w: buy exceeds onasset reserve", ErrInvalidTokenAmount)
		}
		counter, err = fixedpoint.MulDiv(reserveQuote, onasset, reserveOnAsset.Sub(onasset), TokenScale)
	} else {
		counter, err = fixedpoint.MulDiv(reserveQuote, onasset, reserveOnAsset.Add(onasset), TokenScale)
	}
	if err != nil {
		return SwapResult{}, err
	}
	liquidityFee := fixedpoint.Bps(counter, pool.LiquidityTradingFeeBps, TokenScale)
	treasuryFee := fixedpoint.Bps(counter, pool.TreasuryTradingFeeBps, TokenScale)
	var quote fixedpoint.Decimal
	if isBuy {
		quote = counter.Add(liquidityFee).Add(treasuryFee)
	} else {
		quote = counter.Sub(liquidityFee).Sub(treasuryFee)
	}

	result := SwapResult{OnAsset: amount}
	if result.Quote, err = toTokenUnits(quote); err != nil {
		return SwapResult{}, err
	}
	if result.LiquidityFee, err = toTokenUnits(liquidityFee); err != nil {
		return SwapResult{}, err
	}
	if result.TreasuryFee, err = toTokenUnits(treasuryFee); err != nil {
		return SwapResult{}, err
	}
	onassetUnits, err := signedUnits(amount)
	if err != nil {
		return SwapResult{}, err
	}
	if isBuy {
		// The pool books everything the trader paid except the treasury leg.
		booked, err := signedUnits(result.Quote - result.TreasuryFee)
		if err != nil {
			return SwapResult{}, err
		}
		result.collateralILDDelta = booked
		result.onassetILDDelta = -onassetUnits
	} else {
		released, err := addUint64(result.Quote, result.TreasuryFee)
		if err != nil {
			return SwapResult{}, err
		}
		releasedUnits, err := signedUnits(released)
		if err != nil {
			return SwapResult{}, err
		}
		result.collateralILDDelta = -releasedUnits
		result.onassetILDDelta = onassetUnits
	}
	return result, nil
}

// QuoteSwap prices a swap without executing it.
func (e *Engine) QuoteSwap(params SwapParams) (SwapResult, error) {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	if int(params.PoolIndex) < MaxPools {
		e.poolLocks[params.PoolIndex].Lock()
		defer e.poolLocks[params.PoolIndex].Unlock()
	}
	t, err := e.begin()
	if err != nil {
		return SwapResult{}, err
	}
	pool, err := t.pool(params.PoolIndex)
	if err != nil {
		return SwapResult{}, err
	}
	price, err := t.price(pool.AssetInfo.OracleIndex)
	if err != nil {
		return SwapResult{}, err
	}
	return quoteSwap(pool, price, params.IsBuy, params.Amount)
}

// Swap trades onUSD against the pool's onasset. The pool must be Active.
func (e *Engine) Swap(principal common.Address, params SwapParams) (SwapResult, error) {
	if err := e.guard(); err != nil {
		return SwapResult{}, err
	}
	release, err := e.lockUser(principal, params.PoolIndex)
	if err != nil {
		return SwapResult{}, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return SwapResult{}, err
	}
	pool, err := t.pool(params.PoolIndex)
	if err != nil {
		return SwapResult{}, err
	}
	if pool.Status != StatusActive {
		return SwapResult{}, fmt.Errorf("%w: pool %d is %s", ErrStatusPreventsAction, params.PoolIndex, pool.Status)
	}
	price, err := t.price(pool.AssetInfo.OracleIndex)
	if err != nil {
		return SwapResult{}, err
	}
	result, err := quoteSwap(pool, price, params.IsBuy, params.Amount)
	if err != nil {
		return SwapResult{}, err
	}
	if params.IsBuy && result.Quote > params.Threshold {
		return SwapResult{}, fmt.Errorf("%w: quote in %d above %d", ErrSlippageToleranceExceeded, result.Quote, params.Threshold)
	}
	if !params.IsBuy && result.Quote < params.Threshold {
		return SwapResult{}, fmt.Errorf("%w: quote out %d below %d", ErrSlippageToleranceExceeded, result.Quote, params.Threshold)
	}

	if pool.CollateralILD, err = addInt64(pool.CollateralILD, result.collateralILDDelta); err != nil {
		return SwapResult{}, err
	}
	if pool.OnAssetILD, err = addInt64(pool.OnAssetILD, result.onassetILDDelta); err != nil {
		return SwapResult{}, err
	}
	t.markPool(params.PoolIndex)

	onusd := t.protocol.OnUSDMint
	onasset := pool.AssetInfo.OnAssetMint
	if params.IsBuy {
		t.burn(onusd, principal, result.Quote-result.TreasuryFee)
		t.transfer(onusd, principal, t.protocol.Treasury, result.TreasuryFee)
		t.mint(onasset, principal, result.OnAsset)
	} else {
		t.burn(onasset, principal, result.OnAsset)
		t.mint(onusd, principal, result.Quote)
		t.mint(onusd, t.protocol.Treasury, result.TreasuryFee)
	}

	t.emit(t.swapEvent(principal, params, result))
	t.emit(t.poolStateEvent(params.PoolIndex, pool))
	if err := t.commit(); err != nil {
		return SwapResult{}, err
	}
	return result, nil
}
