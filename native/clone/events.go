package clone

import (
	"github.com/ethereum/go-ethereum/common"

	"clonechain/core/events"
)

func (t *txn) poolStateEvent(index PoolIdx, pool *Pool) *events.ClonePoolState {
	price := ""
	if oracle, err := t.oracle(pool.AssetInfo.OracleIndex); err == nil {
		price = oracle.PriceDecimal().String()
	}
	return &events.ClonePoolState{
		Slot:          t.slot,
		PoolIndex:     uint16(index),
		Committed:     pool.CommittedCollateralLiquidity,
		CollateralILD: pool.CollateralILD,
		OnAssetILD:    pool.OnAssetILD,
		OraclePrice:   price,
		Status:        pool.Status.String(),
	}
}

func (t *txn) liquidityDeltaEvent(user common.Address, index PoolIdx, committed, collateralILD, onassetILD int64) *events.CloneLiquidityDelta {
	return &events.CloneLiquidityDelta{
		Slot:               t.slot,
		User:               user,
		PoolIndex:          uint16(index),
		CommittedDelta:     committed,
		CollateralILDDelta: collateralILD,
		OnAssetILDDelta:    onassetILD,
	}
}

func (t *txn) borrowEvent(user common.Address, pos BorrowPosition, closed, liquidated bool) *events.CloneBorrowUpdate {
	return &events.CloneBorrowUpdate{
		Slot:             t.slot,
		User:             user,
		PoolIndex:        uint16(pos.PoolIndex),
		CollateralIndex:  uint16(pos.CollateralIndex),
		CollateralAmount: pos.CollateralAmount,
		BorrowedOnAsset:  pos.BorrowedOnAsset,
		Closed:           closed,
		Liquidated:       liquidated,
	}
}

func (t *txn) cometCollateralEvent(user common.Address, index CollateralIdx, delta int64, balance uint64) *events.CloneCometCollateralUpdate {
	return &events.CloneCometCollateralUpdate{
		Slot:            t.slot,
		User:            user,
		CollateralIndex: uint16(index),
		Delta:           delta,
		Collateral:      balance,
	}
}

func (t *txn) swapEvent(user common.Address, params SwapParams, result SwapResult) *events.CloneSwap {
	return &events.CloneSwap{
		Slot:         t.slot,
		User:         user,
		PoolIndex:    uint16(params.PoolIndex),
		IsBuy:        params.IsBuy,
		OnAsset:      result.OnAsset,
		Quote:        result.Quote,
		LiquidityFee: result.LiquidityFee,
		TreasuryFee:  result.TreasuryFee,
	}
}
