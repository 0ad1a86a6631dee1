package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/core/types"
)

const (
	// TypeCloneSwap is emitted for every executed swap.
	TypeCloneSwap = "clone.swap"
	// TypeCloneLiquidityDelta is emitted when committed liquidity changes.
	TypeCloneLiquidityDelta = "clone.liquidity_delta"
	// TypeClonePoolState snapshots pool aggregates after a pool mutation.
	TypeClonePoolState = "clone.pool_state"
	// TypeCloneBorrowUpdate is emitted whenever a borrow position changes.
	TypeCloneBorrowUpdate = "clone.borrow_update"
	// TypeCloneCometCollateralUpdate is emitted when comet collateral moves.
	TypeCloneCometCollateralUpdate = "clone.comet_collateral_update"
)

// Sequence embeds the event id shared by every clone event.
type Sequence struct {
	ID uint64
}

// SequenceID returns the committed event id.
func (s *Sequence) SequenceID() uint64 { return s.ID }

// SetSequenceID stamps the committed event id.
func (s *Sequence) SetSequenceID(id uint64) { s.ID = id }

type CloneSwap struct {
	Sequence
	Slot         uint64
	User         common.Address
	PoolIndex    uint16
	IsBuy        bool
	OnAsset      uint64
	Quote        uint64
	LiquidityFee uint64
	TreasuryFee  uint64
}

func (*CloneSwap) EventType() string { return TypeCloneSwap }

func (e *CloneSwap) Event() *types.Event {
	return &types.Event{
		Sequence: e.ID,
		Type:     TypeCloneSwap,
		Attributes: map[string]string{
			"eventId":      formatUint(e.ID),
			"slot":         formatUint(e.Slot),
			"user":         e.User.Hex(),
			"poolIndex":    formatUint(uint64(e.PoolIndex)),
			"isBuy":        strconv.FormatBool(e.IsBuy),
			"onasset":      formatUint(e.OnAsset),
			"quote":        formatUint(e.Quote),
			"liquidityFee": formatUint(e.LiquidityFee),
			"treasuryFee":  formatUint(e.TreasuryFee),
		},
	}
}

type CloneLiquidityDelta struct {
	Sequence
	Slot               uint64
	User               common.Address
	PoolIndex          uint16
	CommittedDelta     int64
	CollateralILDDelta int64
	OnAssetILDDelta    int64
}

func (*CloneLiquidityDelta) EventType() string { return TypeCloneLiquidityDelta }

func (e *CloneLiquidityDelta) Event() *types.Event {
	return &types.Event{
		Sequence: e.ID,
		Type:     TypeCloneLiquidityDelta,
		Attributes: map[string]string{
			"eventId":            formatUint(e.ID),
			"slot":               formatUint(e.Slot),
			"user":               e.User.Hex(),
			"poolIndex":          formatUint(uint64(e.PoolIndex)),
			"committedDelta":     strconv.FormatInt(e.CommittedDelta, 10),
			"collateralIldDelta": strconv.FormatInt(e.CollateralILDDelta, 10),
			"onassetIldDelta":    strconv.FormatInt(e.OnAssetILDDelta, 10),
		},
	}
}

type ClonePoolState struct {
	Sequence
	Slot          uint64
	PoolIndex     uint16
	Committed     uint64
	CollateralILD int64
	OnAssetILD    int64
	OraclePrice   string
	Status        string
}

func (*ClonePoolState) EventType() string { return TypeClonePoolState }

func (e *ClonePoolState) Event() *types.Event {
	return &types.Event{
		Sequence: e.ID,
		Type:     TypeClonePoolState,
		Attributes: map[string]string{
			"eventId":       formatUint(e.ID),
			"slot":          formatUint(e.Slot),
			"poolIndex":     formatUint(uint64(e.PoolIndex)),
			"committed":     formatUint(e.Committed),
			"collateralIld": strconv.FormatInt(e.CollateralILD, 10),
			"onassetIld":    strconv.FormatInt(e.OnAssetILD, 10),
			"oraclePrice":   e.OraclePrice,
			"status":        e.Status,
		},
	}
}

type CloneBorrowUpdate struct {
	Sequence
	Slot             uint64
	User             common.Address
	PoolIndex        uint16
	CollateralIndex  uint16
	CollateralAmount uint64
	BorrowedOnAsset  uint64
	Closed           bool
	Liquidated       bool
}

func (*CloneBorrowUpdate) EventType() string { return TypeCloneBorrowUpdate }

func (e *CloneBorrowUpdate) Event() *types.Event {
	return &types.Event{
		Sequence: e.ID,
		Type:     TypeCloneBorrowUpdate,
		Attributes: map[string]string{
			"eventId":          formatUint(e.ID),
			"slot":             formatUint(e.Slot),
			"user":             e.User.Hex(),
			"poolIndex":        formatUint(uint64(e.PoolIndex)),
			"collateralIndex":  formatUint(uint64(e.CollateralIndex)),
			"collateralAmount": formatUint(e.CollateralAmount),
			"borrowedOnasset":  formatUint(e.BorrowedOnAsset),
			"closed":           strconv.FormatBool(e.Closed),
			"liquidated":       strconv.FormatBool(e.Liquidated),
		},
	}
}

type CloneCometCollateralUpdate struct {
	Sequence
	Slot            uint64
	User            common.Address
	CollateralIndex uint16
	Delta           int64
	Collateral      uint64
}

func (*CloneCometCollateralUpdate) EventType() string { return TypeCloneCometCollateralUpdate }

func (e *CloneCometCollateralUpdate) Event() *types.Event {
	return &types.Event{
		Sequence: e.ID,
		Type:     TypeCloneCometCollateralUpdate,
		Attributes: map[string]string{
			"eventId":         formatUint(e.ID),
			"slot":            formatUint(e.Slot),
			"user":            e.User.Hex(),
			"collateralIndex": formatUint(uint64(e.CollateralIndex)),
			"delta":           strconv.FormatInt(e.Delta, 10),
			"collateral":      formatUint(e.Collateral),
		},
	}
}
