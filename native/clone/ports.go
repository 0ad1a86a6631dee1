package clone

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/native/fixedpoint"
	"clonechain/storage"
)

// Ledger custodies fungible balances keyed by (mint, owner). Amounts carry
// the scale bound to the mint.
type Ledger interface {
	Mint(mint, to common.Address, amount uint64) error
	Burn(mint, from common.Address, amount uint64) error
	Transfer(mint, from, to common.Address, amount uint64) error
	Balance(mint, owner common.Address) (uint64, error)
}

// OraclePort exposes the oracle registry to collaborators.
type OraclePort interface {
	ReadOracle(index OracleIdx) (fixedpoint.Decimal, Status, uint64, error)
	UpdateOracles(principal common.Address, batch []OraclePayload) error
}

// Clock supplies the current slot and wall time.
type Clock interface {
	NowSlot() uint64
	NowUnix() int64
}

// Store persists RLP encoded engine records.
type Store interface {
	Get(key []byte, out interface{}) (bool, error)
	Apply(batch *storage.Batch) error
}

// SlotClock derives slots from elapsed wall time since Genesis.
type SlotClock struct {
	Genesis      time.Time
	SlotDuration time.Duration
	Now          func() time.Time
}

func (c SlotClock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c SlotClock) NowSlot() uint64 {
	if c.SlotDuration <= 0 {
		return 0
	}
	elapsed := c.now().Sub(c.Genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.SlotDuration)
}

func (c SlotClock) NowUnix() int64 {
	return c.now().Unix()
}

// FixedClock is a Clock pinned to a slot. Tests advance it explicitly.
type FixedClock struct {
	Slot uint64
	Unix int64
}

func (c *FixedClock) NowSlot() uint64 { return c.Slot }
func (c *FixedClock) NowUnix() int64  { return c.Unix }
