package clone

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/core/events"
	"clonechain/native/fixedpoint"
	"clonechain/storage"
)

type ledgerOpKind uint8

const (
	opMint ledgerOpKind = iota
	opBurn
	opTransfer
)

type ledgerOp struct {
	kind   ledgerOpKind
	mint   common.Address
	from   common.Address
	to     common.Address
	amount uint64
}

func (op ledgerOp) inverse() ledgerOp {
	switch op.kind {
	case opMint:
		return ledgerOp{kind: opBurn, mint: op.mint, from: op.to, amount: op.amount}
	case opBurn:
		return ledgerOp{kind: opMint, mint: op.mint, to: op.from, amount: op.amount}
	default:
		return ledgerOp{kind: opTransfer, mint: op.mint, from: op.to, to: op.from, amount: op.amount}
	}
}

// txn buffers every effect of a command. Records are loaded once, mutated as
// detached copies and written back together on commit.
type txn struct {
	e             *Engine
	slot          uint64
	protocol      *Protocol
	protocolDirty bool

	oracles     map[OracleIdx]*Oracle
	collaterals map[CollateralIdx]*Collateral
	pools       map[PoolIdx]*Pool
	users       map[common.Address]*User

	dirtyOracles     map[OracleIdx]struct{}
	dirtyCollaterals map[CollateralIdx]struct{}
	dirtyPools       map[PoolIdx]struct{}
	dirtyUsers       map[common.Address]struct{}

	ops    []ledgerOp
	events []events.Sequenced
}

func (e *Engine) newTxn(protocol *Protocol) *txn {
	return &txn{
		e:                e,
		slot:             e.clock.NowSlot(),
		protocol:         protocol,
		oracles:          make(map[OracleIdx]*Oracle),
		collaterals:      make(map[CollateralIdx]*Collateral),
		pools:            make(map[PoolIdx]*Pool),
		users:            make(map[common.Address]*User),
		dirtyOracles:     make(map[OracleIdx]struct{}),
		dirtyCollaterals: make(map[CollateralIdx]struct{}),
		dirtyPools:       make(map[PoolIdx]struct{}),
		dirtyUsers:       make(map[common.Address]struct{}),
	}
}

func (e *Engine) begin() (*txn, error) {
	protocol, err := loadProtocol(e.store)
	if err != nil {
		return nil, err
	}
	return e.newTxn(protocol), nil
}

func (t *txn) markProtocol() { t.protocolDirty = true }

func (t *txn) oracle(index OracleIdx) (*Oracle, error) {
	if oracle, ok := t.oracles[index]; ok {
		return oracle, nil
	}
	if uint16(index) >= t.protocol.OracleCount {
		return nil, ErrInvalidOracleIndex
	}
	oracle, ok, err := loadOracle(t.e.store, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidOracleIndex
	}
	t.oracles[index] = oracle
	return oracle, nil
}

func (t *txn) markOracle(index OracleIdx) { t.dirtyOracles[index] = struct{}{} }

func (t *txn) collateral(index CollateralIdx) (*Collateral, error) {
	if collateral, ok := t.collaterals[index]; ok {
		return collateral, nil
	}
	if uint16(index) >= t.protocol.CollateralCount {
		return nil, ErrCollateralNotFound
	}
	collateral, ok, err := loadCollateral(t.e.store, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCollateralNotFound
	}
	t.collaterals[index] = collateral
	return collateral, nil
}

func (t *txn) markCollateral(index CollateralIdx) { t.dirtyCollaterals[index] = struct{}{} }

// positionPool loads a pool referenced by an existing position. Removed pools
// stay readable so positions holding rebates can still settle.
func (t *txn) positionPool(index PoolIdx) (*Pool, error) {
	if pool, ok := t.pools[index]; ok {
		return pool, nil
	}
	if uint16(index) >= t.protocol.PoolCount {
		return nil, ErrPoolNotFound
	}
	pool, ok, err := loadPool(t.e.store, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPoolNotFound
	}
	t.pools[index] = pool
	return pool, nil
}

// pool loads a pool for a new reference. Tombstoned pools are rejected.
func (t *txn) pool(index PoolIdx) (*Pool, error) {
	pool, err := t.positionPool(index)
	if err != nil {
		return nil, err
	}
	if pool.Removed {
		return nil, ErrPoolNotFound
	}
	return pool, nil
}

func (t *txn) markPool(index PoolIdx) { t.dirtyPools[index] = struct{}{} }

func (t *txn) user(addr common.Address) (*User, error) {
	if user, ok := t.users[addr]; ok {
		return user, nil
	}
	user, err := loadUser(t.e.store, addr)
	if err != nil {
		return nil, err
	}
	t.users[addr] = user
	return user, nil
}

func (t *txn) markUser(addr common.Address) { t.dirtyUsers[addr] = struct{}{} }

// price returns an oracle price for gating a user operation. Frozen feeds
// block the operation and stale feeds fail with OutdatedOracle.
func (t *txn) price(index OracleIdx) (fixedpoint.Decimal, error) {
	oracle, err := t.oracle(index)
	if err != nil {
		return fixedpoint.Zero, err
	}
	if oracle.Status == StatusFrozen {
		return fixedpoint.Zero, fmt.Errorf("%w: oracle %d frozen", ErrStatusPreventsAction, index)
	}
	return t.checkFresh(index, oracle)
}

// freshPrice returns a price that is recent enough regardless of status.
// Health evaluation and liquidation rely on stored prices of frozen feeds.
func (t *txn) freshPrice(index OracleIdx) (fixedpoint.Decimal, error) {
	oracle, err := t.oracle(index)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return t.checkFresh(index, oracle)
}

func (t *txn) checkFresh(index OracleIdx, oracle *Oracle) (fixedpoint.Decimal, error) {
	if oracle.Price <= 0 {
		return fixedpoint.Zero, fmt.Errorf("%w: oracle %d has no price", ErrOutdatedOracle, index)
	}
	staleness := t.protocol.OracleStalenessSlots
	if staleness > 0 && t.slot > oracle.LastUpdateSlot && t.slot-oracle.LastUpdateSlot > staleness {
		return fixedpoint.Zero, fmt.Errorf("%w: oracle %d last updated at slot %d", ErrOutdatedOracle, index, oracle.LastUpdateSlot)
	}
	return oracle.PriceDecimal(), nil
}

func (t *txn) mint(mint, to common.Address, amount uint64) {
	if amount == 0 {
		return
	}
	t.ops = append(t.ops, ledgerOp{kind: opMint, mint: mint, to: to, amount: amount})
}

func (t *txn) burn(mint, from common.Address, amount uint64) {
	if amount == 0 {
		return
	}
	t.ops = append(t.ops, ledgerOp{kind: opBurn, mint: mint, from: from, amount: amount})
}

func (t *txn) transfer(mint, from, to common.Address, amount uint64) {
	if amount == 0 || from == to {
		return
	}
	t.ops = append(t.ops, ledgerOp{kind: opTransfer, mint: mint, from: from, to: to, amount: amount})
}

func (t *txn) emit(ev events.Sequenced) {
	t.events = append(t.events, ev)
}

func (e *Engine) applyLedger(op ledgerOp) error {
	switch op.kind {
	case opMint:
		return e.ledger.Mint(op.mint, op.to, op.amount)
	case opBurn:
		return e.ledger.Burn(op.mint, op.from, op.amount)
	default:
		return e.ledger.Transfer(op.mint, op.from, op.to, op.amount)
	}
}

func (t *txn) rollback(applied []ledgerOp) {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := t.e.applyLedger(applied[i].inverse()); err != nil {
			t.e.logger.Error("clone: ledger rollback failed",
				slog.String("mint", applied[i].mint.Hex()),
				slog.Uint64("amount", applied[i].amount),
				slog.Any("error", err))
		}
	}
}

func (t *txn) stage() (*storage.Batch, error) {
	batch := storage.NewBatch()
	if t.protocolDirty {
		if err := batch.Put(protocolKey, newStoredProtocol(t.protocol)); err != nil {
			return nil, err
		}
	}
	for index := range t.dirtyOracles {
		if err := batch.Put(oracleKey(index), newStoredOracle(t.oracles[index])); err != nil {
			return nil, err
		}
	}
	for index := range t.dirtyCollaterals {
		if err := batch.Put(collateralKey(index), newStoredCollateral(t.collaterals[index])); err != nil {
			return nil, err
		}
	}
	for index := range t.dirtyPools {
		if err := batch.Put(poolKey(index), newStoredPool(t.pools[index])); err != nil {
			return nil, err
		}
	}
	for addr := range t.dirtyUsers {
		if err := stageUser(batch, addr, t.users[addr]); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// commit applies queued ledger movements, persists dirty records and the
// event counter in one batch, then emits events in id order. Any failure
// reverts the ledger movements already applied.
func (t *txn) commit() error {
	batch, err := t.stage()
	if err != nil {
		return err
	}
	for i, op := range t.ops {
		if err := t.e.applyLedger(op); err != nil {
			t.rollback(t.ops[:i])
			return fmt.Errorf("%w: %v", ErrInvalidTokenAccountBalance, err)
		}
	}

	t.e.eventMu.Lock()
	defer t.e.eventMu.Unlock()
	if len(t.events) > 0 {
		counter, err := loadEventCounter(t.e.store)
		if err != nil {
			t.rollback(t.ops)
			return err
		}
		if counter > math.MaxUint64-uint64(len(t.events)) {
			t.rollback(t.ops)
			return ErrCheckedMath
		}
		for _, ev := range t.events {
			counter++
			ev.SetSequenceID(counter)
		}
		if err := batch.Put(eventCounterKey, counter); err != nil {
			t.rollback(t.ops)
			return err
		}
	}
	if err := t.e.store.Apply(batch); err != nil {
		t.rollback(t.ops)
		return err
	}
	for _, ev := range t.events {
		t.e.emitter.Emit(ev)
	}
	return nil
}
