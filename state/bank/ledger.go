package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"clonechain/storage"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
	ErrSupplyUnderflow     = errors.New("bank: supply underflow")
)

var (
	balancePrefix = []byte("bank/balance/")
	supplyPrefix  = []byte("bank/supply/")
)

// Ledger is a token ledger keyed by (mint, owner). Balances are bounded to
// uint64 mantissas while supplies are tracked in 256 bits.
type Ledger struct {
	mu    sync.Mutex
	store *storage.KVStore
}

func NewLedger(store *storage.KVStore) *Ledger {
	return &Ledger{store: store}
}

func balanceKey(mint, owner common.Address) []byte {
	key := make([]byte, 0, len(balancePrefix)+2*common.AddressLength+1)
	key = append(key, balancePrefix...)
	key = append(key, mint.Bytes()...)
	key = append(key, '/')
	return append(key, owner.Bytes()...)
}

func supplyKey(mint common.Address) []byte {
	return append(append([]byte(nil), supplyPrefix...), mint.Bytes()...)
}

func (l *Ledger) load(key []byte) (*uint256.Int, error) {
	value := new(big.Int)
	ok, err := l.store.Get(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(value)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

func (l *Ledger) stage(batch *storage.Batch, key []byte, v *uint256.Int) error {
	if v.IsZero() {
		batch.Delete(key)
		return nil
	}
	return batch.Put(key, v.ToBig())
}

// Balance returns the balance held by owner for mint.
func (l *Ledger) Balance(mint, owner common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.load(balanceKey(mint, owner))
	if err != nil {
		return 0, err
	}
	if !bal.IsUint64() {
		return 0, ErrBalanceOverflow
	}
	return bal.Uint64(), nil
}

// Supply returns the outstanding supply of mint.
func (l *Ledger) Supply(mint common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, err := l.load(supplyKey(mint))
	if err != nil {
		return nil, err
	}
	return supply.ToBig(), nil
}

// Mint credits amount of mint to owner and grows the supply.
func (l *Ledger) Mint(mint, to common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delta := uint256.NewInt(amount)
	bal, err := l.load(balanceKey(mint, to))
	if err != nil {
		return err
	}
	supply, err := l.load(supplyKey(mint))
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(bal, delta)
	if overflow || !next.IsUint64() {
		return fmt.Errorf("%w: mint %d to %s", ErrBalanceOverflow, amount, to.Hex())
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, delta)
	if overflow {
		return ErrBalanceOverflow
	}
	batch := storage.NewBatch()
	if err := l.stage(batch, balanceKey(mint, to), next); err != nil {
		return err
	}
	if err := l.stage(batch, supplyKey(mint), nextSupply); err != nil {
		return err
	}
	return l.store.Apply(batch)
}

// Burn debits amount of mint from owner and shrinks the supply.
func (l *Ledger) Burn(mint, from common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delta := uint256.NewInt(amount)
	bal, err := l.load(balanceKey(mint, from))
	if err != nil {
		return err
	}
	supply, err := l.load(supplyKey(mint))
	if err != nil {
		return err
	}
	next, underflow := new(uint256.Int).SubOverflow(bal, delta)
	if underflow {
		return fmt.Errorf("%w: burn %d from %s", ErrInsufficientBalance, amount, from.Hex())
	}
	nextSupply, underflow := new(uint256.Int).SubOverflow(supply, delta)
	if underflow {
		return ErrSupplyUnderflow
	}
	batch := storage.NewBatch()
	if err := l.stage(batch, balanceKey(mint, from), next); err != nil {
		return err
	}
	if err := l.stage(batch, supplyKey(mint), nextSupply); err != nil {
		return err
	}
	return l.store.Apply(batch)
}

// Transfer moves amount of mint between two owners.
func (l *Ledger) Transfer(mint, from, to common.Address, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delta := uint256.NewInt(amount)
	src, err := l.load(balanceKey(mint, from))
	if err != nil {
		return err
	}
	dst, err := l.load(balanceKey(mint, to))
	if err != nil {
		return err
	}
	nextSrc, underflow := new(uint256.Int).SubOverflow(src, delta)
	if underflow {
		return fmt.Errorf("%w: transfer %d from %s", ErrInsufficientBalance, amount, from.Hex())
	}
	nextDst, overflow := new(uint256.Int).AddOverflow(dst, delta)
	if overflow || !nextDst.IsUint64() {
		return ErrBalanceOverflow
	}
	batch := storage.NewBatch()
	if err := l.stage(batch, balanceKey(mint, from), nextSrc); err != nil {
		return err
	}
	if err := l.stage(batch, balanceKey(mint, to), nextDst); err != nil {
		return err
	}
	return l.store.Apply(batch)
}
