package clone

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/core/events"
	nativecommon "clonechain/native/common"
	"clonechain/native/fixedpoint"
)

// Engine executes protocol commands. Every command is atomic: it either
// commits all ledger movements, state writes and events or leaves everything
// untouched.
//
// Lock order: registry (shared for user commands, exclusive for admin
// commands), then the owner's user lock, then pool locks in ascending index
// order, then the event counter.
type Engine struct {
	store   Store
	ledger  Ledger
	clock   Clock
	emitter events.Emitter
	pauses  nativecommon.PauseView
	logger  *slog.Logger

	registryMu sync.RWMutex
	userLocks  sync.Map
	poolLocks  [MaxPools]sync.Mutex
	eventMu    sync.Mutex
}

func NewEngine(store Store, ledger Ledger, clock Clock) *Engine {
	return &Engine{
		store:   store,
		ledger:  ledger,
		clock:   clock,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
}

// SetEmitter configures the event emitter used for committed events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the pause view consulted before user commands.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger.With(slog.String("component", moduleName))
}

// ModuleName is the identifier used with pause views.
func (e *Engine) ModuleName() string { return moduleName }

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) userLock(addr common.Address) *sync.Mutex {
	lock, _ := e.userLocks.LoadOrStore(addr, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// lockUser serialises a user command: it holds the registry shared, the
// owner's lock and the locks of every pool the owner's comet references plus
// extra.
func (e *Engine) lockUser(owner common.Address, extra ...PoolIdx) (func(), error) {
	e.registryMu.RLock()
	ownerLock := e.userLock(owner)
	ownerLock.Lock()
	user, err := loadUser(e.store, owner)
	if err != nil {
		ownerLock.Unlock()
		e.registryMu.RUnlock()
		return nil, err
	}
	seen := make(map[PoolIdx]struct{}, len(user.Comet.Positions)+len(extra))
	indices := make([]PoolIdx, 0, len(user.Comet.Positions)+len(extra))
	add := func(idx PoolIdx) {
		if int(idx) >= MaxPools {
			return
		}
		if _, ok := seen[idx]; ok {
			return
		}
		seen[idx] = struct{}{}
		indices = append(indices, idx)
	}
	for _, pos := range user.Comet.Positions {
		add(pos.PoolIndex)
	}
	for _, idx := range extra {
		add(idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices {
		e.poolLocks[idx].Lock()
	}
	return func() {
		for i := len(indices) - 1; i >= 0; i-- {
			e.poolLocks[indices[i]].Unlock()
		}
		ownerLock.Unlock()
		e.registryMu.RUnlock()
	}, nil
}

func (e *Engine) lockAdmin() func() {
	e.registryMu.Lock()
	return e.registryMu.Unlock
}

// Queries. Each returns a detached copy.

func (e *Engine) Protocol() (*Protocol, error) {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	return loadProtocol(e.store)
}

func (e *Engine) EventCounter() (uint64, error) {
	e.eventMu.Lock()
	defer e.eventMu.Unlock()
	return loadEventCounter(e.store)
}

func (e *Engine) Pool(index PoolIdx) (*Pool, error) {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	if int(index) < MaxPools {
		e.poolLocks[index].Lock()
		defer e.poolLocks[index].Unlock()
	}
	pool, ok, err := loadPool(e.store, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPoolNotFound
	}
	return pool, nil
}

func (e *Engine) Collateral(index CollateralIdx) (*Collateral, error) {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	collateral, ok, err := loadCollateral(e.store, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCollateralNotFound
	}
	return collateral, nil
}

func (e *Engine) Oracle(index OracleIdx) (*Oracle, error) {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	oracle, ok, err := loadOracle(e.store, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidOracleIndex
	}
	return oracle, nil
}

// ReadOracle returns the stored price, status and last update slot.
func (e *Engine) ReadOracle(index OracleIdx) (fixedpoint.Decimal, Status, uint64, error) {
	oracle, err := e.Oracle(index)
	if err != nil {
		return fixedpoint.Zero, 0, 0, err
	}
	return oracle.PriceDecimal(), oracle.Status, oracle.LastUpdateSlot, nil
}

func (e *Engine) User(addr common.Address) (*User, error) {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	lock := e.userLock(addr)
	lock.Lock()
	defer lock.Unlock()
	return loadUser(e.store, addr)
}

// CometHealth evaluates the health score of the owner's comet at current
// oracle prices.
func (e *Engine) CometHealth(owner common.Address) (HealthScore, error) {
	release, err := e.lockUser(owner)
	if err != nil {
		return HealthScore{}, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return HealthScore{}, err
	}
	user, err := t.user(owner)
	if err != nil {
		return HealthScore{}, err
	}
	return t.cometHealth(&user.Comet)
}

// PositionILDShare reports the signed ILD share of one comet position.
func (e *Engine) PositionILDShare(owner common.Address, position int) (ILDShare, error) {
	release, err := e.lockUser(owner)
	if err != nil {
		return ILDShare{}, err
	}
	defer release()
	t, err := e.begin()
	if err != nil {
		return ILDShare{}, err
	}
	user, err := t.user(owner)
	if err != nil {
		return ILDShare{}, err
	}
	pos, err := cometPosition(user, position)
	if err != nil {
		return ILDShare{}, err
	}
	pool, err := t.positionPool(pos.PoolIndex)
	if err != nil {
		return ILDShare{}, err
	}
	return positionILDShare(pool, pos)
}

var _ OraclePort = (*Engine)(nil)
