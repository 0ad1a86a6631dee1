package clone

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"clonechain/core/events"
	nativecommon "clonechain/native/common"
	"clonechain/native/fixedpoint"
	"clonechain/state/bank"
	"clonechain/storage"
)

type harness struct {
	engine   *Engine
	ledger   *bank.Ledger
	store    *storage.KVStore
	clock    *FixedClock
	recorder *events.Recorder

	admin      common.Address
	treasury   common.Address
	onusd      common.Address
	onusdVault common.Address
}

func addr(b byte) common.Address {
	return common.BytesToAddress([]byte{0xC1, b})
}

func feedAddress(index OracleIdx) common.Address {
	return common.BytesToAddress([]byte{0xFE, byte(index)})
}

func onassetMint(index PoolIdx) common.Address {
	return common.BytesToAddress([]byte{0xA5, byte(index)})
}

var (
	stableMint  = addr(0x51)
	stableVault = addr(0x52)
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, InitParams{
		CometCollateralILDLiquidatorFeeBps: 100,
		CometOnAssetILDLiquidatorFeeBps:    200,
		BorrowLiquidatorFeeBps:             500,
	})
}

func newHarnessWith(t *testing.T, params InitParams) *harness {
	t.Helper()
	store := storage.NewKVStore(storage.NewMemDB())
	h := &harness{
		ledger:     bank.NewLedger(store),
		store:      store,
		clock:      &FixedClock{Slot: 100, Unix: 1_700_000_000},
		recorder:   &events.Recorder{},
		admin:      addr(0x01),
		treasury:   addr(0x02),
		onusd:      addr(0x03),
		onusdVault: addr(0x04),
	}
	h.engine = NewEngine(store, h.ledger, h.clock)
	h.engine.SetEmitter(h.recorder)
	params.Admin = h.admin
	params.Treasury = h.treasury
	params.OnUSDMint = h.onusd
	params.OnUSDVault = h.onusdVault
	if err := h.engine.Initialize(params); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func dec(t *testing.T, value string) fixedpoint.Decimal {
	t.Helper()
	d, err := fixedpoint.Parse(value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return d
}

// units converts a token literal into TokenScale units.
func units(t *testing.T, value string) uint64 {
	t.Helper()
	v, err := fixedpoint.ToUint64(dec(t, value), TokenScale)
	if err != nil {
		t.Fatalf("units %q: %v", value, err)
	}
	return v
}

func (h *harness) addOracle(t *testing.T, price int64, exponent int32) OracleIdx {
	t.Helper()
	protocol, err := h.engine.Protocol()
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	next := OracleIdx(protocol.OracleCount)
	index, err := h.engine.AddOracleFeed(h.admin, OracleFeedParams{Address: feedAddress(next), Source: SourcePyth})
	if err != nil {
		t.Fatalf("add oracle: %v", err)
	}
	h.setPrice(t, index, price, exponent)
	return index
}

func (h *harness) setPrice(t *testing.T, index OracleIdx, price int64, exponent int32) {
	t.Helper()
	payload := OraclePayload{
		Index:   index,
		Address: feedAddress(index),
		Data:    EncodePythPayload(price, exponent, h.clock.Slot),
	}
	if err := h.engine.UpdateOracles(h.admin, []OraclePayload{payload}); err != nil {
		t.Fatalf("update oracle %d: %v", index, err)
	}
}

// addStable registers collateral 1 as a six decimal stable without oracle.
func (h *harness) addStable(t *testing.T) {
	t.Helper()
	index, err := h.engine.AddCollateral(h.admin, CollateralParams{
		OracleIndex:            NoOracle,
		Mint:                   stableMint,
		Vault:                  stableVault,
		CollateralizationRatio: dec(t, "1"),
		Scale:                  6,
	})
	if err != nil {
		t.Fatalf("add stable collateral: %v", err)
	}
	if index != StableCollateral {
		t.Fatalf("stable collateral at index %d", index)
	}
}

type poolSpec struct {
	oracle       OracleIdx
	ilCoef       string
	positionCoef string
	minOCR       string
	liquidityBps uint16
	treasuryBps  uint16
}

func (h *harness) addPool(t *testing.T, spec poolSpec) PoolIdx {
	t.Helper()
	if spec.ilCoef == "" {
		spec.ilCoef = "1"
	}
	if spec.positionCoef == "" {
		spec.positionCoef = "0"
	}
	if spec.minOCR == "" {
		spec.minOCR = "1.5"
	}
	protocol, err := h.engine.Protocol()
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	index, err := h.engine.AddPool(h.admin, PoolParams{
		AssetInfo: AssetInfo{
			OnAssetMint:                       onassetMint(PoolIdx(protocol.PoolCount)),
			OracleIndex:                       spec.oracle,
			ILHealthScoreCoefficient:          dec(t, spec.ilCoef),
			PositionHealthScoreCoefficient:    dec(t, spec.positionCoef),
			MinOvercollateralRatio:            dec(t, spec.minOCR),
			MaxLiquidationOvercollateralRatio: dec(t, "3"),
		},
		TreasuryTradingFeeBps:  spec.treasuryBps,
		LiquidityTradingFeeBps: spec.liquidityBps,
	})
	if err != nil {
		t.Fatalf("add pool: %v", err)
	}
	return index
}

// putPool rewrites pool aggregates directly, for scenarios that start from a
// given pool state.
func (h *harness) putPool(t *testing.T, index PoolIdx, mutate func(*Pool)) {
	t.Helper()
	pool, ok, err := loadPool(h.store, index)
	if err != nil || !ok {
		t.Fatalf("load pool %d: ok=%v err=%v", index, ok, err)
	}
	mutate(pool)
	batch := storage.NewBatch()
	if err := batch.Put(poolKey(index), newStoredPool(pool)); err != nil {
		t.Fatalf("stage pool: %v", err)
	}
	if err := h.store.Apply(batch); err != nil {
		t.Fatalf("apply pool: %v", err)
	}
}

func (h *harness) putUser(t *testing.T, owner common.Address, mutate func(*User)) {
	t.Helper()
	user, err := loadUser(h.store, owner)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	mutate(user)
	batch := storage.NewBatch()
	if err := stageUser(batch, owner, user); err != nil {
		t.Fatalf("stage user: %v", err)
	}
	if err := h.store.Apply(batch); err != nil {
		t.Fatalf("apply user: %v", err)
	}
}

func (h *harness) fund(t *testing.T, mint, owner common.Address, amount uint64) {
	t.Helper()
	if err := h.ledger.Mint(mint, owner, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (h *harness) balance(t *testing.T, mint, owner common.Address) uint64 {
	t.Helper()
	bal, err := h.ledger.Balance(mint, owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (h *harness) pool(t *testing.T, index PoolIdx) *Pool {
	t.Helper()
	pool, err := h.engine.Pool(index)
	if err != nil {
		t.Fatalf("pool %d: %v", index, err)
	}
	return pool
}

func (h *harness) user(t *testing.T, owner common.Address) *User {
	t.Helper()
	user, err := h.engine.User(owner)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	return user
}

// depositComet funds owner with onUSD and moves it into the comet.
func (h *harness) depositComet(t *testing.T, owner common.Address, amount uint64) {
	t.Helper()
	h.fund(t, h.onusd, owner, amount)
	if err := h.engine.AddCollateralToComet(owner, OnUSDCollateral, amount); err != nil {
		t.Fatalf("deposit comet collateral: %v", err)
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func TestInitializeOnce(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Initialize(InitParams{Admin: h.admin})
	expectErr(t, err, ErrAlreadyInitialized)

	col, err := h.engine.Collateral(OnUSDCollateral)
	if err != nil {
		t.Fatalf("onusd collateral: %v", err)
	}
	if col.Mint != h.onusd || col.Vault != h.onusdVault || col.OracleIndex != NoOracle {
		t.Fatalf("unexpected onusd collateral: %+v", col)
	}
}

func TestOperationsRequireInitialization(t *testing.T) {
	store := storage.NewKVStore(storage.NewMemDB())
	engine := NewEngine(store, bank.NewLedger(store), &FixedClock{})
	_, err := engine.AddPool(addr(0x01), PoolParams{})
	expectErr(t, err, ErrNotInitialized)
	err = engine.AddCollateralToComet(addr(0x10), OnUSDCollateral, 1)
	expectErr(t, err, ErrNotInitialized)
}

func TestAuthSetManagement(t *testing.T) {
	h := newHarness(t)
	member := addr(0x20)
	expectErr(t, h.engine.AddAuth(member, member), ErrUnauthorized)
	if err := h.engine.AddAuth(h.admin, member); err != nil {
		t.Fatalf("add auth: %v", err)
	}
	expectErr(t, h.engine.AddAuth(h.admin, member), ErrAuthAlreadyExists)
	for i := 1; i < MaxAuth; i++ {
		if err := h.engine.AddAuth(h.admin, addr(byte(0x80+i))); err != nil {
			t.Fatalf("add auth %d: %v", i, err)
		}
	}
	expectErr(t, h.engine.AddAuth(h.admin, addr(0x7F)), ErrAuthArrayFull)
	if err := h.engine.RemoveAuth(h.admin, member); err != nil {
		t.Fatalf("remove auth: %v", err)
	}
	expectErr(t, h.engine.RemoveAuth(h.admin, member), ErrAuthNotFound)
}

func TestAuthMemberMayOnlyFreeze(t *testing.T) {
	h := newHarness(t)
	member := addr(0x20)
	if err := h.engine.AddAuth(h.admin, member); err != nil {
		t.Fatalf("add auth: %v", err)
	}
	oracle := h.addOracle(t, 100, -2)
	pool := h.addPool(t, poolSpec{oracle: oracle})

	freeze := PoolParameter{Kind: PoolParamStatus, Status: StatusFrozen}
	activate := PoolParameter{Kind: PoolParamStatus, Status: StatusActive}
	expectErr(t, h.engine.UpdatePoolParameters(addr(0x30), pool, freeze), ErrUnauthorized)
	if err := h.engine.UpdatePoolParameters(member, pool, freeze); err != nil {
		t.Fatalf("auth freeze: %v", err)
	}
	expectErr(t, h.engine.UpdatePoolParameters(member, pool, activate), ErrUnauthorized)
	expectErr(t, h.engine.UpdatePoolParameters(member, pool, PoolParameter{Kind: PoolParamTreasuryTradingFee, Bps: 5}), ErrUnauthorized)
	expectErr(t, h.engine.UpdatePoolParameters(h.admin, pool, PoolParameter{Kind: PoolParamStatus, Status: StatusDeprecation}), ErrInvalidStatus)
	if err := h.engine.UpdatePoolParameters(h.admin, pool, activate); err != nil {
		t.Fatalf("admin activate: %v", err)
	}

	if err := h.engine.SetOracleStatus(member, oracle, StatusFrozen); err != nil {
		t.Fatalf("auth freeze oracle: %v", err)
	}
	expectErr(t, h.engine.SetOracleStatus(member, oracle, StatusActive), ErrUnauthorized)
	if err := h.engine.SetOracleStatus(h.admin, oracle, StatusActive); err != nil {
		t.Fatalf("admin activate oracle: %v", err)
	}
}

func TestAddPoolValidation(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	base := AssetInfo{
		OnAssetMint:                       onassetMint(0),
		OracleIndex:                       oracle,
		ILHealthScoreCoefficient:          dec(t, "1"),
		PositionHealthScoreCoefficient:    dec(t, "1"),
		MinOvercollateralRatio:            dec(t, "1.5"),
		MaxLiquidationOvercollateralRatio: dec(t, "2"),
	}

	bad := base
	bad.MinOvercollateralRatio = dec(t, "0.9")
	_, err := h.engine.AddPool(h.admin, PoolParams{AssetInfo: bad})
	expectErr(t, err, ErrInvalidOvercollateralizationRatios)

	bad = base
	bad.MaxLiquidationOvercollateralRatio = dec(t, "1.2")
	_, err = h.engine.AddPool(h.admin, PoolParams{AssetInfo: bad})
	expectErr(t, err, ErrInvalidOvercollateralizationRatios)

	bad = base
	bad.OracleIndex = 9
	_, err = h.engine.AddPool(h.admin, PoolParams{AssetInfo: bad})
	expectErr(t, err, ErrInvalidOracleIndex)

	_, err = h.engine.AddPool(h.admin, PoolParams{AssetInfo: base, TreasuryTradingFeeBps: 5000, LiquidityTradingFeeBps: 5000})
	expectErr(t, err, ErrInvalidValueRange)

	_, err = h.engine.AddPool(addr(0x30), PoolParams{AssetInfo: base})
	expectErr(t, err, ErrUnauthorized)

	index, err := h.engine.AddPool(h.admin, PoolParams{AssetInfo: base})
	if err != nil {
		t.Fatalf("add pool: %v", err)
	}
	if index != 0 {
		t.Fatalf("expected index 0, got %d", index)
	}
}

func TestAddCollateralValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.AddCollateral(h.admin, CollateralParams{OracleIndex: NoOracle, CollateralizationRatio: dec(t, "1.1")})
	expectErr(t, err, ErrInvalidValueRange)
	_, err = h.engine.AddCollateral(h.admin, CollateralParams{OracleIndex: NoOracle, CollateralizationRatio: dec(t, "0")})
	expectErr(t, err, ErrInvalidValueRange)
	h.addStable(t)
	_, err = h.engine.AddCollateral(h.admin, CollateralParams{OracleIndex: NoOracle, CollateralizationRatio: dec(t, "0.9")})
	expectErr(t, err, ErrInvalidOracleIndex)
}

func TestRemovePoolLifecycle(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle})
	lp := addr(0x10)
	h.depositComet(t, lp, units(t, "100"))
	if err := h.engine.AddLiquidityToComet(lp, pool, units(t, "10")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}

	expectErr(t, h.engine.RemovePool(h.admin, pool), ErrInvalidStatus)
	if err := h.engine.DeprecatePool(h.admin, pool); err != nil {
		t.Fatalf("deprecate: %v", err)
	}
	expectErr(t, h.engine.RemovePool(h.admin, pool), ErrRequireAllPositionsClosed)
	expectErr(t, h.engine.AddLiquidityToComet(lp, pool, units(t, "1")), ErrStatusPreventsAction)

	if _, err := h.engine.WithdrawLiquidityFromComet(lp, 0, units(t, "10")); err != nil {
		t.Fatalf("withdraw from deprecated pool: %v", err)
	}
	if err := h.engine.RemovePool(h.admin, pool); err != nil {
		t.Fatalf("remove pool: %v", err)
	}
	expectErr(t, h.engine.AddLiquidityToComet(lp, pool, units(t, "1")), ErrPoolNotFound)
	_, err := h.engine.Swap(lp, SwapParams{IsBuy: true, PoolIndex: pool, Amount: 1, Threshold: 1})
	expectErr(t, err, ErrPoolNotFound)
	if next := h.addPool(t, poolSpec{oracle: oracle}); next != pool+1 {
		t.Fatalf("removed slot reused: got %d", next)
	}
}

func TestModulePauseBlocksUserCommands(t *testing.T) {
	h := newHarness(t)
	pauses := nativecommon.NewPauseSet()
	h.engine.SetPauses(pauses)
	pauses.SetPaused(h.engine.ModuleName(), true)
	user := addr(0x10)
	h.fund(t, h.onusd, user, 10)
	expectErr(t, h.engine.AddCollateralToComet(user, OnUSDCollateral, 10), nativecommon.ErrModulePaused)
	if kind := ErrorKind(nativecommon.ErrModulePaused); kind != "ModulePaused" {
		t.Fatalf("unexpected kind %q", kind)
	}
	pauses.SetPaused(h.engine.ModuleName(), false)
	if err := h.engine.AddCollateralToComet(user, OnUSDCollateral, 10); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestEventIDsStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle, liquidityBps: 30, treasuryBps: 10})
	lp := addr(0x10)
	trader := addr(0x11)
	h.depositComet(t, lp, units(t, "1000"))
	if err := h.engine.AddLiquidityToComet(lp, pool, units(t, "500")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	h.fund(t, h.onusd, trader, units(t, "100"))
	if _, err := h.engine.Swap(trader, SwapParams{IsBuy: true, PoolIndex: pool, Amount: units(t, "5"), Threshold: units(t, "100")}); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if _, err := h.engine.WithdrawLiquidityFromComet(lp, 0, units(t, "100")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	var last uint64
	for i, ev := range h.recorder.Events {
		seq, ok := ev.(events.Sequenced)
		if !ok {
			t.Fatalf("event %d is not sequenced", i)
		}
		if seq.SequenceID() != last+1 {
			t.Fatalf("event %d has id %d after %d", i, seq.SequenceID(), last)
		}
		last = seq.SequenceID()
	}
	counter, err := h.engine.EventCounter()
	if err != nil {
		t.Fatalf("event counter: %v", err)
	}
	if counter != last || counter == 0 {
		t.Fatalf("counter %d, last event %d", counter, last)
	}
	if got := len(h.recorder.OfType(events.TypeCloneSwap)); got != 1 {
		t.Fatalf("expected one swap event, got %d", got)
	}
}

func TestFailedCommandLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle, treasuryBps: 100})
	lp := addr(0x10)
	h.depositComet(t, lp, units(t, "100"))
	if err := h.engine.AddLiquidityToComet(lp, pool, units(t, "100")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	params := SwapParams{IsBuy: true, PoolIndex: pool, Amount: units(t, "1"), Threshold: units(t, "10")}
	quote, err := h.engine.QuoteSwap(params)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	trader := addr(0x11)
	// The burn leg is funded, the treasury leg is not; the burn must be
	// reverted.
	funded := quote.Quote - quote.TreasuryFee
	h.fund(t, h.onusd, trader, funded)
	before := h.pool(t, pool)
	eventsBefore := len(h.recorder.Events)
	_, err = h.engine.Swap(trader, params)
	expectErr(t, err, ErrInvalidTokenAccountBalance)
	after := h.pool(t, pool)
	if after.CommittedCollateralLiquidity != before.CommittedCollateralLiquidity ||
		after.CollateralILD != before.CollateralILD || after.OnAssetILD != before.OnAssetILD {
		t.Fatalf("pool changed: before %+v after %+v", before, after)
	}
	if got := h.balance(t, h.onusd, trader); got != funded {
		t.Fatalf("trader balance changed to %d", got)
	}
	if got := h.balance(t, onassetMint(pool), trader); got != 0 {
		t.Fatalf("trader received %d onasset", got)
	}
	if len(h.recorder.Events) != eventsBefore {
		t.Fatalf("events emitted by failed command")
	}
}

func TestConcurrentCommandsKeepPoolIdentity(t *testing.T) {
	h := newHarness(t)
	oracle := h.addOracle(t, 1, 0)
	pool := h.addPool(t, poolSpec{oracle: oracle, liquidityBps: 30, treasuryBps: 10})
	const workers = 8
	owners := make([]common.Address, workers)
	for i := range owners {
		owners[i] = addr(byte(0x40 + i))
		h.depositComet(t, owners[i], units(t, "1000"))
		h.fund(t, h.onusd, owners[i], units(t, "100"))
	}
	if err := h.engine.AddLiquidityToComet(owners[0], pool, units(t, "500")); err != nil {
		t.Fatalf("seed liquidity: %v", err)
	}

	add, trade, withdraw, limit := units(t, "50"), units(t, "1"), units(t, "20"), units(t, "2")
	var wg sync.WaitGroup
	errs := make(chan error, workers*4)
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner common.Address) {
			defer wg.Done()
			if err := h.engine.AddLiquidityToComet(owner, pool, add); err != nil {
				errs <- fmt.Errorf("worker %d add: %w", i, err)
				return
			}
			if _, err := h.engine.Swap(owner, SwapParams{IsBuy: i%2 == 0, PoolIndex: pool, Amount: trade, Threshold: limit}); err != nil && i%2 == 0 {
				errs <- fmt.Errorf("worker %d swap: %w", i, err)
				return
			}
			user, err := h.engine.User(owner)
			if err != nil {
				errs <- err
				return
			}
			last := len(user.Comet.Positions) - 1
			if _, err := h.engine.WithdrawLiquidityFromComet(owner, last, withdraw); err != nil {
				errs <- fmt.Errorf("worker %d withdraw: %w", i, err)
			}
		}(i, owner)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	var committed uint64
	for _, owner := range owners {
		for _, pos := range h.user(t, owner).Comet.Positions {
			if pos.PoolIndex == pool {
				committed += pos.CommittedCollateralLiquidity
			}
		}
	}
	if got := h.pool(t, pool).CommittedCollateralLiquidity; got != committed {
		t.Fatalf("pool committed %d, positions sum %d", got, committed)
	}
	var last uint64
	for _, ev := range h.recorder.Events {
		id := ev.(events.Sequenced).SequenceID()
		if id <= last {
			t.Fatalf("event id %d after %d", id, last)
		}
		last = id
	}
}
