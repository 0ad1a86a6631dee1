package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"clonechain/core/events"
	"clonechain/core/types"
	"clonechain/gateway/middleware"
	nativecommon "clonechain/native/common"
	"clonechain/native/clone"
	"clonechain/native/fixedpoint"
	"clonechain/services/cloned/storage"
	"clonechain/state/bank"
	kvstore "clonechain/storage"
)

const unit = uint64(100_000_000)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	treasury   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	onusd      = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	onusdVault = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	feed       = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	onasset    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	lp         = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	trader     = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

type testEnv struct {
	engine *clone.Engine
	ledger *bank.Ledger
	store  *storage.Storage
	broker *Broker
	server *Server
	clock  *clone.FixedClock
}

func mustDecimal(t *testing.T, value string) fixedpoint.Decimal {
	t.Helper()
	d, err := fixedpoint.Parse(value)
	require.NoError(t, err)
	return d
}

// newTestEnv bootstraps a protocol with one price-1 oracle and pool 0.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	kv := kvstore.NewKVStore(kvstore.NewMemDB())
	ledger := bank.NewLedger(kv)
	clock := &clone.FixedClock{Slot: 100, Unix: 1_700_000_000}
	engine := clone.NewEngine(kv, ledger, clock)
	pauses := nativecommon.NewPauseSet()
	engine.SetPauses(pauses)

	store, err := storage.Open("sqlite", storage.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	broker := NewBroker(16)
	engine.SetEmitter(events.Fanout{store, broker})

	require.NoError(t, engine.Initialize(clone.InitParams{
		Admin:                              admin,
		Treasury:                           treasury,
		OnUSDMint:                          onusd,
		OnUSDVault:                         onusdVault,
		CometCollateralILDLiquidatorFeeBps: 100,
		CometOnAssetILDLiquidatorFeeBps:    200,
		BorrowLiquidatorFeeBps:             500,
	}))
	oracle, err := engine.AddOracleFeed(admin, clone.OracleFeedParams{Address: feed, Source: clone.SourcePyth})
	require.NoError(t, err)
	require.NoError(t, engine.UpdateOracles(admin, []clone.OraclePayload{{
		Index:   oracle,
		Address: feed,
		Data:    clone.EncodePythPayload(1, 0, clock.Slot),
	}}))
	_, err = engine.AddPool(admin, clone.PoolParams{
		AssetInfo: clone.AssetInfo{
			OnAssetMint:                       onasset,
			OracleIndex:                       oracle,
			ILHealthScoreCoefficient:          mustDecimal(t, "1"),
			PositionHealthScoreCoefficient:    mustDecimal(t, "0"),
			MinOvercollateralRatio:            mustDecimal(t, "1.5"),
			MaxLiquidationOvercollateralRatio: mustDecimal(t, "3"),
		},
		TreasuryTradingFeeBps:  10,
		LiquidityTradingFeeBps: 30,
	})
	require.NoError(t, err)

	srv, err := New(Config{ServiceName: "cloned-test"}, engine, store, broker, ledger, pauses, nil)
	require.NoError(t, err)
	return &testEnv{engine: engine, ledger: ledger, store: store, broker: broker, server: srv, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, caller *common.Address, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(middleware.PrincipalHeader, caller.Hex())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

// provideLiquidity deposits onUSD into the LP's comet and commits it to pool 0.
func (e *testEnv) provideLiquidity(t *testing.T, amount uint64) {
	t.Helper()
	require.NoError(t, e.ledger.Mint(onusd, lp, amount))
	rec := e.do(t, http.MethodPost, "/v1/comet/collateral/deposit", &lp, collateralAmountRequest{CollateralIndex: 0, Amount: amount}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodPost, "/v1/comet/liquidity/add", &lp, liquidityRequest{PoolIndex: 0, Amount: amount}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSwapFlow(t *testing.T) {
	env := newTestEnv(t)
	env.provideLiquidity(t, 1000*unit)
	require.NoError(t, env.ledger.Mint(onusd, trader, 20*unit))

	quote := env.do(t, http.MethodGet, fmt.Sprintf("/v1/pools/0/quote?isBuy=true&amount=%d", 10*unit), nil, nil, nil)
	require.Equal(t, http.StatusOK, quote.Code, quote.Body.String())
	quoted := decodeBody[swapResponse](t, quote)

	rec := env.do(t, http.MethodPost, "/v1/pools/0/swap", &trader, swapRequest{IsBuy: true, Amount: 10 * unit, Threshold: 20 * unit}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[swapResponse](t, rec)
	require.Equal(t, 10*unit, res.OnAsset)
	require.Equal(t, quoted, res)
	require.Greater(t, res.Quote, 10*unit)
	require.NotZero(t, res.LiquidityFee)
	require.NotZero(t, res.TreasuryFee)

	bal := env.do(t, http.MethodGet, "/v1/balances/"+onasset.Hex()+"/"+trader.Hex(), nil, nil, nil)
	require.Equal(t, http.StatusOK, bal.Code)
	require.Equal(t, map[string]uint64{"balance": 10 * unit}, decodeBody[map[string]uint64](t, bal))

	list := env.do(t, http.MethodGet, "/v1/events?type="+events.TypeCloneSwap+"&user="+trader.Hex(), nil, nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	body := decodeBody[struct {
		Events []types.Event `json:"events"`
	}](t, list)
	require.Len(t, body.Events, 1)
	require.Equal(t, events.TypeCloneSwap, body.Events[0].Type)
	require.Equal(t, trader.Hex(), body.Events[0].Attributes["user"])

	health := env.do(t, http.MethodGet, "/healthz", nil, nil, nil)
	require.Equal(t, http.StatusOK, health.Code)
	status := decodeBody[map[string]any](t, health)
	require.Equal(t, status["eventCounter"], status["indexed"])
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		method string
		path   string
		caller *common.Address
		body   any
		status int
		kind   string
	}{
		{name: "missing principal", method: http.MethodPost, path: "/v1/pools/0/swap", body: swapRequest{IsBuy: true, Amount: 1}, status: http.StatusUnauthorized, kind: "Unauthenticated"},
		{name: "unknown pool", method: http.MethodGet, path: "/v1/pools/9", status: http.StatusNotFound, kind: "PoolNotFound"},
		{name: "zero amount", method: http.MethodPost, path: "/v1/pools/0/swap", caller: &trader, body: swapRequest{IsBuy: true}, status: http.StatusUnprocessableEntity, kind: "InvalidTokenAmount"},
		{name: "malformed index", method: http.MethodGet, path: "/v1/pools/abc", status: http.StatusBadRequest, kind: "BadRequest"},
		{name: "unknown field", method: http.MethodPost, path: "/v1/pools/0/swap", caller: &trader, body: map[string]any{"nope": 1}, status: http.StatusBadRequest, kind: "BadRequest"},
		{name: "non admin", method: http.MethodPost, path: "/v1/admin/pools/0/deprecate", caller: &trader, status: http.StatusForbidden, kind: "Unauthorized"},
		{name: "unsigned oracle update", method: http.MethodPost, path: "/v1/oracles/update", caller: &trader, body: updateOraclesRequest{
			Payloads: []oraclePayloadRequest{{Index: 0, Address: feed, Data: clone.EncodePythPayload(2000, 0, env.clock.Slot)}},
		}, status: http.StatusForbidden, kind: "Unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.caller, tc.body, nil)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeBody[errorBody](t, rec)
			require.Equal(t, tc.kind, body.Kind)
			require.NotEmpty(t, body.RequestID)
		})
	}

	price, _, _, err := env.engine.ReadOracle(0)
	require.NoError(t, err)
	require.True(t, price.Equal(mustDecimal(t, "1")), "price %s", price)
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	env.provideLiquidity(t, 1000*unit)
	require.NoError(t, env.ledger.Mint(onusd, trader, 50*unit))
	headers := map[string]string{idempotencyHeader: "swap-1"}
	req := swapRequest{IsBuy: true, Amount: 10 * unit, Threshold: 20 * unit}

	first := env.do(t, http.MethodPost, "/v1/pools/0/swap", &trader, req, headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Empty(t, first.Header().Get(replayedHeader))

	second := env.do(t, http.MethodPost, "/v1/pools/0/swap", &trader, req, headers)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get(replayedHeader))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	balance, err := env.ledger.Balance(onasset, trader)
	require.NoError(t, err)
	require.Equal(t, 10*unit, balance)

	reused := env.do(t, http.MethodPost, "/v1/pools/0/swap", &trader, swapRequest{IsBuy: true, Amount: 5 * unit, Threshold: 20 * unit}, headers)
	require.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	require.Equal(t, "IdempotencyKeyReused", decodeBody[errorBody](t, reused).Kind)

	// keys are scoped per principal
	other := common.HexToAddress("0x00000000000000000000000000000000000000e3")
	require.NoError(t, env.ledger.Mint(onusd, other, 20*unit))
	fresh := env.do(t, http.MethodPost, "/v1/pools/0/swap", &other, req, headers)
	require.Equal(t, http.StatusOK, fresh.Code, fresh.Body.String())
	require.Empty(t, fresh.Header().Get(replayedHeader))
}

func TestAdminPauseBlocksOperations(t *testing.T) {
	env := newTestEnv(t)
	env.provideLiquidity(t, 100*unit)

	denied := env.do(t, http.MethodPost, "/v1/admin/pause", &trader, map[string]bool{"paused": true}, nil)
	require.Equal(t, http.StatusForbidden, denied.Code)

	rec := env.do(t, http.MethodPost, "/v1/admin/pause", &admin, map[string]bool{"paused": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	blocked := env.do(t, http.MethodPost, "/v1/comet/liquidity/add", &lp, liquidityRequest{PoolIndex: 0, Amount: unit}, nil)
	require.Equal(t, http.StatusServiceUnavailable, blocked.Code)
	require.Equal(t, "ModulePaused", decodeBody[errorBody](t, blocked).Kind)

	// reads stay available while paused
	pool := env.do(t, http.MethodGet, "/v1/pools/0", nil, nil, nil)
	require.Equal(t, http.StatusOK, pool.Code)

	rec = env.do(t, http.MethodPost, "/v1/admin/pause", &admin, map[string]bool{"paused": false}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resumed := env.do(t, http.MethodPost, "/v1/comet/collateral/withdraw", &lp, collateralAmountRequest{CollateralIndex: 0, Amount: unit}, nil)
	require.NotEqual(t, http.StatusServiceUnavailable, resumed.Code)
}

func TestAdminPoolLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/admin/pools/0/parameters", &admin, map[string]any{"kind": "treasury_trading_fee", "bps": 25}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pool, err := env.engine.Pool(0)
	require.NoError(t, err)
	require.EqualValues(t, 25, pool.TreasuryTradingFeeBps)

	rec = env.do(t, http.MethodPost, "/v1/admin/pools/0/parameters", &admin, map[string]any{"kind": "bogus", "value": "1"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/admin/pools/0", &admin, nil, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Equal(t, "InvalidStatus", decodeBody[errorBody](t, rec).Kind)

	rec = env.do(t, http.MethodPost, "/v1/admin/pools/0/deprecate", &admin, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodDelete, "/v1/admin/pools/0", &admin, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pool, err = env.engine.Pool(0)
	require.NoError(t, err)
	require.True(t, pool.Removed)
}

func TestEventStreamReplaysBacklogThenLive(t *testing.T) {
	env := newTestEnv(t)
	env.provideLiquidity(t, 1000*unit)
	backlog, err := env.store.LastSequence(context.Background())
	require.NoError(t, err)
	require.NotZero(t, backlog)

	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?after=0"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() types.Event {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var evt types.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	}
	for seq := uint64(1); seq <= backlog; seq++ {
		require.Equal(t, seq, read().Sequence)
	}

	require.Eventually(t, func() bool { return env.broker.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, env.ledger.Mint(onusd, trader, 20*unit))
	_, err = env.engine.Swap(trader, clone.SwapParams{IsBuy: true, PoolIndex: 0, Amount: unit, Threshold: 2 * unit})
	require.NoError(t, err)

	live := read()
	require.Equal(t, backlog+1, live.Sequence)
	require.Equal(t, events.TypeCloneSwap, live.Type)
}

func TestBrokerDropsSlowSubscribers(t *testing.T) {
	broker := NewBroker(1)
	ch, cancel := broker.Subscribe()
	defer cancel()

	first := &events.CloneSwap{User: trader}
	first.SetSequenceID(1)
	second := &events.CloneSwap{User: trader}
	second.SetSequenceID(2)
	broker.Emit(first)
	broker.Emit(second)

	require.Equal(t, 0, broker.Subscribers())
	evt, ok := <-ch
	require.True(t, ok)
	require.EqualValues(t, 1, evt.Sequence)
	_, ok = <-ch
	require.False(t, ok)
}
