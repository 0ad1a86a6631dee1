package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"clonechain/gateway/middleware"
	"clonechain/native/clone"
	nativecommon "clonechain/native/common"
	"clonechain/observability"
	"clonechain/services/cloned/storage"
)

// Route groups used for rate limiting.
const (
	GroupTrade     = "trade"
	GroupLiquidate = "liquidate"
	GroupAdmin     = "admin"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress      string
	ServiceName        string
	Auth               middleware.AuthConfig
	RateLimits         map[string]middleware.RateLimit
	CORS               middleware.CORSConfig
	LogRequests        bool
	StreamWriteTimeout time.Duration
	BacklogLimit       int
}

// BalanceReader exposes token balances for the read API.
type BalanceReader interface {
	Balance(mint, owner common.Address) (uint64, error)
}

// Server hosts the clone command, admin and event APIs.
type Server struct {
	cfg      Config
	engine   *clone.Engine
	store    *storage.Storage
	broker   *Broker
	balances BalanceReader
	pauses   *nativecommon.PauseSet
	logger   *slog.Logger

	auth     *middleware.Authenticator
	limiter  *middleware.RateLimiter
	obs      *middleware.Observability
	inflight sync.Map
	router   http.Handler
}

// New constructs a new HTTP server. pauses may be nil when the module cannot
// be paused at runtime.
func New(cfg Config, engine *clone.Engine, store *storage.Storage, broker *Broker, balances BalanceReader, pauses *nativecommon.PauseSet, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if broker == nil {
		broker = NewBroker(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cloned"
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = defaultWriteTimeout
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = 1000
	}
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		store:    store,
		broker:   broker,
		balances: balances,
		pauses:   pauses,
		logger:   logger.With(slog.String("component", "server")),
		auth:     middleware.NewAuthenticator(cfg.Auth, logger),
		limiter:  middleware.NewRateLimiter(cfg.RateLimits, logger),
		obs:      middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: cfg.ServiceName, LogRequests: cfg.LogRequests}, logger),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the HTTP handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(s.router, s.cfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			s.handle(pub, http.MethodGet, "/protocol", "protocol", s.handleProtocol)
			s.handle(pub, http.MethodGet, "/pools/{pool}", "pool", s.handlePool)
			s.handle(pub, http.MethodGet, "/pools/{pool}/quote", "quote_swap", s.handleQuoteSwap)
			s.handle(pub, http.MethodGet, "/collaterals/{collateral}", "collateral", s.handleCollateral)
			s.handle(pub, http.MethodGet, "/oracles/{oracle}", "oracle", s.handleOracle)
			s.handle(pub, http.MethodGet, "/users/{owner}", "user", s.handleUser)
			s.handle(pub, http.MethodGet, "/users/{owner}/health", "comet_health", s.handleCometHealth)
			s.handle(pub, http.MethodGet, "/users/{owner}/comet/positions/{position}/ild", "position_ild", s.handlePositionILD)
			s.handle(pub, http.MethodGet, "/balances/{mint}/{owner}", "balance", s.handleBalance)
			s.handle(pub, http.MethodGet, "/events", "events", s.handleEvents)
			pub.Get("/events/stream", s.handleEventStream)
		})

		api.Group(func(trade chi.Router) {
			trade.Use(s.auth.Middleware(middleware.ScopeTrade))
			trade.Use(s.limiter.Middleware(GroupTrade))
			trade.Use(s.idempotency)
			s.handle(trade, http.MethodPost, "/pools/{pool}/swap", "swap", s.handleSwap)
			s.handle(trade, http.MethodPost, "/comet/collateral/deposit", "add_collateral_to_comet", s.handleAddCometCollateral)
			s.handle(trade, http.MethodPost, "/comet/collateral/withdraw", "withdraw_collateral_from_comet", s.handleWithdrawCometCollateral)
			s.handle(trade, http.MethodPost, "/comet/liquidity/add", "add_liquidity_to_comet", s.handleAddLiquidity)
			s.handle(trade, http.MethodPost, "/comet/positions/{position}/withdraw", "withdraw_liquidity_from_comet", s.handleWithdrawLiquidity)
			s.handle(trade, http.MethodPost, "/comet/positions/{position}/pay-ild", "pay_impermanent_loss_debt", s.handlePayILD)
			s.handle(trade, http.MethodPost, "/comet/positions/{position}/collect-rewards", "collect_lp_rewards", s.handleCollectRewards)
			s.handle(trade, http.MethodPost, "/borrows", "initialize_borrow", s.handleInitializeBorrow)
			s.handle(trade, http.MethodPost, "/borrows/{position}/borrow-more", "borrow_more", s.handleBorrowMore)
			s.handle(trade, http.MethodPost, "/borrows/{position}/repay", "pay_borrow_debt", s.handlePayBorrowDebt)
			s.handle(trade, http.MethodPost, "/borrows/{position}/collateral/deposit", "add_collateral_to_borrow", s.handleAddBorrowCollateral)
			s.handle(trade, http.MethodPost, "/borrows/{position}/collateral/withdraw", "withdraw_collateral_from_borrow", s.handleWithdrawBorrowCollateral)
			s.handle(trade, http.MethodPost, "/users/me/net-value", "update_net_value", s.handleUpdateNetValue)
			s.handle(trade, http.MethodGet, "/users/me/net-value", "current_net_value", s.handleCurrentNetValue)
			s.handle(trade, http.MethodPost, "/users/me/close", "close_user", s.handleCloseUser)
			s.handle(trade, http.MethodPost, "/oracles/update", "update_oracles", s.handleUpdateOracles)
		})

		api.Group(func(liq chi.Router) {
			liq.Use(s.auth.Middleware(middleware.ScopeTrade))
			liq.Use(s.limiter.Middleware(GroupLiquidate))
			liq.Use(s.idempotency)
			s.handle(liq, http.MethodPost, "/liquidations/comet/{owner}/positions/{position}/collateral-ild", "liquidate_comet_collateral_ild", s.handleLiquidateCollateralILD)
			s.handle(liq, http.MethodPost, "/liquidations/comet/{owner}/positions/{position}/onasset-ild", "liquidate_comet_onasset_ild", s.handleLiquidateOnAssetILD)
			s.handle(liq, http.MethodPost, "/liquidations/comet/{owner}/stable-collateral", "liquidate_comet_stable_collateral", s.handleLiquidateStableCollateral)
			s.handle(liq, http.MethodPost, "/liquidations/borrow/{owner}/{position}", "liquidate_borrow_position", s.handleLiquidateBorrow)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware(middleware.ScopeAdmin))
			admin.Use(s.limiter.Middleware(GroupAdmin))
			admin.Use(s.idempotency)
			s.handle(admin, http.MethodPost, "/auth", "add_auth", s.handleAddAuth)
			s.handle(admin, http.MethodDelete, "/auth/{member}", "remove_auth", s.handleRemoveAuth)
			s.handle(admin, http.MethodPost, "/parameters", "update_clone_parameters", s.handleUpdateCloneParameters)
			s.handle(admin, http.MethodPost, "/collaterals", "add_collateral", s.handleAddCollateral)
			s.handle(admin, http.MethodPost, "/collaterals/{collateral}/parameters", "update_collateral_parameters", s.handleUpdateCollateralParameters)
			s.handle(admin, http.MethodPost, "/pools", "add_pool", s.handleAddPool)
			s.handle(admin, http.MethodPost, "/pools/{pool}/parameters", "update_pool_parameters", s.handleUpdatePoolParameters)
			s.handle(admin, http.MethodPost, "/pools/{pool}/deprecate", "deprecate_pool", s.handleDeprecatePool)
			s.handle(admin, http.MethodDelete, "/pools/{pool}", "remove_pool", s.handleRemovePool)
			s.handle(admin, http.MethodPost, "/oracles", "add_oracle_feed", s.handleAddOracleFeed)
			s.handle(admin, http.MethodPost, "/oracles/{oracle}/status", "set_oracle_status", s.handleSetOracleStatus)
			s.handle(admin, http.MethodPost, "/pause", "set_paused", s.handleSetPaused)
		})
	})
	return r
}

func (s *Server) handle(router chi.Router, method, pattern, op string, h http.HandlerFunc) {
	router.With(s.obs.Middleware(op)).Method(method, pattern, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counter, err := s.engine.EventCounter()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	indexed, err := s.store.LastSequence(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"eventCounter": counter,
		"indexed":      indexed,
		"subscribers":  s.broker.Subscribers(),
	})
}

// exec runs one engine operation and records its outcome.
func (s *Server) exec(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	observability.Clone().Observe(op, time.Since(start), clone.ErrorKind(err))
	return err
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(chimw.RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(chimw.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}

func routeName(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func principal(r *http.Request) (common.Address, error) {
	addr, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return common.Address{}, errMissingPrincipal
	}
	return addr, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func uint16Param(r *http.Request, name string) (uint16, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return uint16(v), nil
}

func positionParam(r *http.Request) (int, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, "position"), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid position: %w", err)
	}
	return int(v), nil
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}
