package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"clonechain/config"
	"clonechain/core/events"
	"clonechain/gateway/middleware"
	"clonechain/native/clone"
	nativecommon "clonechain/native/common"
	"clonechain/observability"
	"clonechain/observability/logging"
	telemetry "clonechain/observability/otel"
	cloneconfig "clonechain/services/cloned/config"
	"clonechain/services/cloned/server"
	"clonechain/services/cloned/storage"
	"clonechain/state/bank"
	kvstore "clonechain/storage"
)

const (
	idempotencyRetention = 24 * time.Hour
	pruneInterval        = time.Hour
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/cloned/config.yaml", "path to cloned configuration file")
	flag.Parse()

	cfg, err := cloneconfig.Load(cfgPath)
	if err != nil {
		log.Fatalf("cloned: load config: %v", err)
	}
	logger := logging.Setup(logging.Options{
		Service:    "cloned",
		Env:        cfg.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "cloned",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("cloned: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	statePath := filepath.Join(cfg.DataDir, "state")
	if cfg.StateBackend == "bolt" {
		statePath += ".bolt"
	}
	db, err := kvstore.Open(cfg.StateBackend, statePath)
	if err != nil {
		log.Fatalf("cloned: open state: %v", err)
	}
	defer db.Close()
	kv := kvstore.NewKVStore(db)
	ledger := bank.NewLedger(kv)

	pauses := nativecommon.NewPauseSet()
	engine := clone.NewEngine(kv, ledger, clone.SlotClock{
		Genesis:      cfg.Clock.Genesis,
		SlotDuration: cfg.Clock.SlotDuration.Duration,
	})
	engine.SetLogger(logger)
	engine.SetPauses(pauses)

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path != "" {
		if dsn, err = storage.FileDSN(cfg.Database.Path); err != nil {
			log.Fatalf("cloned: resolve storage DSN: %v", err)
		}
	}
	store, err := storage.Open(cfg.Database.Driver, dsn)
	if err != nil {
		log.Fatalf("cloned: open storage: %v", err)
	}
	defer store.Close()
	store.SetLogger(logger)

	// Indexer before broker: anything streamed live is already in the backlog.
	broker := server.NewBroker(cfg.Stream.Buffer)
	engine.SetEmitter(events.Fanout{store, broker, observability.Events()})

	if err := bootstrap(engine, cfg.GenesisPath, logger); err != nil {
		log.Fatalf("cloned: %v", err)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		limits[strings.ToLower(strings.TrimSpace(rl.Group))] = middleware.RateLimit{
			RequestsPerMinute: rl.RequestsPerMinute,
			Burst:             rl.Burst,
		}
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		ServiceName:   "cloned",
		Auth: middleware.AuthConfig{
			Enabled:       cfg.Auth.Enabled,
			HMACSecret:    cfg.Auth.HMACSecret,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
			ClockSkew:     cfg.Auth.ClockSkew.Duration,
			OptionalPaths: []string{"/healthz", "/metrics"},
		},
		RateLimits:         limits,
		CORS:               middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		LogRequests:        true,
		StreamWriteTimeout: cfg.Stream.WriteTimeout.Duration,
		BacklogLimit:       cfg.Stream.BacklogLimit,
	}, engine, store, broker, ledger, pauses, logger)
	if err != nil {
		log.Fatalf("cloned: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pruneIdempotency(rootCtx, store, logger)

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}

// bootstrap applies the genesis file when the state directory is fresh.
func bootstrap(engine *clone.Engine, genesisPath string, logger *slog.Logger) error {
	if _, err := engine.Protocol(); err == nil {
		return nil
	} else if !errors.Is(err, clone.ErrNotInitialized) {
		return err
	}
	if strings.TrimSpace(genesisPath) == "" {
		logger.Warn("protocol not initialized and no genesis configured")
		return nil
	}
	genesis, err := config.LoadGenesis(genesisPath)
	if err != nil {
		return err
	}
	if err := genesis.Apply(engine); err != nil {
		return err
	}
	logger.Info("genesis applied", "path", genesisPath)
	return nil
}

func pruneIdempotency(ctx context.Context, store *storage.Storage, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.PruneIdempotency(ctx, time.Now().Add(-idempotencyRetention))
			if err != nil {
				logger.Warn("prune idempotency records", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("pruned idempotency records", "removed", removed)
			}
		}
	}
}
