// Package main is the entry point for the edict compliance server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/config"
	"github.com/edict-hq/edict/internal/engine"
	"github.com/edict-hq/edict/internal/extract"
	"github.com/edict-hq/edict/internal/llm"
	"github.com/edict-hq/edict/internal/observability"
	"github.com/edict-hq/edict/internal/run"
	"github.com/edict-hq/edict/internal/search"
	"github.com/edict-hq/edict/internal/stream"
	"github.com/edict-hq/edict/internal/transport"
	"github.com/edict-hq/edict/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(serve())
}

func serve() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "edict", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Provider chain, in config order.
	providers := make([]llm.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providers = append(providers, llm.NewHTTPProvider(pc))
	}
	gateway := llm.NewGateway(providers, cfg.Providers, cfg.Gateway, logger, metrics)

	// Search adapters for the two corpora.
	legalSearch := search.NewHTTPAdapter(model.EvidenceSourceLegal, cfg.Search.Legal, logger, metrics)
	reqSearch := search.NewHTTPAdapter(model.EvidenceSourceRequirements, cfg.Search.Requirements, logger, metrics)

	runStore, storeCloser, err := buildRunStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("run store initialization failed", zap.Error(err))
		return 1
	}

	idemStore, idemCloser := buildIdempotencyStore(cfg.Idempotency, logger)

	streamer := stream.NewStreamer(logger, metrics)
	machine := run.NewMachine(
		runStore,
		extract.NewExtractor(gateway, cfg.Workflow.ExtractRetries, logger),
		engine.NewSynthesizer(gateway, cfg.Workflow.ExtractRetries, logger),
		[]search.Adapter{legalSearch, reqSearch},
		streamer,
		cfg.Workflow,
		logger,
		metrics,
	)

	secret, err := transport.SigningSecret(cfg.Identity)
	if err != nil {
		logger.Error("identity configuration invalid", zap.Error(err))
		return 1
	}

	readinessChecks := observability.ReadinessChecks{
		ProvidersConfigured: func() bool { return len(providers) > 0 },
		LegalSearch:         legalSearch,
		ReqSearch:           reqSearch,
	}
	if hc, ok := runStore.(observability.HealthChecker); ok {
		readinessChecks.RunStore = hc
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readinessChecks.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Machine:      machine,
		Streamer:     streamer,
		Idempotency:  idemStore,
		Readiness:    readinessChecks,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, secret),
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: it would sever long-lived event streams. Request
		// deadlines come from the handler timeout middleware instead.
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runApprovalSweeper(bgCtx, machine, cfg.Workflow.ApprovalCheckInterval, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("providers", len(providers)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildRunStore creates the run store based on config.
func buildRunStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (run.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory run store")
		return run.NewMemoryStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" && cfg.DSNEnv != "" {
			return nil, nil, fmt.Errorf("run store: %s environment variable not set", cfg.DSNEnv)
		}
		if dsn == "" {
			logger.Warn("run store DSN not configured, using in-memory store")
			return run.NewMemoryStore(), nil, nil
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("run store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("run store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run store: ping: %w", err)
		}

		return run.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported run store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (run.IdempotencyStore, func()) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Store.Driver {
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			logger.Warn("redis address not configured, using in-memory idempotency store")
			return run.NewMemoryIdempotencyStore(), nil
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return run.NewRedisIdempotencyStore(client), func() { client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return run.NewMemoryIdempotencyStore(), nil
	}
}

// runApprovalSweeper periodically fails runs whose approval window elapsed.
func runApprovalSweeper(ctx context.Context, machine *run.Machine, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := machine.ProcessApprovalTimeouts(ctx); n > 0 {
				logger.Info("expired approvals processed", zap.Int("count", n))
			}
		}
	}
}
