// Package main is the entry point for the traveler server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/traveler/internal/config"
	"github.com/pitabwire/traveler/internal/dispatch"
	"github.com/pitabwire/traveler/internal/idempotency"
	"github.com/pitabwire/traveler/internal/observability"
	"github.com/pitabwire/traveler/internal/openapi"
	"github.com/pitabwire/traveler/internal/stage"
	"github.com/pitabwire/traveler/internal/storage/mongodb"
	"github.com/pitabwire/traveler/internal/storage/postgres"
	"github.com/pitabwire/traveler/internal/transfer"
	"github.com/pitabwire/traveler/internal/transport"
	"github.com/pitabwire/traveler/internal/workorder"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file")
	envFile := flag.String("env-file", ".env", "optional .env file loaded before configuration")
	flag.Parse()

	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "environment error: %v\n", err)
		return 1
	}
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
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "traveler", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	table, err := stage.Load(cfg.Stages.File)
	if err != nil {
		logger.Error("stage table load failed", zap.String("file", cfg.Stages.File), zap.Error(err))
		return 1
	}
	metrics.SetStagesLoaded(len(table.Stages()))

	oaIndex, err := openapi.Load()
	if err != nil {
		logger.Error("OpenAPI document load failed", zap.Error(err))
		return 1
	}

	stores, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.String("driver", cfg.Store.Driver), zap.Error(err))
		return 1
	}
	defer stores.close()

	dispatches, closeDispatch := buildDispatchChain(stores.dispatches, cfg.Dispatch, metrics, logger)
	defer closeDispatch()

	idemStore, closeIdem, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer closeIdem()

	executor := transfer.NewExecutor(table, stores.orders, dispatches, transfer.WithObserver(metrics))

	readiness := observability.ReadinessChecks{
		StageTableLoaded: func() bool { return len(table.Stages()) > 0 },
		OpenAPILoaded:    func() bool { return len(oaIndex.OperationIDs()) > 0 },
		WorkOrderStore:   stores.orders,
		DispatchStore:    dispatches,
	}
	if idemStore != nil {
		readiness.IdempotencyStore = idemStore
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Table:          table,
		Executor:       executor,
		WorkOrders:     stores.orders,
		Dispatches:     dispatches,
		OpenAPI:        oaIndex,
		Idempotency:    idemStore,
		IdempotencyTTL: cfg.Idempotency.Store.DefaultTTL,
		Metrics:        metrics,
		Gatherer:       registry,
		Readiness:      readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("stage_table", table.Version()),
		zap.Int("stages", len(table.Stages())),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return 1
		}
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
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

type storeSet struct {
	orders     workorder.Store
	dispatches dispatch.Store
	close      func()
}

// buildStores opens the work order and dispatch stores for the configured
// driver. Both stores share one connection.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storeSet, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Warn("using in-memory stores, data is lost on restart")
		return storeSet{
			orders:     workorder.NewMemoryStore(),
			dispatches: dispatch.NewMemoryStore(),
			close:      func() {},
		}, nil

	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.DSN()); err != nil {
				return storeSet{}, err
			}
			logger.Info("postgres migrations applied")
		}
		pool, err := postgres.Open(ctx, cfg)
		if err != nil {
			return storeSet{}, err
		}
		return storeSet{
			orders:     workorder.NewPgStore(pool),
			dispatches: dispatch.NewPgStore(pool),
			close:      pool.Close,
		}, nil

	case config.DriverMongoDB:
		client, db, err := mongodb.Connect(ctx, cfg)
		if err != nil {
			return storeSet{}, err
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}
		orders, err := workorder.NewMongoStore(ctx, db)
		if err != nil {
			disconnect()
			return storeSet{}, err
		}
		dispatches, err := dispatch.NewMongoStore(ctx, db)
		if err != nil {
			disconnect()
			return storeSet{}, err
		}
		return storeSet{orders: orders, dispatches: dispatches, close: disconnect}, nil

	default:
		return storeSet{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildDispatchChain guards the dispatch store with a circuit breaker and,
// when enabled, publishes created records to Kafka.
func buildDispatchChain(store dispatch.Store, cfg config.DispatchConfig, metrics *observability.Metrics, logger *zap.Logger) (dispatch.Store, func()) {
	cb := cfg.CircuitBreaker
	breaker := dispatch.NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout,
		dispatch.WithStateListener(func(s dispatch.BreakerState) {
			metrics.SetBreakerState(s)
			logger.Warn("dispatch breaker state changed", zap.String("state", s.String()))
		}),
	)
	var chain dispatch.Store = dispatch.NewGuardedStore(store, breaker)

	if !cfg.Kafka.Enabled {
		return chain, func() {}
	}
	publisher := dispatch.NewKafkaPublisher(cfg.Kafka)
	logger.Info("publishing dispatch records",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
	)
	return dispatch.NewPublishingStore(chain, publisher, logger), func() {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka writer close failed", zap.Error(err))
		}
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// A nil store disables transfer replay.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.Store.Driver {
	case config.DriverRedis:
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}
