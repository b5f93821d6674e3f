package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/internal/definition"
	"github.com/pitabwire/conduit/internal/idempotency"
	"github.com/pitabwire/conduit/internal/invoker"
	"github.com/pitabwire/conduit/internal/observability"
	"github.com/pitabwire/conduit/internal/transport"
	"github.com/pitabwire/conduit/internal/workflow"
	"github.com/pitabwire/conduit/model"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	// Step 1: Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "conduit", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(reg)

	// Step 3: Build the store.
	store, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// Step 4: Build the event bus, the optional Redis sink, and the
	// idempotency store. Both share the Redis client when one is configured.
	bus := workflow.NewEventBus(cfg.Events.Buffer, logger, metrics)
	redisClient, err := buildRedis(ctx, cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("event sink initialization failed: %w", err)
	}
	var (
		redisSink *workflow.RedisEventSink
		idemStore idempotency.Store = idempotency.NewMemoryStore()
	)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}()
		redisSink = workflow.NewRedisEventSink(redisClient, cfg.Events.Channel, cfg.Engine.StatusHistory)
		bus.AddSink(redisSink)
		idemStore = idempotency.NewRedisStore(redisClient)
	}
	bus.Subscribe(model.EventHealthWarning, func(_ context.Context, evt model.Event) {
		logger.Warn("health warning", zap.Any("data", evt.Data))
	})

	// Step 5: Build the stage gateway with one HTTP runner per service.
	gateway := buildGateway(cfg, logger, metrics)

	// Step 6: Build the orchestrator, restore persisted state, seed definitions.
	engine := workflow.NewOrchestrator(store, gateway,
		workflow.WithConfig(cfg.Engine),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithEventSink(bus),
	)
	if err := engine.LoadExistingWorkflows(ctx); err != nil {
		return fmt.Errorf("loading persisted workflows failed: %w", err)
	}
	seeded, err := seedDefinitions(ctx, engine, cfg.Definitions.Directories, logger)
	if err != nil {
		return fmt.Errorf("definition loading failed: %w", err)
	}
	engine.Start(ctx)

	// Step 7: Build HTTP router.
	readiness := observability.ReadinessChecks{
		RunnersRegistered: func() bool { return len(gateway.Services()) > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.Store = hc
	}
	if redisSink != nil {
		readiness.EventSink = redisSink
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Engine:      engine,
		Logger:      logger,
		Metrics:     metrics,
		Gatherer:    reg,
		Readiness:   readiness,
		Idempotency: idemStore,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", seeded),
		zap.Strings("services", gateway.Services()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new requests before the engine refuses new executions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", zap.Error(err))
	}
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// buildStore creates the store named by cfg.Driver. The returned closer is
// nil for the memory store.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory store")
		return workflow.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		logger.Info("using postgres store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildRedis connects to Redis when cfg.Driver is "redis". It returns a nil
// client for the memory driver.
func buildRedis(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Driver != "redis" {
		return nil, nil
	}

	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("events: %s environment variable not set", cfg.AddrEnv)
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("events: ping redis: %w", err)
	}

	logger.Info("publishing events to redis", zap.String("channel", cfg.Channel))
	return client, nil
}

// buildGateway registers an HTTP runner for every configured service, each
// behind its own circuit breaker.
func buildGateway(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *invoker.Gateway {
	breakers := make(map[string]config.CircuitBreakerConfig, len(cfg.Services))
	for name, svc := range cfg.Services {
		breakers[name] = svc.CircuitBreaker
	}

	gateway := invoker.NewGateway(
		invoker.WithLogger(logger),
		invoker.WithBreakers(config.DefaultCircuitBreaker(), breakers),
		invoker.WithBreakerObserver(func(service string, state invoker.BreakerState) {
			metrics.SetRunnerCircuitBreakerState(service, float64(state))
		}),
	)
	for name, svc := range cfg.Services {
		gateway.Register(name, invoker.NewHTTPRunner(name, svc))
	}
	return gateway
}

// seedDefinitions registers every workflow found in dirs. Workflows already
// restored from the store keep their persisted version.
func seedDefinitions(ctx context.Context, engine *workflow.Orchestrator, dirs []string, logger *zap.Logger) (int, error) {
	if len(dirs) == 0 {
		return 0, nil
	}
	wfs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return 0, err
	}

	seeded := 0
	for _, wf := range wfs {
		if _, err := engine.CreateWorkflow(ctx, wf); err != nil {
			if model.HasCode(err, model.ErrConflict) {
				logger.Debug("definition already registered", zap.String("workflow_id", wf.ID))
				continue
			}
			return seeded, fmt.Errorf("registering %s: %w", wf.ID, err)
		}
		seeded++
	}
	return seeded, nil
}
