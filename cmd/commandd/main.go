// Package main provides the entry point for the command engine service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/cqrsengine/internal/config"
	"github.com/devrev/cqrsengine/internal/handler"
	"github.com/devrev/cqrsengine/internal/health"
	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/server"
	"github.com/devrev/cqrsengine/internal/service"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/devrev/cqrsengine/internal/stream"
	"github.com/devrev/cqrsengine/internal/util/workerpool"
	"github.com/devrev/cqrsengine/internal/validation"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("starting command engine",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("counter_backend", cfg.Sequence.CounterBackend),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("command engine failed", zap.Error(err))
	}
	logger.Info("command engine shutdown complete")
}

// backend is the storage adapter together with its change stream
type backend struct {
	store  store.Store
	source stream.Source
}

func openBackend(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*backend, error) {
	retry := stream.RetryPolicy{
		MaxRetries: cfg.Notifier.DeliveryRetries,
		Backoff:    cfg.Notifier.RetryBackoff,
	}

	var inner store.Store
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN(), cfg.Database.NotifyChannel, logger)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:  pg,
			source: stream.NewPGListener(pg.Pool(), pg.Channel(), pg, retry, logger, m),
		}, nil
	case config.DriverSQLite:
		sqlite, err := store.OpenSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		inner = sqlite
	default:
		inner = store.NewMemoryStore()
	}

	broker := stream.NewBroker(stream.BrokerConfig{
		BufferSize: cfg.Ordering.QueueSize,
		Retry:      retry,
		Logger:     logger,
		Metrics:    m,
	})
	return &backend{
		store:  store.NewChangeCaptureStore(inner, broker, logger),
		source: broker,
	}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.NewMetrics(nil)

	be, err := openBackend(ctx, cfg, m, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer be.store.Close()
	logger.Info("Store initialized", zap.String("driver", cfg.Store.Driver))

	hc := health.NewHealthCheck(logger)
	hc.Register("store", be.store.Ping)

	var counters store.CounterStore = be.store
	var idemStore store.IdempotencyStore
	if cfg.Redis.Enabled {
		client, err := store.NewRedisClient(ctx, &redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		idemStore = store.NewRedisIdempotencyStore(client, logger)
		if cfg.Sequence.CounterBackend == config.CounterBackendRedis {
			counters = store.NewRedisCounterStore(client)
		}
	} else {
		idemStore = store.NewMemoryIdempotencyStore(100000)
	}
	defer idemStore.Close()
	hc.Register("idempotency", idemStore.Ping)

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "pipeline",
		MaxWorkers: cfg.Ordering.Workers,
		QueueSize:  cfg.Ordering.QueueSize,
		Logger:     logger,
		OnFinish: func(task workerpool.Task, err error, d time.Duration) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.RecordStep(task.ID, result, d.Seconds())
			m.RecordPoolTask("pipeline", result)
		},
	})

	registry := service.NewHandlerRegistry()
	notifier := service.NewNotifierService(registry, be.store, be.store, service.NotifierConfig{
		DisableDefaultSync: cfg.Notifier.DisableDefaultSync,
		HandlerTimeout:     cfg.Notifier.HandlerTimeout,
	}, m, logger)
	callbacks := service.NewCallbackService(be.store, cfg.Ordering.PredecessorTimeout, cfg.Ordering.SweepBatchSize, m, logger)
	ordering := service.NewOrderingService(be.store, callbacks, notifier, pool, m, logger)
	ordering.SetStallThreshold(cfg.Ordering.StallThreshold)
	service.NewStreamConsumer(be.source, ordering, logger)

	idempotency := service.NewIdempotencyService(idemStore, cfg.Command.IdempotencyTTL, logger)
	commands := service.NewCommandService(be.store, be.store, ordering, idempotency, validation.NewValidator(), service.CommandServiceConfig{
		SubmitTimeout: cfg.Command.SubmitTimeout,
		PollInterval:  cfg.Command.PollInterval,
		LatestRetries: cfg.Command.LatestRetries,
	}, m, logger)

	var settings *service.StaticSettingsProvider
	if cfg.Sequence.SettingsFile != "" {
		settings, err = service.LoadSequenceSettings(cfg.Sequence.SettingsFile)
	} else {
		settings, err = service.NewStaticSettingsProvider(nil)
	}
	if err != nil {
		return fmt.Errorf("failed to load sequence settings: %w", err)
	}
	sequences := service.NewSequenceService(counters, settings, m, logger)

	logger.Info("All services initialized")

	errorHandler := handler.NewErrorHandler(logger)
	handlers := handler.NewHandlers(commands, sequences, notifier, errorHandler, logger)
	httpServer := server.NewServer(cfg, handlers, errorHandler, hc, m, logger)
	httpServer.SetupRoutes()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return be.source.Run(gctx)
	})
	g.Go(func() error {
		ordering.RunSweeper(gctx, cfg.Ordering.SweepInterval)
		return nil
	})
	g.Go(func() error {
		hc.Run(gctx)
		return nil
	})

	if cfg.Ordering.RecoverOnStart {
		n, err := ordering.Recover(gctx)
		if err != nil {
			logger.Error("Pipeline recovery failed", zap.Error(err))
		} else {
			logger.Info("Pipeline recovery dispatched", zap.Int("commands", n))
		}
	}

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(&server.MetricsServerConfig{
			Port:  cfg.Metrics.Port,
			Path:  cfg.Metrics.Path,
			Pools: []*workerpool.WorkerPool{pool},
		}, m, logger)
		g.Go(func() error {
			return metricsServer.Run(gctx)
		})
	}

	g.Go(func() error {
		return httpServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if stopErr := pool.Stop(cfg.Server.ShutdownTimeout); stopErr != nil {
		logger.Warn("pipeline pool did not drain", zap.Error(stopErr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
