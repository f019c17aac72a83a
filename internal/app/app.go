// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmalvern/queuekeeper/internal/alert"
	"github.com/jmalvern/queuekeeper/internal/api"
	"github.com/jmalvern/queuekeeper/internal/clock/system"
	"github.com/jmalvern/queuekeeper/internal/config"
	"github.com/jmalvern/queuekeeper/internal/dispatcher"
	"github.com/jmalvern/queuekeeper/internal/health"
	iduuid "github.com/jmalvern/queuekeeper/internal/id/uuid"
	"github.com/jmalvern/queuekeeper/internal/invoker"
	"github.com/jmalvern/queuekeeper/internal/logging"
	"github.com/jmalvern/queuekeeper/internal/monitor"
	"github.com/jmalvern/queuekeeper/internal/queue"
	"github.com/jmalvern/queuekeeper/internal/recovery"
	"github.com/jmalvern/queuekeeper/internal/storage/memory"
	"github.com/jmalvern/queuekeeper/internal/storage/postgres"
	"github.com/jmalvern/queuekeeper/internal/telemetry"
	"github.com/jmalvern/queuekeeper/internal/worker"
)

// App holds all the shared, long-lived services for the application. It
// is initialized once at startup and passed to the commands that need it.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      queue.Store
	closeStore func()
	registry   *prometheus.Registry
	loop       *monitor.Loop
	server     *api.Server
	pool       *dispatcher.Dispatcher
}

// New creates and initializes an App from configuration. An empty DB DSN
// selects the in-memory store; extractor may be nil when no in-process
// workers are wanted.
func New(ctx context.Context, cfg config.Config, extractor worker.Extractor) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	clock := system.New()

	a := &App{cfg: cfg, logger: logger, closeStore: func() {}}

	if cfg.DB.DSN != "" {
		logger.Info("connecting to postgres", zap.String("table", cfg.DB.Table))
		store, err := postgres.NewQueueStore(ctx, postgres.QueueStoreConfig{
			DSN:               cfg.DB.DSN,
			Table:             cfg.DB.Table,
			RunTable:          cfg.DB.RunTable,
			MaxConns:          int32(cfg.DB.MaxConns),
			MinConns:          int32(cfg.DB.MinConns),
			RateLimitCooldown: cfg.Cooldown(),
			DefaultPriority:   cfg.Queue.DefaultPriority,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		a.store = store
		a.closeStore = store.Close
	} else {
		logger.Info("no db.dsn configured, using in-memory store")
		a.store = memory.NewQueueStore(clock,
			memory.WithRateLimitCooldown(cfg.Cooldown()),
			memory.WithDefaultPriority(cfg.Queue.DefaultPriority))
	}

	a.registry = prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	aggregator := health.NewAggregator(a.store, clock, health.Config{
		StaleLockThreshold:    cfg.StaleLockThreshold(),
		StuckAttemptThreshold: cfg.Health.StuckAttempts,
		TopErrors:             cfg.Health.TopErrors,
	}, logger)

	var starter recovery.WorkerStarter
	switch {
	case cfg.Recovery.InvokeURL != "":
		starter = invoker.New(cfg.Recovery.InvokeURL, 10*time.Second, logger)
	case extractor != nil:
		pool, err := a.buildWorkerPool(clock, extractor)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		starter = pool
	}

	controller := recovery.NewController(a.store, starter, clock, recovery.Config{
		StaleLockThreshold:    cfg.StaleLockThreshold(),
		StuckAttemptThreshold: cfg.Health.StuckAttempts,
		ErrorRateCritical:     cfg.Recovery.ErrorRateLimit,
		BacklogThreshold:      cfg.Recovery.BacklogThreshold,
		ReclassifyBatch:       cfg.Recovery.ReclassifyBatch,
		NudgeBatch:            cfg.Recovery.NudgeBatch,
		Cooldown:              cfg.Cooldown(),
		MaxTotalAttempts:      cfg.Recovery.MaxTotalAttempts,
		WorkerBatch:           cfg.Recovery.WorkerBatch,
	}, logger)

	notifier := alert.NewNotifier(cfg.Alert.WebhookURL, cfg.AlertMinInterval(), logger)

	a.loop = monitor.NewLoop(
		aggregator, controller, notifier, a.store, iduuid.New(), clock, metrics, logger)

	a.server = api.NewServer(
		a.store, aggregator, controller, a.loop, metrics, a.registry, cfg, logger)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildWorkerPool(clock queue.Clock, extractor worker.Extractor) (*dispatcher.Dispatcher, error) {
	workers := make([]*worker.Worker, 0, a.cfg.Workers.Concurrency)
	for i := 0; i < a.cfg.Workers.Concurrency; i++ {
		id, err := iduuid.New().NewID()
		if err != nil {
			return nil, fmt.Errorf("generate worker id: %w", err)
		}
		w, err := worker.New(a.store, extractor, clock, worker.Config{
			ID:            fmt.Sprintf("worker-%d-%s", i, id),
			BatchSize:     a.cfg.Workers.BatchSize,
			IdleDelay:     a.cfg.WorkerIdleDelay(),
			RatePerSecond: a.cfg.Workers.RatePerSecond,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("build worker: %w", err)
		}
		workers = append(workers, w)
	}
	return dispatcher.New(workers, a.logger), nil
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store exposes the configured queue store.
func (a *App) Store() queue.Store {
	return a.store
}

// Loop returns the control loop.
func (a *App) Loop() *monitor.Loop {
	return a.loop
}

// Dispatcher returns the in-process worker pool, or nil when workers are
// external.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.pool
}

// RunServe runs the HTTP server, the control loop, and the in-process
// worker pool (when configured) until ctx is cancelled.
func (a *App) RunServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.loop.Run(ctx, a.cfg.MonitorInterval()); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	if a.pool != nil {
		g.Go(func() error {
			a.pool.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.closeStore()
	// Best effort; stdout sync errors are expected on some platforms.
	_ = a.logger.Sync()
}
