// Package control assembles the resilience components into a running
// application: storage, connectivity, retry, queue, pipeline, and the
// diagnostics server.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/envelope-labs/relay/internal/connectivity"
	"github.com/envelope-labs/relay/internal/core/config"
	"github.com/envelope-labs/relay/internal/health"
	"github.com/envelope-labs/relay/internal/pipeline"
	"github.com/envelope-labs/relay/internal/queue"
	"github.com/envelope-labs/relay/internal/retry"
	"github.com/envelope-labs/relay/internal/session"
	"github.com/envelope-labs/relay/internal/storage"
	"github.com/envelope-labs/relay/internal/storage/memstore"
	"github.com/envelope-labs/relay/internal/storage/pgstore"
	"github.com/envelope-labs/relay/internal/storage/redisstore"
)

// App owns the component lifecycle.
type App struct {
	cfg *config.AppConfig

	store        storage.Store
	closer       func() error
	monitor      *connectivity.Monitor
	transport    *pipeline.HTTPTransport
	engine       *retry.Engine
	queue        *queue.Queue
	client       *pipeline.Client
	healthServer *health.Server
	log          *slog.Logger
}

// NewApp creates an App with all dependencies initialized.
func NewApp(cfg *config.AppConfig) (*App, error) {
	log := slog.Default()

	// 1. Storage backend for the offline queue
	var store storage.Store
	var closer func() error
	var storageCheck health.StorageChecker

	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := pgstore.New(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres storage: %w", err)
		}
		store = pg
		closer = pg.Close
		storageCheck = pg
		log.Info("Using PostgreSQL storage")
	case "redis":
		rs, err := redisstore.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis storage: %w", err)
		}
		store = rs
		closer = rs.Close
		log.Info("Using Redis storage")
	case "", "memory":
		store = memstore.New()
		log.Info("Using Memory storage")
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}

	// 2. Connectivity
	probe := connectivity.NewHTTPProbe(cfg.Connectivity.ProbeURL, cfg.Connectivity.PollInterval)
	monitor := connectivity.NewMonitor(probe, log)

	// 3. Session
	var sess session.Source
	if cfg.API.AuthToken != "" {
		sess = session.NewStaticSource(cfg.API.AuthToken)
	}

	// 4. Transport, retry, queue, client
	transport := pipeline.NewHTTPTransport(cfg.API.Timeout, cfg.Breaker)
	engine := retry.NewEngine(monitor, log)
	q := queue.New(queue.Config{
		Key:               cfg.Queue.Key,
		MaxItems:          cfg.Queue.MaxItems,
		DefaultMaxRetries: cfg.Queue.MaxRetries,
		FallbackInterval:  cfg.Queue.FallbackInterval,
	}, store, monitor, pipeline.QueueExecutor(transport, sess), log)
	client := pipeline.NewClient(pipeline.Config{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.API.Timeout,
		Policy:      cfg.Retry.Policy(),
		PublicPaths: cfg.API.PublicPaths,
	}, transport, sess, monitor, q, engine, log)

	// 5. Diagnostics
	maxItems := cfg.Queue.MaxItems
	if maxItems <= 0 {
		maxItems = queue.DefaultConfig().MaxItems
	}
	healthMon := health.NewMonitor(monitor, q, maxItems, engine, transport, storageCheck)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	return &App{
		cfg:          cfg,
		store:        store,
		closer:       closer,
		monitor:      monitor,
		transport:    transport,
		engine:       engine,
		queue:        q,
		client:       client,
		healthServer: healthServer,
		log:          log,
	}, nil
}

// Client returns the request client.
func (a *App) Client() *pipeline.Client { return a.client }

// Queue returns the offline queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// StartClient starts only what the request path needs: connectivity
// monitoring and the offline queue. One-shot commands use this to avoid
// binding the diagnostics port.
func (a *App) StartClient(ctx context.Context) error {
	a.monitor.Start(ctx)

	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start offline queue: %w", err)
	}
	return nil
}

// Start starts connectivity monitoring, queue replay, and the
// diagnostics server.
func (a *App) Start(ctx context.Context) error {
	if err := a.StartClient(ctx); err != nil {
		return err
	}

	go func() {
		if err := a.healthServer.Start(); err != nil {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts down gracefully: aborts in-flight retries, stops the queue
// and monitor, closes storage, and drains the diagnostics server.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping relay...")

	a.client.Dispose()

	if a.closer != nil {
		if err := a.closer(); err != nil {
			a.log.Warn("Failed to close storage", "error", err)
		}
	}

	return a.healthServer.Stop(ctx)
}
