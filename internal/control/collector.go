// Package control wires the collector's components together and manages
// their lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pressly/goose/v3"

	"github.com/biopro/exception-collector/internal/collector"
	"github.com/biopro/exception-collector/internal/core/config"
	"github.com/biopro/exception-collector/internal/events"
	"github.com/biopro/exception-collector/internal/health"
	redisclient "github.com/biopro/exception-collector/internal/infra/redis"
	"github.com/biopro/exception-collector/internal/infra/storage"
	"github.com/biopro/exception-collector/internal/infra/storage/memory"
	"github.com/biopro/exception-collector/internal/infra/storage/postgres"
	"github.com/biopro/exception-collector/internal/lifecycle"
	"github.com/biopro/exception-collector/internal/retry"
	"github.com/biopro/exception-collector/internal/validation"
)

// Collector is the main application struct managing component lifecycle.
type Collector struct {
	cfg          *config.AppConfig
	db           *postgres.DB
	redisClient  *redisclient.Client
	publisher    events.Publisher
	consumer     *redisclient.Consumer
	healthServer *health.Server

	Processor    *collector.Processor
	Lifecycle    *lifecycle.Service
	Orchestrator *retry.Orchestrator

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector creates a collector with all dependencies initialized.
// Without a database URL it runs on in-memory storage; without a Redis URL
// events are logged instead of published and no consumer runs.
func NewCollector(cfg *config.AppConfig) (*Collector, error) {
	c := &Collector{cfg: cfg, done: make(chan struct{})}

	var exceptions storage.ExceptionRepository
	var attempts storage.RetryAttemptRepository

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		c.db = db

		// Goose needs the raw *sql.DB that sqlx wraps.
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		exceptions = postgres.NewExceptionRepo(db)
		attempts = postgres.NewAttemptRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		exceptions = memory.NewExceptionRepo(store)
		attempts = memory.NewAttemptRepo(store)
		slog.Info("Using in-memory storage")
	}

	var lock retry.AdmissionLock
	if cfg.Redis.URL != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		c.redisClient = redisClient
		c.publisher = redisclient.NewStreamPublisher(redisClient, cfg.Publisher.StreamPrefix, cfg.Publisher.MaxLen)
		if cfg.Retry.AdmissionLock {
			lock = redisClient
		}
		slog.Info("Using Redis Streams transport", "prefix", cfg.Publisher.StreamPrefix)
	} else {
		c.publisher = &events.LogPublisher{}
		slog.Info("No Redis configured, logging milestone events")
	}

	validator := validation.NewService(cfg.Validation)
	executor := retry.NewSubmitExecutor(c.publisher)

	c.Processor = collector.NewProcessor(exceptions, c.publisher, cfg.Retry.Policy)
	c.Lifecycle = lifecycle.NewService(exceptions, attempts, validator, c.publisher)
	c.Orchestrator = retry.NewOrchestrator(
		exceptions, attempts, validator, c.publisher,
		executor, lock, cfg.Retry.ResolveOnSuccess,
	)

	if c.redisClient != nil {
		c.consumer = redisclient.NewConsumer(
			c.redisClient,
			cfg.Consumer.Streams,
			cfg.Consumer.Group,
			cfg.Consumer.Consumer,
			c.Processor.HandleMessage,
		)
	}

	checkers := map[string]health.Checker{}
	if c.db != nil {
		checkers["database"] = c.db
	}
	if c.redisClient != nil {
		checkers["redis"] = c.redisClient
	}
	c.healthServer = health.NewServer(cfg.Server.Port, checkers)

	return c, nil
}

// Start launches the consumer and health server.
func (c *Collector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.db != nil {
		c.db.StartMetricsCollector(runCtx)
	}

	go func() {
		if err := c.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health server failed", "error", err)
		}
	}()

	if c.consumer != nil {
		go func() {
			defer close(c.done)
			if err := c.consumer.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Consumer stopped", "error", err)
			}
		}()
	} else {
		close(c.done)
	}

	slog.Info("Collector started", "port", c.cfg.Server.Port)
	return nil
}

// Stop shuts the collector down gracefully.
func (c *Collector) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		slog.Warn("Consumer did not stop before deadline")
	}

	if err := c.healthServer.Stop(ctx); err != nil {
		slog.Error("Failed to stop health server", "error", err)
	}
	if err := c.publisher.Close(); err != nil {
		slog.Error("Failed to close publisher", "error", err)
	}
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}
	return nil
}
