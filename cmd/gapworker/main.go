// Command gapworker starts the content-gap aggregation worker.
//
// It consumes gap notations from Kafka — searches the collector marked as
// failed — aggregates them in memory (zero-result vs low-result counts,
// refinement depth, top gap queries), persists periodic snapshots to
// PostgreSQL, and exposes the aggregate at GET /api/v1/gaps for editorial
// dashboards.
//
// Usage:
//
//	go run ./cmd/gapworker [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/gap"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/health"
	"github.com/oaklinehq/content-telemetry/pkg/kafka"
	"github.com/oaklinehq/content-telemetry/pkg/logger"
	"github.com/oaklinehq/content-telemetry/pkg/middleware"
	"github.com/oaklinehq/content-telemetry/pkg/postgres"
)

// main boots the gap worker: it creates a Kafka consumer for gap events,
// starts the in-memory aggregator and the snapshot loop, registers a health
// checker, and serves the HTTP API. Graceful shutdown on SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	snapshotInterval := flag.Duration("snapshot-interval", time.Minute, "how often to persist aggregate snapshots")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting gap worker", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Kafka consumer for gap events. The handler needs the aggregator and
	// the consumer needs the handler, so the consumer is created first with
	// a nil handler and recreated once the aggregator exists.
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ContentGaps, nil)
	aggregator := gap.NewAggregator(consumer)
	consumer = kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ContentGaps, gap.HandleEvent(aggregator))
	aggregator = gap.NewAggregator(consumer)

	go func() {
		if err := aggregator.Start(ctx); err != nil {
			slog.Error("aggregator error", "error", err)
		}
	}()
	slog.Info("gap aggregator started", "topic", cfg.Kafka.Topics.ContentGaps)

	// PostgreSQL snapshots. Optional: without a database the worker still
	// serves the in-memory aggregate.
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, snapshots disabled", "error", err)
	} else {
		defer db.Close()
		snapshots := gap.NewSnapshotStore(db)
		go snapshots.RunSnapshots(ctx, aggregator, *snapshotInterval)
		slog.Info("snapshot loop started", "interval", *snapshotInterval)
	}

	gapHandler := gap.NewHandler(aggregator)

	checker := health.NewChecker()
	checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp, Message: "consumer active"}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/gaps", gapHandler.Stats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("gap worker listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("gap worker stopped")
}
