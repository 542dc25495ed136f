// Command collector starts the telemetry collector service.
//
// The collector is the server half of the pipeline: it accepts view and
// search events from the embedded client SDK, persists them in PostgreSQL,
// serves prefix suggestions from a Redis-backed cache, and forwards
// content-gap notations to Kafka for the gap worker. Requests are
// authenticated with per-application API keys and rate limited per key.
//
// Usage:
//
//	go run ./cmd/collector [-config configs/development.yaml]
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

	"github.com/oaklinehq/content-telemetry/internal/auth/apikey"
	"github.com/oaklinehq/content-telemetry/internal/auth/ratelimit"
	"github.com/oaklinehq/content-telemetry/internal/collector/handler"
	"github.com/oaklinehq/content-telemetry/internal/collector/router"
	"github.com/oaklinehq/content-telemetry/internal/collector/storage"
	"github.com/oaklinehq/content-telemetry/internal/collector/suggest"
	"github.com/oaklinehq/content-telemetry/internal/gap"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/health"
	"github.com/oaklinehq/content-telemetry/pkg/kafka"
	"github.com/oaklinehq/content-telemetry/pkg/logger"
	"github.com/oaklinehq/content-telemetry/pkg/metrics"
	"github.com/oaklinehq/content-telemetry/pkg/postgres"
	"github.com/oaklinehq/content-telemetry/pkg/redis"
)

// main initialises PostgreSQL, Redis, the Kafka gap producer, the API-key
// validator, and the full handler + middleware chain, then serves until
// SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting collector service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// PostgreSQL — event storage and API key validation.
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	store := storage.New(db)

	// Redis — suggestion cache. Optional: the suggest service falls back to
	// PostgreSQL when the client is nil.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, suggestions will not be cached", "error", err)
		} else {
			defer redisClient.Close()
			slog.Info("connected to redis", "addr", cfg.Redis.Addr)
		}
	}

	m := metrics.New()
	suggestions := suggest.New(store, redisClient, cfg.Redis, m)

	// Kafka — content-gap forwarding. Optional: with no brokers configured
	// gap records are accepted and dropped.
	var gaps handler.GapRecorder
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ContentGaps)
		defer producer.Close()
		gaps = gap.NewPublisher(producer)
		slog.Info("gap publisher ready", "topic", cfg.Kafka.Topics.ContentGaps)
	}

	// Auth + rate limiting.
	validator := apikey.NewValidator(db)
	limiter := ratelimit.New(time.Minute)
	defer limiter.Close()

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	if redisClient != nil {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := redisClient.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	h := handler.New(store, suggestions, gaps, m)

	routerCfg := router.Config{}
	if cfg.Server.AdminToken != "" {
		routerCfg.Admin = handler.NewAdmin(validator, cfg.Server.AdminToken)
	}

	chain := router.New(h, checker, validator, limiter, m, routerCfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var stopMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		stopMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if stopMetrics != nil {
			if err := stopMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
	}()

	slog.Info("collector service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("collector service stopped")
}
