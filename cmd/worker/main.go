// Delivery worker: leases due notifications from the queue and delivers them
// to subscriber endpoints. Claims are taken with row locks, so any number of
// instances can run side by side; Redis-backed rate limiting keeps the
// per-endpoint limits shared across instances when REDIS_URL is set.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/safewrite/internal/clock"
	"github.com/felipemaragno/safewrite/internal/config"
	"github.com/felipemaragno/safewrite/internal/observability"
	"github.com/felipemaragno/safewrite/internal/repository/postgres"
	"github.com/felipemaragno/safewrite/internal/resilience"
	"github.com/felipemaragno/safewrite/internal/retry"
	"github.com/felipemaragno/safewrite/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MinConns = cfg.DBMaxConns / 3

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	notificationRepo := postgres.NewNotificationRepository(pool)
	endpointRepo := postgres.NewEndpointRepository(pool)

	metrics := observability.NewMetrics("safewrite_worker")

	var rateLimiter resilience.RateLimiter
	circuitBreaker := resilience.NewMemoryCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	circuitBreaker.OnStateChange(func(endpointID string, from, to resilience.CircuitState) {
		logger.Warn("circuit breaker state change",
			"endpoint_id", endpointID,
			"from", from,
			"to", to,
		)
		var v float64
		switch to {
		case resilience.CircuitStateOpen:
			v = 1
		case resilience.CircuitStateHalfOpen:
			v = 2
		}
		metrics.CircuitBreakerState.WithLabelValues(endpointID).Set(v)
	})

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(opt)

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, using in-memory rate limiting", "error", err)
			rateLimiter = resilience.NewMemoryRateLimiter(resilience.DefaultRateLimiterConfig())
		} else {
			logger.Info("connected to Redis", "url", cfg.RedisURL)
			rateLimiter = resilience.NewRedisRateLimiter(redisClient, resilience.DefaultRedisRateLimiterConfig(), logger)
		}
	} else {
		logger.Info("REDIS_URL not set, using in-memory rate limiting")
		rateLimiter = resilience.NewMemoryRateLimiter(resilience.DefaultRateLimiterConfig())
	}

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.InitialInterval = cfg.RetryInitialInterval
	retryPolicy.MaxInterval = cfg.RetryMaxInterval
	retryPolicy.MaxAttempts = cfg.MaxDeliveryAttempts

	workerPool := worker.NewPool(
		worker.Config{
			Concurrency:    cfg.DeliveryConcurrency,
			PollInterval:   cfg.DeliveryPollInterval,
			BatchSize:      cfg.DeliveryBatchSize,
			Timeout:        cfg.DeliveryTimeout,
			StuckThreshold: cfg.StuckThreshold,
		},
		notificationRepo,
		endpointRepo,
		&http.Client{Timeout: cfg.DeliveryTimeout},
		clock.RealClock{},
		retryPolicy,
		logger,
	).WithMetrics(metrics).WithResilience(rateLimiter, circuitBreaker)

	workerPool.Start(ctx)

	logger.Info("worker started",
		"concurrency", cfg.DeliveryConcurrency,
		"batch_size", cfg.DeliveryBatchSize,
		"poll_interval", cfg.DeliveryPollInterval,
		"max_attempts", cfg.MaxDeliveryAttempts,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	workerPool.Stop()

	_ = shutdownCtx

	logger.Info("shutdown complete")
}
