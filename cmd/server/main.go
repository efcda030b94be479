// API server: operator surface (endpoint registration, dead-letter tooling),
// health and metrics, plus the idempotency retention sweeper.
//
// The mutation coordinator is wired here so a host application embedding this
// service routes its writes through mutation.Coordinator.Execute; the domain
// routes themselves live with the host.
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

	"github.com/felipemaragno/safewrite/internal/api"
	"github.com/felipemaragno/safewrite/internal/clock"
	"github.com/felipemaragno/safewrite/internal/config"
	"github.com/felipemaragno/safewrite/internal/idempotency"
	"github.com/felipemaragno/safewrite/internal/mutation"
	"github.com/felipemaragno/safewrite/internal/observability"
	"github.com/felipemaragno/safewrite/internal/repository/postgres"
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

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	recordRepo := postgres.NewIdempotencyRepository(pool)
	notificationRepo := postgres.NewNotificationRepository(pool)
	endpointRepo := postgres.NewEndpointRepository(pool)
	txRunner := postgres.NewTxRunner(pool)

	metrics := observability.NewMetrics("safewrite")
	healthHandler := observability.NewHealthHandler(pool)

	// The coordinator is the write-path entrypoint for host applications
	// embedding this service; their routes call Execute.
	coordinator := mutation.NewCoordinator(
		mutation.Config{
			EnforcePreconditions: cfg.EnforcePreconditions,
			IdempotencyTTL:       cfg.IdempotencyTTL,
			MaxDeliveryAttempts:  cfg.MaxDeliveryAttempts,
		},
		recordRepo,
		notificationRepo,
		endpointRepo,
		txRunner,
		clock.RealClock{},
		logger,
	).WithMetrics(metrics)

	sweeper := idempotency.NewSweeper(
		recordRepo,
		clock.RealClock{},
		idempotency.SweeperConfig{Interval: cfg.SweepInterval},
		logger,
	).WithMetrics(func(n int64) { metrics.IdempotencyRecordsSwept.Add(float64(n)) })
	go sweeper.Start(ctx)

	handler := api.NewHandler(endpointRepo, notificationRepo, clock.RealClock{}, logger).
		WithCoordinator(coordinator)
	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sweeper.Stop()
	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}
