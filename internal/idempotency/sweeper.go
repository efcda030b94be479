package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipemaragno/safewrite/internal/clock"
)

// Store is the slice of the idempotency repository the sweeper needs.
type Store interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// SweeperConfig holds configuration for the retention sweeper.
type SweeperConfig struct {
	// Interval is how often expired records are purged (default: 5m).
	Interval time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: 5 * time.Minute}
}

// Sweeper periodically deletes expired idempotency records. The sweep is the
// only deletion path for completed records; it runs independently of request
// handling.
type Sweeper struct {
	config SweeperConfig
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	stopCh  chan struct{}
	onSwept func(int64)
}

func NewSweeper(store Store, clk clock.Clock, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if config.Interval == 0 {
		config.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		config: config,
		store:  store,
		clock:  clk,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// WithMetrics registers a callback invoked with the number of records each
// sweep deleted.
func (s *Sweeper) WithMetrics(onSwept func(int64)) *Sweeper {
	s.onSwept = onSwept
	return s
}

// Start begins the sweep loop. Blocks until Stop is called or the context is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("idempotency sweeper started", "interval", s.config.Interval)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("idempotency sweeper stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("idempotency sweeper stopping due to stop signal")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.store.Sweep(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("idempotency sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("idempotency sweep completed", "deleted", deleted)
	}
	if s.onSwept != nil && deleted > 0 {
		s.onSwept(deleted)
	}
}
