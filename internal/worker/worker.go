// Package worker implements the outbound notification delivery engine.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Worker 1  │     │   Worker 2  │     │   Worker N  │
//	└──────┬──────┘     └──────┬──────┘     └──────┬──────┘
//	       │                   │                   │
//	       └───────────────────┼───────────────────┘
//	                           │
//	                    ┌──────▼──────┐
//	                    │ Notif. Repo │  (FOR UPDATE SKIP LOCKED)
//	                    └──────┬──────┘
//	                           │
//	                    ┌──────▼──────┐
//	                    │  PostgreSQL │
//	                    └─────────────┘
//
// The Pool polls the queue and claims due notifications atomically, so any
// number of instances can run without double-delivering. Claimed
// notifications are grouped by endpoint: groups are delivered concurrently,
// each group sequentially, which preserves a subscriber's event order as far
// as retries allow. A crashed instance's claims are released back to the
// queue after a threshold.
package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felipemaragno/safewrite/internal/clock"
	"github.com/felipemaragno/safewrite/internal/domain"
	"github.com/felipemaragno/safewrite/internal/observability"
	"github.com/felipemaragno/safewrite/internal/repository"
	"github.com/felipemaragno/safewrite/internal/resilience"
	"github.com/felipemaragno/safewrite/internal/retry"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex-encoded
// and prefixed with "sha256=". Subscribers verify it with their shared secret.
const SignatureHeader = "X-Safewrite-Signature"

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines delivery pool parameters.
//
// Concurrency: Maximum endpoint groups delivered in parallel per cycle.
// PollInterval: How often to check for due notifications.
// BatchSize: Maximum notifications to claim per poll.
// Timeout: HTTP request timeout for a single delivery attempt.
// StuckThreshold: Age at which a claimed-but-unresolved notification is
// returned to the queue.
type Config struct {
	Concurrency    int
	PollInterval   time.Duration
	BatchSize      int
	Timeout        time.Duration
	StuckThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    10,
		PollInterval:   time.Second,
		BatchSize:      50,
		Timeout:        10 * time.Second,
		StuckThreshold: 5 * time.Minute,
	}
}

// Pool manages delivery goroutines. Use NewPool to create, then Start to
// begin processing and Stop for graceful shutdown.
type Pool struct {
	config      Config
	queue       repository.NotificationRepository
	endpoints   repository.EndpointRepository
	httpClient  HTTPClient
	clock       clock.Clock
	retryPolicy retry.Policy
	logger      *slog.Logger
	metrics     *observability.Metrics

	rateLimiter    resilience.RateLimiter
	circuitBreaker resilience.CircuitBreaker

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a delivery pool with the given dependencies.
// Use WithMetrics and WithResilience to add optional features.
func NewPool(
	config Config,
	queue repository.NotificationRepository,
	endpoints repository.EndpointRepository,
	httpClient HTTPClient,
	clk clock.Clock,
	retryPolicy retry.Policy,
	logger *slog.Logger,
) *Pool {
	if config.Concurrency == 0 {
		config.Concurrency = 10
	}
	if config.StuckThreshold == 0 {
		config.StuckThreshold = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		config:      config,
		queue:       queue,
		endpoints:   endpoints,
		httpClient:  httpClient,
		clock:       clk,
		retryPolicy: retryPolicy,
		logger:      logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Pool) WithMetrics(m *observability.Metrics) *Pool {
	p.metrics = m
	return p
}

// WithResilience enables rate limiting and circuit breaker protection for
// destination endpoints. Accepts the interfaces, so both in-memory and
// Redis-backed implementations work.
func (p *Pool) WithResilience(rl resilience.RateLimiter, cb resilience.CircuitBreaker) *Pool {
	p.rateLimiter = rl
	p.circuitBreaker = cb
	return p
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("delivery pool started",
		"concurrency", p.config.Concurrency,
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("delivery pool stopped")
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	reclaim := time.NewTicker(p.config.StuckThreshold)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("delivery loop shutting down")
			return
		case <-reclaim.C:
			p.releaseStuck(ctx)
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Pool) releaseStuck(ctx context.Context) {
	released, err := p.queue.ReleaseStuck(ctx, p.clock.Now().Add(-p.config.StuckThreshold))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to release stuck notifications", "error", err)
		}
		return
	}
	if released > 0 {
		p.logger.Warn("released stuck notifications back to queue", "count", released)
	}
}

// cycle claims one batch and delivers it, one goroutine per endpoint so a
// subscriber's notifications go out in enqueue order.
func (p *Pool) cycle(ctx context.Context) {
	batch, err := p.queue.LeaseBatch(ctx, p.config.BatchSize, p.clock.Now())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to lease notifications", "error", err)
		}
		return
	}
	if len(batch) == 0 {
		return
	}

	groups := make(map[string][]*domain.Notification)
	var order []string
	for _, n := range batch {
		if _, seen := groups[n.EndpointID]; !seen {
			order = append(order, n.EndpointID)
		}
		groups[n.EndpointID] = append(groups[n.EndpointID], n)
	}

	sem := make(chan struct{}, p.config.Concurrency)
	var wg sync.WaitGroup
	for _, endpointID := range order {
		group := groups[endpointID]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.deliverGroup(ctx, group)
		}()
	}
	wg.Wait()
}

func (p *Pool) deliverGroup(ctx context.Context, group []*domain.Notification) {
	for _, n := range group {
		if ctx.Err() != nil {
			return
		}
		p.deliver(ctx, n)
	}
}

var errRateLimited = errors.New("rate limited")
var errCircuitOpen = errors.New("circuit breaker is open")

func (p *Pool) deliver(ctx context.Context, n *domain.Notification) {
	endpoint, err := p.endpoints.GetByID(ctx, n.TenantID, n.EndpointID)
	if errors.Is(err, domain.ErrNotFound) {
		// No destination to deliver to. Dead-letter rather than retrying
		// forever against a deleted endpoint.
		n.MarkDead(p.clock.Now(), fmt.Sprintf("endpoint not found: %v", err))
		p.update(ctx, n, p.queue.MarkDead)
		p.recordMetricDead()
		return
	}
	if err != nil {
		// The endpoint may still exist; the lookup itself failed. Requeue
		// with a short delay and no attempt increment so the next cycle
		// retries once the store recovers.
		now := p.clock.Now()
		n.Reschedule(now, now.Add(time.Second))
		p.logger.Warn("endpoint lookup failed, requeueing",
			"notification_id", n.ID,
			"endpoint_id", n.EndpointID,
			"error", err.Error(),
		)
		p.update(ctx, n, p.queue.MarkRetry)
		return
	}
	if !endpoint.Active {
		n.MarkDead(p.clock.Now(), "endpoint deactivated")
		p.update(ctx, n, p.queue.MarkDead)
		p.recordMetricDead()
		return
	}

	err = p.attempt(ctx, n, endpoint)
	if err == nil {
		n.MarkDelivered(p.clock.Now())
		p.update(ctx, n, p.queue.MarkDelivered)
		p.recordMetricDelivered()
		return
	}

	// Backpressure is not a delivery failure: requeue with a short delay and
	// no attempt increment.
	if errors.Is(err, errRateLimited) || errors.Is(err, errCircuitOpen) {
		now := p.clock.Now()
		n.Reschedule(now, now.Add(time.Second))
		p.logger.Debug("notification throttled",
			"notification_id", n.ID,
			"endpoint_id", n.EndpointID,
			"reason", err.Error(),
		)
		p.update(ctx, n, p.queue.MarkRetry)
		return
	}

	if n.CanRetry() {
		now := p.clock.Now()
		nextAttempt := p.retryPolicy.NextAttemptTime(now, n.AttemptCount+1)
		n.MarkRetrying(now, nextAttempt, err.Error())
		p.logger.Info("scheduling delivery retry",
			"notification_id", n.ID,
			"endpoint_id", n.EndpointID,
			"attempt", n.AttemptCount,
			"next_attempt_at", nextAttempt,
		)
		p.update(ctx, n, p.queue.MarkRetry)
		p.recordMetricRetrying()
	} else {
		n.MarkDead(p.clock.Now(), err.Error())
		p.logger.Warn("notification dead-lettered",
			"notification_id", n.ID,
			"endpoint_id", n.EndpointID,
			"attempts", n.AttemptCount,
			"error", err.Error(),
		)
		p.update(ctx, n, p.queue.MarkDead)
		p.recordMetricDead()
	}
}

func (p *Pool) attempt(ctx context.Context, n *domain.Notification, endpoint *domain.Endpoint) error {
	if p.rateLimiter != nil {
		allowed, rlErr := p.rateLimiter.Allow(ctx, endpoint.ID, endpoint.RateLimit)
		if rlErr != nil {
			p.logger.Warn("rate limiter error", "error", rlErr, "endpoint_id", endpoint.ID)
		}
		if !allowed {
			if p.metrics != nil {
				p.metrics.RateLimiterRejections.WithLabelValues(endpoint.ID).Inc()
			}
			return errRateLimited
		}
	}

	if p.circuitBreaker != nil {
		allowed, cbErr := p.circuitBreaker.Allow(ctx, endpoint.ID)
		if cbErr != nil {
			p.logger.Warn("circuit breaker error", "error", cbErr, "endpoint_id", endpoint.ID)
		}
		if !allowed {
			return errCircuitOpen
		}
	}

	start := p.clock.Now()

	body, err := p.buildBody(n)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Safewrite-Notification-ID", n.ID)
	req.Header.Set("X-Safewrite-Event-Type", n.EventType)

	if endpoint.Secret != nil && *endpoint.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+computeSignature(body, *endpoint.Secret))
	}

	resp, err := p.httpClient.Do(req)

	if p.circuitBreaker != nil {
		if err != nil || (resp != nil && resp.StatusCode >= 500) {
			p.circuitBreaker.RecordFailure(ctx, endpoint.ID)
		} else if resp != nil {
			p.circuitBreaker.RecordSuccess(ctx, endpoint.ID)
		}
	}
	duration := p.clock.Now().Sub(start)
	p.recordMetricAttempt(duration)

	attempt := &domain.DeliveryAttempt{
		NotificationID: n.ID,
		AttemptNumber:  n.AttemptCount + 1,
		DurationMs:     int(duration.Milliseconds()),
	}

	if err != nil {
		errStr := err.Error()
		attempt.Error = &errStr
		p.recordAttempt(ctx, attempt)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	attempt.StatusCode = &resp.StatusCode

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if len(respBody) > 0 {
		bodyStr := string(respBody)
		attempt.ResponseBody = &bodyStr
	}

	p.recordAttempt(ctx, attempt)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.logger.Debug("delivery successful",
			"notification_id", n.ID,
			"endpoint_id", endpoint.ID,
			"status_code", resp.StatusCode,
			"duration_ms", attempt.DurationMs,
		)
		return nil
	}

	return fmt.Errorf("delivery failed with status %d", resp.StatusCode)
}

// deliveryBody is the envelope subscribers receive.
type deliveryBody struct {
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func (p *Pool) buildBody(n *domain.Notification) ([]byte, error) {
	return json.Marshal(deliveryBody{
		EventType:  n.EventType,
		OccurredAt: n.CreatedAt.UTC().Format(time.RFC3339),
		Payload:    n.Payload,
	})
}

func computeSignature(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Pool) recordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) {
	if err := p.queue.RecordAttempt(ctx, attempt); err != nil {
		p.logger.Error("failed to record attempt", "error", err, "notification_id", attempt.NotificationID)
	}
}

func (p *Pool) update(ctx context.Context, n *domain.Notification, fn func(context.Context, *domain.Notification) error) {
	if err := fn(ctx, n); err != nil {
		p.logger.Error("failed to update notification status", "error", err, "notification_id", n.ID)
	}
}

func (p *Pool) recordMetricDelivered() {
	if p.metrics != nil {
		p.metrics.NotificationsDelivered.Inc()
	}
}

func (p *Pool) recordMetricRetrying() {
	if p.metrics != nil {
		p.metrics.NotificationsRetrying.Inc()
	}
}

func (p *Pool) recordMetricDead() {
	if p.metrics != nil {
		p.metrics.NotificationsDead.Inc()
	}
}

func (p *Pool) recordMetricAttempt(duration time.Duration) {
	if p.metrics != nil {
		p.metrics.DeliveryAttempts.Inc()
		p.metrics.DeliveryDuration.Observe(duration.Seconds())
	}
}
