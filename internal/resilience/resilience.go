// Package resilience provides rate limiting and circuit breaker patterns for
// protecting subscriber endpoints from overload and cascading failures.
//
// This package uses:
//   - golang.org/x/time/rate: Token bucket rate limiter from the Go team.
//   - github.com/sony/gobreaker: Circuit breaker implementation by Sony.
package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter gates delivery attempts per endpoint. Implementations may be
// in-memory (single worker) or Redis-backed (worker fleet).
type RateLimiter interface {
	// Allow reports whether a delivery to the endpoint may proceed now.
	Allow(ctx context.Context, endpointID string, limit int) (bool, error)
}

// CircuitBreaker stops deliveries to endpoints that keep failing.
type CircuitBreaker interface {
	Allow(ctx context.Context, endpointID string) (bool, error)
	RecordSuccess(ctx context.Context, endpointID string) error
	RecordFailure(ctx context.Context, endpointID string) error
	State(ctx context.Context, endpointID string) (CircuitState, error)
}

type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half-open"
)

// RateLimiterConfig defines the default per-endpoint rate.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         10,
	}
}

// MemoryRateLimiter maintains per-endpoint token buckets, created lazily.
// Each endpoint gets an independent limiter so one slow destination cannot
// starve the rest.
type MemoryRateLimiter struct {
	config   RateLimiterConfig
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewMemoryRateLimiter(config RateLimiterConfig) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *MemoryRateLimiter) limiter(endpointID string, limit int) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[endpointID]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[endpointID]; exists {
		return limiter
	}

	rps := float64(limit)
	burst := limit/10 + 1
	if limit <= 0 {
		rps = m.config.RequestsPerSecond
		burst = m.config.BurstSize
	}
	limiter = rate.NewLimiter(rate.Limit(rps), burst)
	m.limiters[endpointID] = limiter
	return limiter
}

func (m *MemoryRateLimiter) Allow(ctx context.Context, endpointID string, limit int) (bool, error) {
	return m.limiter(endpointID, limit).Allow(), nil
}

// Remove deletes the limiter for an endpoint, freeing memory.
// Should be called when an endpoint is deleted.
func (m *MemoryRateLimiter) Remove(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, endpointID)
}

