package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the maximum number of requests allowed in half-open state.
// Interval is the cyclic period for clearing internal counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure percentage threshold to trip the breaker (0.0-1.0).
// MinRequests is the minimum requests needed before failure ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

// MemoryCircuitBreaker maintains per-endpoint breakers so a single failing
// destination does not affect deliveries to healthy ones.
//
// State transitions:
//
//	[Closed] ---(failure threshold reached)---> [Open]
//	[Open] ---(timeout expires)---> [Half-Open]
//	[Half-Open] ---(success)---> [Closed]
//	[Half-Open] ---(failure)---> [Open]
type MemoryCircuitBreaker struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	pending  map[string]func(bool)
	mu       sync.RWMutex

	onStateChange func(endpointID string, from, to CircuitState)
}

func NewMemoryCircuitBreaker(config CircuitBreakerConfig) *MemoryCircuitBreaker {
	return &MemoryCircuitBreaker{
		config:   config,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		pending:  make(map[string]func(bool)),
	}
}

// OnStateChange registers a callback for breaker state transitions.
// Used to emit metrics and logs when breakers open or close.
func (m *MemoryCircuitBreaker) OnStateChange(fn func(endpointID string, from, to CircuitState)) {
	m.onStateChange = fn
}

func (m *MemoryCircuitBreaker) breaker(endpointID string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[endpointID]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[endpointID]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        endpointID,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewTwoStepCircuitBreaker(settings)
	m.breakers[endpointID] = cb
	return cb
}

// Allow reports whether a delivery may proceed. The outcome of the attempt
// must be reported with RecordSuccess or RecordFailure; the pending report
// is kept per endpoint so the two-step protocol works across calls.
func (m *MemoryCircuitBreaker) Allow(ctx context.Context, endpointID string) (bool, error) {
	done, err := m.breaker(endpointID).Allow()
	if err != nil {
		return false, nil // open breaker: reject without error
	}
	m.stashDone(endpointID, done)
	return true, nil
}

func (m *MemoryCircuitBreaker) RecordSuccess(ctx context.Context, endpointID string) error {
	if done := m.takeDone(endpointID); done != nil {
		done(true)
	}
	return nil
}

func (m *MemoryCircuitBreaker) RecordFailure(ctx context.Context, endpointID string) error {
	if done := m.takeDone(endpointID); done != nil {
		done(false)
	}
	return nil
}

func (m *MemoryCircuitBreaker) State(ctx context.Context, endpointID string) (CircuitState, error) {
	return toState(m.breaker(endpointID).State()), nil
}

// Remove deletes the breaker for an endpoint, freeing memory.
func (m *MemoryCircuitBreaker) Remove(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, endpointID)
	delete(m.pending, endpointID)
}

// stashDone keeps the two-step report callback until the attempt outcome is
// known. Deliveries to one endpoint are sequential, so one slot suffices.
func (m *MemoryCircuitBreaker) stashDone(endpointID string, done func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[endpointID] = done
}

func (m *MemoryCircuitBreaker) takeDone(endpointID string) func(bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := m.pending[endpointID]
	delete(m.pending, endpointID)
	return done
}

func toState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateClosed:
		return CircuitStateClosed
	case gobreaker.StateOpen:
		return CircuitStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}
