// Package retry provides the backoff policy for notification delivery.
package retry

import (
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int
}

// DefaultPolicy spaces eight attempts over roughly two hours: 30s, 1m, 2m,
// 4m, ... capped at one hour between attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 30 * time.Second,
		MaxInterval:     1 * time.Hour,
		Multiplier:      2.0,
		Jitter:          0.1,
		MaxAttempts:     8,
	}
}

// CalculateDelay returns the wait before the given attempt (1-based). The
// delay grows by Multiplier per attempt, caps at MaxInterval, and carries a
// symmetric random jitter so notifications scheduled together do not retry
// together.
func (p Policy) CalculateDelay(attempt int) time.Duration {
	delay := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))

	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}

	if p.Jitter > 0 {
		jitterRange := delay * p.Jitter
		jitterOffset := (rand.Float64()*2 - 1) * jitterRange
		delay += jitterOffset
	}

	return time.Duration(delay)
}

func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.CalculateDelay(attempt))
}
