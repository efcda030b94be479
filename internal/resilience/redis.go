package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter implements distributed rate limiting using Redis sorted
// sets with a sliding window: each delivery is a member scored by its
// timestamp, so the limit holds across a fleet of worker instances.
//
// Algorithm (atomic via Lua):
//  1. Remove entries older than the window
//  2. Count remaining entries
//  3. If count < limit, add new entry and allow
//  4. Otherwise, reject
type RedisRateLimiter struct {
	client   *redis.Client
	window   time.Duration
	fallback *MemoryRateLimiter
	logger   *slog.Logger
}

type RedisRateLimiterConfig struct {
	Window time.Duration // Sliding window size (default: 1 second)
}

func DefaultRedisRateLimiterConfig() RedisRateLimiterConfig {
	return RedisRateLimiterConfig{
		Window: time.Second,
	}
}

// NewRedisRateLimiter creates a Redis-backed rate limiter that degrades to
// in-memory limiting when Redis is unavailable.
func NewRedisRateLimiter(client *redis.Client, config RedisRateLimiterConfig, logger *slog.Logger) *RedisRateLimiter {
	if config.Window == 0 {
		config.Window = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisRateLimiter{
		client:   client,
		window:   config.Window,
		fallback: NewMemoryRateLimiter(DefaultRateLimiterConfig()),
		logger:   logger,
	}
}

// rateLimitScript atomically checks and updates the window.
// Returns 1 if allowed, 0 if rate limited.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return 1
else
    return 0
end
`)

func (r *RedisRateLimiter) Allow(ctx context.Context, endpointID string, limit int) (bool, error) {
	key := fmt.Sprintf("safewrite:ratelimit:%s", endpointID)
	now := time.Now().UnixMilli()
	windowMs := r.window.Milliseconds()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%1000000)

	result, err := rateLimitScript.Run(ctx, r.client, []string{key}, now, windowMs, limit, member).Int()
	if err != nil {
		r.logger.Warn("redis rate limiter failed, using fallback",
			"error", err,
			"endpoint_id", endpointID,
		)
		return r.fallback.Allow(ctx, endpointID, limit)
	}

	return result == 1, nil
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
