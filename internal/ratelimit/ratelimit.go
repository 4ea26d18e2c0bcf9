// Package ratelimit provides an atomic fixed-window limiter backed by
// Redis. It guards the test-send endpoint, where each editor gets a
// bounded number of proofs per hour.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// Limiter enforces a per-key fixed-window quota. The check and the
// increment run in one Lua script so concurrent callers cannot race a
// GET past the limit.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script

	limit  int
	window time.Duration
	prefix string
}

// The script increments only when the counter is still under the
// limit, and sets the window TTL on first increment.
const fixedWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")

if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// New creates a limiter allowing limit operations per window under the
// given key prefix.
func New(client *redis.Client, prefix string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		redis:  client,
		script: redis.NewScript(fixedWindowScript),
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

// NewFromURL connects to Redis and builds a limiter.
func NewFromURL(redisURL, prefix string, limit int, window time.Duration) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return New(client, prefix, limit, window), nil
}

// bucketKey pins each key to its current window so expiry and key
// rotation agree on the boundary.
func (l *Limiter) bucketKey(key string, now time.Time) string {
	bucket := now.Unix() / int64(l.window.Seconds())
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)
}

// IsAllowed atomically consumes one unit of the key's quota. It returns
// false when the window is exhausted.
func (l *Limiter) IsAllowed(ctx context.Context, key string) (bool, error) {
	now := time.Now()

	result, err := l.script.Run(ctx, l.redis,
		[]string{l.bucketKey(key, now)},
		l.limit,
		int(l.window.Seconds())+60,
	).Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	if !allowed {
		logger.Warn("rate limit exceeded", "key", key, "limit", l.limit)
	}
	return allowed, nil
}

// Remaining reports the unconsumed quota in the current window without
// consuming any.
func (l *Limiter) Remaining(ctx context.Context, key string) (int, error) {
	current, err := l.redis.Get(ctx, l.bucketKey(key, time.Now())).Int()
	if err == redis.Nil {
		return l.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit read failed: %w", err)
	}
	remaining := l.limit - current
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetAt returns when the current window rolls over for a key.
func (l *Limiter) ResetAt() time.Time {
	now := time.Now()
	windowSec := int64(l.window.Seconds())
	bucket := now.Unix() / windowSec
	return time.Unix((bucket+1)*windowSec, 0)
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}
