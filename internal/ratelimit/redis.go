package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// admitScript increments the window counter, starts the window on the first
// hit, and returns the count and the remaining window in milliseconds.
var admitScript = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisWindow shares a fixed window of limit calls per period across processes.
type RedisWindow struct {
	client  goredis.UniversalClient
	key     string
	limit   int64
	period  time.Duration
	minWait time.Duration
}

// NewRedisWindow creates a shared limiter stored under key.
func NewRedisWindow(client goredis.UniversalClient, key string, limit int, period time.Duration) (*RedisWindow, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if limit <= 0 || period <= 0 {
		return nil, errors.New("limit and period must be positive")
	}
	if key == "" {
		key = "ratelimit:default"
	}
	return &RedisWindow{
		client:  client,
		key:     key,
		limit:   int64(limit),
		period:  period,
		minWait: 10 * time.Millisecond,
	}, nil
}

// Admit blocks until the shared window has room or ctx ends.
func (w *RedisWindow) Admit(ctx context.Context) error {
	start := time.Now()
	for {
		res, err := admitScript.Run(ctx, w.client, []string{w.key}, w.period.Milliseconds()).Int64Slice()
		if err != nil {
			return fmt.Errorf("rate limit admit: %w", err)
		}
		if len(res) != 2 {
			return fmt.Errorf("rate limit admit: unexpected reply %v", res)
		}
		if res[0] <= w.limit {
			if waited := time.Since(start); waited > time.Millisecond {
				telemetry.ObserveRateLimitDelay(w.key, waited)
			}
			return nil
		}
		wait := time.Duration(res[1]) * time.Millisecond
		if wait < w.minWait {
			wait = w.minWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
