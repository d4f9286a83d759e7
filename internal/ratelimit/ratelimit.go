// Package ratelimit enforces per-identifier budgets with a fixed window
// counter in Redis, shared by every worker instance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Limiter answers whether an identifier may perform one more operation.
type Limiter interface {
	Allow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error)
	Usage(ctx context.Context, identifier string) (int, error)
}

// RedisLimiter counts operations per identifier in a fixed window. The
// counter increments before the limit check, so rejected attempts still
// consume budget (fail-counted, not fail-silent).
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "reviewpilot:rate"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

func (l *RedisLimiter) key(identifier string) string {
	return l.prefix + ":" + identifier
}

// Allow increments the identifier's counter and reports whether the
// post-increment count is within limit. The first increment of a window
// arms the window expiry.
func (l *RedisLimiter) Allow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error) {
	key := l.key(identifier)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("rate expire: %w", err)
		}
	}
	return count <= int64(limit), nil
}

// Usage returns the current count for the identifier's window.
func (l *RedisLimiter) Usage(ctx context.Context, identifier string) (int, error) {
	val, err := l.client.Get(ctx, l.key(identifier)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate usage: %w", err)
	}
	return val, nil
}
