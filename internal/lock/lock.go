// Package lock provides a Redis-backed mutual-exclusion primitive with
// TTL auto-expiry, used to keep two workers off the same pull request.
package lock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder can block a resource.
const DefaultTTL = 5 * time.Minute

// releaseScript deletes the lock only when the caller still owns it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Manager acquires and releases per-resource locks.
type Manager interface {
	Acquire(ctx context.Context, resourceKey string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, resourceKey, token string) error
}

// RedisLock implements Manager on a shared Redis instance so the guarantee
// holds across worker processes.
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock creates a lock manager on an existing client.
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "reviewpilot:lock"
	}
	return &RedisLock{client: client, prefix: prefix}
}

func (l *RedisLock) key(resource string) string {
	return l.prefix + ":" + resource
}

// Acquire attempts a single atomic test-and-set. It never blocks or
// retries; ok reports whether this caller now holds the lock. The returned
// token must be presented on Release.
func (l *RedisLock) Acquire(ctx context.Context, resourceKey string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(resourceKey), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release clears the lock when the token matches the current holder.
// A mismatched or absent token is a no-op logged as a warning, so a holder
// that lost its lock to TTL expiry cannot clear a successor's lock.
func (l *RedisLock) Release(ctx context.Context, resourceKey, token string) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key(resourceKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		log.Printf("[LOCK] release ignored for %s: token no longer current", resourceKey)
	}
	return nil
}

// ForceRelease unconditionally clears a lock regardless of holder.
// Operator escape hatch for crash recovery; idempotent.
func (l *RedisLock) ForceRelease(ctx context.Context, resourceKey string) error {
	if err := l.client.Del(ctx, l.key(resourceKey)).Err(); err != nil {
		return fmt.Errorf("force release lock: %w", err)
	}
	return nil
}
