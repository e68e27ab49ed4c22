package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the token holder may delete or extend a key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLocker implements domain.Locker with SET NX PX and token-checked scripts
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a RedisLocker. prefix namespaces every key.
func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

// Acquire sets key to a fresh token if it is absent
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", domain.ErrLockBusy
	}
	return token, nil
}

// Release deletes key if token still owns it
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.prefix + key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if n == 0 {
		return domain.ErrLockExpired
	}
	return nil
}

// Refresh extends key's TTL if token still owns it
func (l *RedisLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.prefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to refresh lock %s: %w", key, err)
	}
	if n == 0 {
		return domain.ErrLockExpired
	}
	return nil
}
