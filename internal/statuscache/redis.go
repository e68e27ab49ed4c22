package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache stores JSON-encoded job views with a per-key TTL
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisCache creates a RedisCache. prefix namespaces every key.
func NewRedisCache(rdb redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) key(jobID string) string {
	return c.prefix + "job-status:" + jobID
}

// Get returns the cached view or ErrMiss
func (c *RedisCache) Get(ctx context.Context, jobID string) (*domain.JobView, error) {
	data, err := c.rdb.Get(ctx, c.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached status for job %s: %w", jobID, err)
	}

	var view domain.JobView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("failed to decode cached status for job %s: %w", jobID, err)
	}
	return &view, nil
}

// Set caches view for ttl
func (c *RedisCache) Set(ctx context.Context, view *domain.JobView, ttl time.Duration) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode status for job %s: %w", view.JobID, err)
	}
	if err := c.rdb.Set(ctx, c.key(view.JobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache status for job %s: %w", view.JobID, err)
	}
	return nil
}

// Invalidate drops the cached view of a job
func (c *RedisCache) Invalidate(ctx context.Context, jobID string) error {
	if err := c.rdb.Del(ctx, c.key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate status for job %s: %w", jobID, err)
	}
	return nil
}
