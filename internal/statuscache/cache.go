package statuscache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

// ErrMiss is returned by Cache.Get when no view is cached for a job
var ErrMiss = errors.New("status cache miss")

const (
	// DefaultTTL is used when NewReader is given no ttl
	DefaultTTL = time.Second
	// MaxTTL bounds how long a snapshot read before a transition can outlive its invalidation
	MaxTTL = 5 * time.Second
)

// Cache holds short-lived read projections of job records.
// It is never consulted for correctness; the JobStore is the source of truth.
type Cache interface {
	Get(ctx context.Context, jobID string) (*domain.JobView, error)
	Set(ctx context.Context, view *domain.JobView, ttl time.Duration) error
	Invalidate(ctx context.Context, jobID string) error
}

// Reader serves job status with a read-through cache in front of the store
type Reader struct {
	cache  Cache
	store  domain.JobStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewReader creates a Reader. ttl bounds how stale a served view can be and is
// clamped to MaxTTL.
func NewReader(cache Cache, store domain.JobStore, ttl time.Duration, logger *slog.Logger) *Reader {
	switch {
	case ttl <= 0:
		ttl = DefaultTTL
	case ttl > MaxTTL:
		ttl = MaxTTL
	}
	return &Reader{
		cache:  cache,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Status returns the current view of a job, or domain.ErrJobNotFound
func (r *Reader) Status(ctx context.Context, jobID string) (*domain.JobView, error) {
	view, err := r.cache.Get(ctx, jobID)
	if err == nil {
		return view, nil
	}
	if !errors.Is(err, ErrMiss) {
		r.logger.Warn("Status cache read failed, falling back to store",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view = job.View()
	if err := r.cache.Set(ctx, view, r.ttl); err != nil {
		r.logger.Warn("Failed to populate status cache",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
	return view, nil
}
