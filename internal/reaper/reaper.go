package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

// Config holds reaper configuration
type Config struct {
	Logger   *slog.Logger
	Store    domain.JobStore
	Queue    domain.Queue
	Locker   domain.Locker
	Cache    domain.StatusInvalidator
	Notifier domain.Notifier
	// Interval between sweeps
	Interval time.Duration
	// StaleAfter is how long a job may stay PROCESSING before its worker is presumed dead
	StaleAfter time.Duration
	// PendingAfter is how long a PENDING or RETRYING job may go untouched before it is re-enqueued
	PendingAfter time.Duration
	MaxRetries   int
	LockTTL      time.Duration
	BatchSize    int
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Stale     int
	Orphaned  int
	Recovered int
	Skipped   int
	Errors    int
}

// Reaper periodically returns crashed or orphaned jobs to the queue
type Reaper struct {
	logger       *slog.Logger
	store        domain.JobStore
	queue        domain.Queue
	locker       domain.Locker
	cache        domain.StatusInvalidator
	notifier     domain.Notifier
	interval     time.Duration
	staleAfter   time.Duration
	pendingAfter time.Duration
	maxRetries   int
	lockTTL      time.Duration
	batchSize    int
	now          func() time.Time
	sweepMu      sync.Mutex
}

// New creates a Reaper
func New(cfg *Config) *Reaper {
	r := &Reaper{
		logger:       cfg.Logger,
		store:        cfg.Store,
		queue:        cfg.Queue,
		locker:       cfg.Locker,
		cache:        cfg.Cache,
		notifier:     cfg.Notifier,
		interval:     cfg.Interval,
		staleAfter:   cfg.StaleAfter,
		pendingAfter: cfg.PendingAfter,
		maxRetries:   cfg.MaxRetries,
		lockTTL:      cfg.LockTTL,
		batchSize:    cfg.BatchSize,
		now:          time.Now,
	}

	if r.interval <= 0 {
		r.interval = time.Minute
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 5 * time.Minute
	}
	if r.maxRetries <= 0 {
		r.maxRetries = 3
	}
	if r.lockTTL <= 0 {
		r.lockTTL = 30 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	return r
}

// Run sweeps once immediately and then on every interval until ctx is canceled
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("Starting stale-job reaper",
		slog.Duration("interval", r.interval),
		slog.Duration("stale_after", r.staleAfter),
		slog.Duration("pending_after", r.pendingAfter),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.sweepAndLog(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped - context canceled")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	result, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("Reaper sweep failed",
			slog.Any("error", err),
		)
		return
	}
	if result.Stale+result.Orphaned == 0 {
		r.logger.Debug("Reaper sweep found nothing to recover")
		return
	}
	r.logger.Info("Reaper sweep finished",
		slog.Int("stale", result.Stale),
		slog.Int("orphaned", result.Orphaned),
		slog.Int("recovered", result.Recovered),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
	)
}

// Sweep finds and recovers stale and orphaned jobs. An overlapping call returns immediately.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if !r.sweepMu.TryLock() {
		r.logger.Debug("Reaper sweep already in progress, skipping")
		return result, nil
	}
	defer r.sweepMu.Unlock()

	stale, err := r.FindStale(ctx)
	if err != nil {
		return result, err
	}
	result.Stale = len(stale)

	var orphaned []string
	if r.pendingAfter > 0 {
		orphaned, err = r.FindOrphaned(ctx)
		if err != nil {
			return result, err
		}
		result.Orphaned = len(orphaned)
	}

	for _, jobID := range append(stale, orphaned...) {
		err := r.Recover(ctx, jobID)
		switch {
		case err == nil:
			result.Recovered++
		case errors.Is(err, domain.ErrLockBusy), errors.Is(err, domain.ErrSkipUpdate):
			result.Skipped++
		default:
			result.Errors++
			r.logger.Error("Failed to recover job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}
	return result, nil
}

// FindStale returns ids of PROCESSING jobs whose processing started before the staleness threshold
func (r *Reaper) FindStale(ctx context.Context) ([]string, error) {
	jobs, err := r.store.Find(ctx, domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusProcessing},
		StartedBefore: r.now().Add(-r.staleAfter),
		Limit:         r.batchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find stale jobs: %w", err)
	}
	return ids(jobs), nil
}

// FindOrphaned returns ids of PENDING or RETRYING jobs nobody has touched within PendingAfter
func (r *Reaper) FindOrphaned(ctx context.Context) ([]string, error) {
	jobs, err := r.store.Find(ctx, domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusPending, domain.JobStatusRetrying},
		UpdatedBefore: r.now().Add(-r.pendingAfter),
		Limit:         r.batchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned jobs: %w", err)
	}
	return ids(jobs), nil
}

func ids(jobs []domain.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

// Recover corrects one stale or orphaned job and re-enqueues it.
// It returns domain.ErrLockBusy when a live worker owns the job and
// domain.ErrSkipUpdate when the job is no longer stale.
func (r *Reaper) Recover(ctx context.Context, jobID string) error {
	lockKey := domain.LockKey(jobID)
	token, err := r.locker.Acquire(ctx, lockKey, r.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil && !errors.Is(err, domain.ErrLockExpired) {
			r.logger.Warn("Failed to release job lock after recovery",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}()

	now := r.now()
	staleCutoff := now.Add(-r.staleAfter)
	pendingCutoff := now.Add(-r.pendingAfter)

	job, err := r.store.Update(ctx, jobID, func(j *domain.Job) error {
		switch {
		case j.Status == domain.JobStatusProcessing && j.ProcessingStartedAt != nil && j.ProcessingStartedAt.Before(staleCutoff):
			crash := fmt.Errorf("%w: processing started at %s", domain.ErrStaleJob, j.ProcessingStartedAt.UTC().Format(time.RFC3339))
			j.RetryCount++
			j.LastError = crash.Error()
			j.ProcessingStartedAt = nil
			if j.CanRetry(r.maxRetries) {
				j.Status = domain.JobStatusRetrying
				return nil
			}
			failedAt := now.UTC()
			j.Status = domain.JobStatusFailed
			j.FailedAt = &failedAt
			return nil

		case r.pendingAfter > 0 && (j.Status == domain.JobStatusPending || j.Status == domain.JobStatusRetrying) && j.UpdatedAt.Before(pendingCutoff):
			// touch updatedAt so the next sweep waits another PendingAfter
			return nil

		default:
			return domain.ErrSkipUpdate
		}
	})
	if err != nil {
		return err
	}

	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, jobID); err != nil {
			r.logger.Warn("Failed to invalidate status cache",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}

	if job.Status == domain.JobStatusFailed {
		r.logger.Warn("Stale job exceeded max retries",
			slog.String("job_id", jobID),
			slog.Int("retry_count", job.RetryCount),
		)
		if r.notifier != nil {
			r.notifier.JobFailed(ctx, job)
		}
		return nil
	}

	if err := r.queue.Enqueue(ctx, domain.NewTask(job, now.UTC())); err != nil {
		return fmt.Errorf("failed to re-enqueue job %s: %w", jobID, err)
	}

	r.logger.Info("Recovered job",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
		slog.Int("retry_count", job.RetryCount),
	)
	return nil
}
