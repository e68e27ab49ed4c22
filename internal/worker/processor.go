package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

const releaseTimeout = 5 * time.Second

// errLostOwnership means the job record no longer reflects this worker's claim
var errLostOwnership = errors.New("job ownership lost")

// processTask runs the per-task protocol and returns how the delivery must be settled.
// The job lock is released on every path before the outcome is returned.
func (w *Worker) processTask(ctx context.Context, logger *slog.Logger, task domain.Task) outcome {
	lockKey := domain.LockKey(task.JobID)

	token, err := w.locker.Acquire(ctx, lockKey, w.lockTTL)
	if errors.Is(err, domain.ErrLockBusy) {
		logger.Info("Job is locked by another worker, skipping duplicate delivery")
		return ack()
	}
	if err != nil {
		logger.Error("Failed to acquire job lock",
			slog.Any("error", err),
		)
		return requeue(w.backoff.Delay(0))
	}
	defer w.releaseLock(ctx, logger, lockKey, token)

	job, err := w.store.Get(ctx, task.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		logger.Warn("Task references unknown job, dropping")
		return ack()
	}
	if err != nil {
		logger.Error("Failed to load job",
			slog.Any("error", err),
		)
		return requeue(w.backoff.Delay(0))
	}
	if job.Status.IsTerminal() {
		logger.Info("Job already terminal, skipping",
			slog.String("status", string(job.Status)),
		)
		return ack()
	}

	startedAt, job, err := w.claim(ctx, lockKey, token, job.ID)
	if err != nil {
		return w.claimFailed(logger, err)
	}
	w.invalidate(ctx, logger, job.ID)

	logger.Info("Processing job",
		slog.String("processing_type", job.ProcessingType),
		slog.Int("retry_count", job.RetryCount),
	)

	locations, procErr := w.execute(ctx, job)
	if procErr == nil {
		return w.complete(ctx, logger, lockKey, token, job, startedAt, locations)
	}
	return w.fail(ctx, logger, lockKey, token, job, startedAt, procErr)
}

// claim verifies lock ownership and moves the job to PROCESSING
func (w *Worker) claim(ctx context.Context, lockKey, token, jobID string) (time.Time, *domain.Job, error) {
	if err := w.locker.Refresh(ctx, lockKey, token, w.lockTTL); err != nil {
		return time.Time{}, nil, err
	}

	// Truncated so the value survives a round-trip through the record store unchanged.
	startedAt := w.now().UTC().Truncate(time.Microsecond)
	job, err := w.store.Update(ctx, jobID, func(j *domain.Job) error {
		if j.Status.IsTerminal() {
			return domain.ErrSkipUpdate
		}
		j.Status = domain.JobStatusProcessing
		j.ProcessingStartedAt = &startedAt
		return nil
	})
	if err != nil {
		return time.Time{}, nil, err
	}
	return startedAt, job, nil
}

func (w *Worker) claimFailed(logger *slog.Logger, err error) outcome {
	switch {
	case errors.Is(err, domain.ErrSkipUpdate):
		logger.Info("Job reached a terminal state concurrently, skipping")
		return ack()
	case errors.Is(err, domain.ErrLockExpired):
		logger.Warn("Job lock expired before processing started, skipping")
		return ack()
	default:
		logger.Error("Failed to mark job as processing",
			slog.Any("error", err),
		)
		return requeue(w.backoff.Delay(0))
	}
}

// execute fetches the raw blob, runs the strategy, and writes every artifact.
// It returns the processed locations keyed by variant name.
func (w *Worker) execute(ctx context.Context, job *domain.Job) (map[string]string, error) {
	strategy, ok := w.strategies.Lookup(job.ProcessingType)
	if !ok {
		return nil, domain.NewProcessingError(job.ProcessingType, fmt.Errorf("no strategy registered"))
	}

	raw, err := w.blobs.Get(ctx, job.RawLocation)
	if err != nil {
		return nil, domain.NewStorageError("read raw blob", err)
	}

	artifacts, err := w.runStrategy(ctx, strategy, job, raw)
	if err != nil {
		return nil, domain.NewProcessingError(job.ProcessingType, err)
	}

	locations := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		key := domain.ProcessedKey(job.ID, a.Name)
		if err := w.blobs.Put(ctx, key, a.Data); err != nil {
			return nil, domain.NewStorageError("write processed blob "+a.Name, err)
		}
		locations[a.Name] = key
	}
	return locations, nil
}

type strategyResult struct {
	artifacts []domain.Artifact
	err       error
}

// runStrategy bounds the strategy by the processing timeout and converts panics into errors.
// A strategy that ignores cancellation is abandoned once the timeout passes.
func (w *Worker) runStrategy(ctx context.Context, strategy domain.Strategy, job *domain.Job, raw []byte) ([]domain.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, w.processingTimeout)
	defer cancel()

	done := make(chan strategyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Processing strategy panicked",
					slog.String("job_id", job.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- strategyResult{err: fmt.Errorf("strategy panicked: %v", r)}
			}
		}()
		artifacts, err := strategy.Process(ctx, job.Clone(), raw)
		done <- strategyResult{artifacts: artifacts, err: err}
	}()

	select {
	case res := <-done:
		return res.artifacts, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("processing timed out after %s: %w", w.processingTimeout, ctx.Err())
	}
}

// owned reports whether j still carries this worker's PROCESSING claim
func owned(j *domain.Job, startedAt time.Time) bool {
	return j.Status == domain.JobStatusProcessing &&
		j.ProcessingStartedAt != nil &&
		j.ProcessingStartedAt.Equal(startedAt)
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, lockKey, token string, job *domain.Job, startedAt time.Time, locations map[string]string) outcome {
	if err := w.locker.Refresh(ctx, lockKey, token, w.lockTTL); err != nil {
		return w.finalWriteFailed(logger, err)
	}

	_, err := w.store.Update(ctx, job.ID, func(j *domain.Job) error {
		if !owned(j, startedAt) {
			return errLostOwnership
		}
		for variant, key := range locations {
			j.AddProcessedLocation(variant, key)
		}
		completedAt := w.now().UTC()
		j.Status = domain.JobStatusCompleted
		j.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return w.finalWriteFailed(logger, err)
	}
	w.invalidate(ctx, logger, job.ID)

	logger.Info("Job completed successfully",
		slog.Int("variants", len(locations)),
	)
	return ack()
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, lockKey, token string, job *domain.Job, startedAt time.Time, procErr error) outcome {
	logger.Error("Job processing failed",
		slog.String("processing_type", job.ProcessingType),
		slog.Any("error", procErr),
	)

	if err := w.locker.Refresh(ctx, lockKey, token, w.lockTTL); err != nil {
		return w.finalWriteFailed(logger, err)
	}

	updated, err := w.store.Update(ctx, job.ID, func(j *domain.Job) error {
		if !owned(j, startedAt) {
			return errLostOwnership
		}
		j.RetryCount++
		j.LastError = procErr.Error()
		if j.CanRetry(w.maxRetries) {
			j.Status = domain.JobStatusRetrying
			return nil
		}
		failedAt := w.now().UTC()
		j.Status = domain.JobStatusFailed
		j.FailedAt = &failedAt
		return nil
	})
	if err != nil {
		return w.finalWriteFailed(logger, err)
	}
	w.invalidate(ctx, logger, job.ID)

	if updated.Status == domain.JobStatusRetrying {
		delay := w.backoff.Delay(updated.RetryCount)
		logger.Info("Job will be retried",
			slog.Int("retry_count", updated.RetryCount),
			slog.Int("max_retries", w.maxRetries),
			slog.Duration("retry_after", delay),
		)
		return requeue(delay)
	}

	logger.Warn("Job exceeded max retries",
		slog.Int("retry_count", updated.RetryCount),
		slog.Int("max_retries", w.maxRetries),
	)
	w.notifier.JobFailed(ctx, updated)
	return deadLetter()
}

// finalWriteFailed decides the outcome when the terminal or retry write cannot be made
func (w *Worker) finalWriteFailed(logger *slog.Logger, err error) outcome {
	if errors.Is(err, domain.ErrLockExpired) || errors.Is(err, errLostOwnership) {
		logger.Warn("Job ownership lost during processing, discarding result",
			slog.Any("error", err),
		)
		return ack()
	}
	logger.Error("Failed to record job outcome",
		slog.Any("error", err),
	)
	return requeue(w.backoff.Delay(0))
}

func (w *Worker) invalidate(ctx context.Context, logger *slog.Logger, jobID string) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Invalidate(ctx, jobID); err != nil {
		logger.Warn("Failed to invalidate status cache",
			slog.Any("error", err),
		)
	}
}

func (w *Worker) releaseLock(ctx context.Context, logger *slog.Logger, lockKey, token string) {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()

	err := w.locker.Release(ctx, lockKey, token)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLockExpired):
		logger.Warn("Job lock had already expired at release")
	default:
		logger.Error("Failed to release job lock",
			slog.Any("error", err),
		)
	}
}
