package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		want bool
	}{
		{name: "pending to processing", from: JobStatusPending, to: JobStatusProcessing, want: true},
		{name: "retrying to processing", from: JobStatusRetrying, to: JobStatusProcessing, want: true},
		{name: "processing to completed", from: JobStatusProcessing, to: JobStatusCompleted, want: true},
		{name: "processing to retrying", from: JobStatusProcessing, to: JobStatusRetrying, want: true},
		{name: "processing to failed", from: JobStatusProcessing, to: JobStatusFailed, want: true},
		{name: "pending to completed skips processing", from: JobStatusPending, to: JobStatusCompleted, want: false},
		{name: "completed is terminal", from: JobStatusCompleted, to: JobStatusPending, want: false},
		{name: "failed is terminal", from: JobStatusFailed, to: JobStatusRetrying, want: false},
		{name: "completed cannot restart", from: JobStatusCompleted, to: JobStatusProcessing, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.False(t, JobStatusRetrying.IsTerminal())
	assert.False(t, JobStatus("CANCELED").Valid())
}

func TestJob_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		job        Job
		maxRetries int
		want       bool
	}{
		{name: "below max", job: Job{RetryCount: 1, Status: JobStatusProcessing}, maxRetries: 3, want: true},
		{name: "at max", job: Job{RetryCount: 3, Status: JobStatusProcessing}, maxRetries: 3, want: false},
		{name: "completed", job: Job{RetryCount: 0, Status: JobStatusCompleted}, maxRetries: 3, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.CanRetry(tt.maxRetries))
		})
	}
}

func TestJob_AddProcessedLocationIsAppendOnly(t *testing.T) {
	job := &Job{ID: "j1"}

	job.AddProcessedLocation("thumbnail", "processed/j1/thumbnail")
	job.AddProcessedLocation("thumbnail", "processed/other")
	job.AddProcessedLocation("large", "processed/j1/large")

	assert.Equal(t, map[string]string{
		"thumbnail": "processed/j1/thumbnail",
		"large":     "processed/j1/large",
	}, job.ProcessedLocations)
}

func TestJob_CloneDoesNotAlias(t *testing.T) {
	started := time.Now()
	job := &Job{
		ID:                  "j1",
		ProcessedLocations:  map[string]string{"a": "b"},
		ProcessingStartedAt: &started,
	}

	c := job.Clone()
	c.ProcessedLocations["c"] = "d"
	*c.ProcessingStartedAt = started.Add(time.Hour)

	assert.Len(t, job.ProcessedLocations, 1)
	assert.Equal(t, started, *job.ProcessingStartedAt)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "raw/abc/photo.png", RawKey("abc", "photo.png"))
	assert.Equal(t, "processed/abc/thumbnail", ProcessedKey("abc", "thumbnail"))
	assert.Equal(t, "job-lock:abc", LockKey("abc"))
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("validation error matches sentinel and keeps reason", func(t *testing.T) {
		err := fmt.Errorf("upload: %w", NewValidationError(ReasonOversized, "file is %d bytes", 20))

		require.True(t, errors.Is(err, ErrValidation))
		reason, ok := ValidationReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, ReasonOversized, reason)
		assert.Contains(t, errors.FlattenHints(err), "file is 20 bytes")
	})

	t.Run("storage marker survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("ingest: %w", NewStorageError("put blob", errors.New("disk full")))

		assert.True(t, IsStorageError(err))
		assert.False(t, errors.Is(err, ErrValidation))
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("processing error unwraps cause", func(t *testing.T) {
		cause := errors.New("decoder exploded")
		err := NewProcessingError("IMAGE", cause)

		assert.True(t, errors.Is(err, ErrProcessing))
		assert.True(t, errors.Is(err, cause))
		assert.Nil(t, NewStorageError("noop", nil))
	})
}
