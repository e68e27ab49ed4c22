package domain

import (
	"context"
	"time"
)

// BlobStore persists raw uploads and processed variants
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Mutation edits a job in place inside an atomic single-record update.
// Returning an error aborts the update and leaves the record untouched.
type Mutation func(job *Job) error

// JobFilter is the predicate accepted by JobStore.Find
type JobFilter struct {
	Statuses      []JobStatus
	StartedBefore time.Time // zero means no bound
	UpdatedBefore time.Time // zero means no bound
	Limit         int
}

// JobStore is the durable source of truth for job records
type JobStore interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, jobID string, mutate Mutation) (*Job, error)
	Find(ctx context.Context, filter JobFilter) ([]Job, error)
}

// Locker is a mutual-exclusion primitive with TTL-based expiry
type Locker interface {
	// Acquire returns an owner token, or ErrLockBusy
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release returns ErrLockExpired if the token no longer owns the key
	Release(ctx context.Context, key, token string) error
	// Refresh verifies ownership and extends the TTL, or returns ErrLockExpired
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
}

// AckHandle identifies one delivery for Ack/Nack
type AckHandle uint64

// Delivery is a dequeued task plus the handle needed to settle it
type Delivery struct {
	Task          Task
	Handle        AckHandle
	DeliveryCount int
}

// Queue is a durable at-least-once task channel with a companion dead-letter channel
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available or ctx is done
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, handle AckHandle) error
	// Nack with requeue=true redelivers after delay; requeue=false dead-letters
	Nack(ctx context.Context, handle AckHandle, requeue bool, delay time.Duration) error
}

// Artifact is one named output of a processing strategy
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Strategy consumes raw bytes and produces named output artifacts
type Strategy interface {
	Process(ctx context.Context, job *Job, raw []byte) ([]Artifact, error)
}

// StrategyFunc adapts a function to Strategy
type StrategyFunc func(ctx context.Context, job *Job, raw []byte) ([]Artifact, error)

// Process calls f
func (f StrategyFunc) Process(ctx context.Context, job *Job, raw []byte) ([]Artifact, error) {
	return f(ctx, job, raw)
}

// StatusInvalidator drops cached status views after state transitions
type StatusInvalidator interface {
	Invalidate(ctx context.Context, jobID string) error
}

// Notifier delivers out-of-band operator notifications
type Notifier interface {
	JobFailed(ctx context.Context, job *Job)
}
