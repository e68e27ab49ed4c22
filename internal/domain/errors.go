package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrValidation marks client-caused ingestion failures. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrStorage marks blob store or record store I/O failures
	ErrStorage = errors.New("storage error")

	// ErrProcessing marks a failure raised by a processing strategy
	ErrProcessing = errors.New("processing error")

	// ErrLockBusy is returned by Acquire when another owner holds the lock.
	// It is an expected control-flow outcome, not a failure.
	ErrLockBusy = errors.New("lock held by another owner")

	// ErrLockExpired is returned by Release or Refresh when the token no longer owns the lock
	ErrLockExpired = errors.New("lock expired or owned by another token")

	// ErrJobNotFound is returned when a job cannot be found in the record store
	ErrJobNotFound = errors.New("job not found")

	// ErrConflict is returned by Update when the record changed concurrently
	ErrConflict = errors.New("job record update conflict")

	// ErrStaleJob signals, inside the reaper, that a job's owner is gone
	ErrStaleJob = errors.New("stale job detected")

	// ErrSkipUpdate aborts a record mutation without error semantics for the caller
	ErrSkipUpdate = errors.New("update skipped")

	// ErrUnknownDelivery is returned by Ack/Nack for a handle the queue no longer tracks
	ErrUnknownDelivery = errors.New("unknown delivery handle")
)

// ValidationReason classifies why an upload was rejected
type ValidationReason string

const (
	ReasonOversized      ValidationReason = "oversized"
	ReasonDisallowedType ValidationReason = "disallowed_type"
	ReasonMalformed      ValidationReason = "malformed"
)

// ValidationError is surfaced synchronously to the uploader
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation failed: " + string(e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Reason, e.Detail)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error with a user-facing hint
func NewValidationError(reason ValidationReason, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	return errors.WithHint(&ValidationError{Reason: reason, Detail: detail}, detail)
}

// ValidationReasonOf extracts the reason from err, if it is a validation error
func ValidationReasonOf(err error) (ValidationReason, bool) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Reason, true
	}
	return "", false
}

// NewStorageError wraps an I/O failure and marks it as a storage error
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrStorage)
}

// ProcessingError wraps a strategy failure, panic, or timeout
type ProcessingError struct {
	ProcessingType string
	Err            error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s failed: %v", e.ProcessingType, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrProcessing) match any ProcessingError
func (e *ProcessingError) Is(target error) bool {
	return target == ErrProcessing
}

// NewProcessingError creates a processing error for the given strategy type
func NewProcessingError(processingType string, err error) error {
	return &ProcessingError{ProcessingType: processingType, Err: err}
}

// IsStorageError reports whether err carries the storage marker.
// Marks are only visible to cockroachdb/errors, not the standard library.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}
