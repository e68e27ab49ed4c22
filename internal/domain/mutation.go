package domain

import (
	"fmt"
	"time"
)

// ApplyMutation runs mutate against a copy of current and enforces the record
// invariants every store must uphold. The returned job carries the next version.
func ApplyMutation(current *Job, mutate Mutation, now time.Time) (*Job, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	if next.ID != current.ID {
		return nil, fmt.Errorf("job id is immutable (%s -> %s)", current.ID, next.ID)
	}
	if next.RawLocation != current.RawLocation {
		return nil, fmt.Errorf("raw location is immutable for job %s", current.ID)
	}
	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return nil, fmt.Errorf("illegal transition %s -> %s for job %s", current.Status, next.Status, current.ID)
	}
	for variant, key := range current.ProcessedLocations {
		if next.ProcessedLocations[variant] != key {
			return nil, fmt.Errorf("processed location %q of job %s cannot be removed or replaced", variant, current.ID)
		}
	}
	if next.Status != JobStatusRetrying && next.Status != JobStatusFailed {
		next.LastError = ""
	}
	if next.Status.IsTerminal() {
		next.ProcessingStartedAt = nil
	}

	next.UpdatedAt = now
	next.Version = current.Version + 1
	return next, nil
}
