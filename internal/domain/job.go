package domain

import (
	"maps"
	"time"
)

// JobStatus is the lifecycle state of an upload job
type JobStatus string

// Job status constants
const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusRetrying   JobStatus = "RETRYING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusRetrying, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusPending},
	JobStatusRetrying:   {JobStatusProcessing, JobStatusRetrying},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusRetrying, JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the durable record of an upload and its processing state
type Job struct {
	ID                  string
	Status              JobStatus
	FileName            string
	FileSize            int64
	MimeType            string
	ProcessingType      string
	RawLocation         string
	ProcessedLocations  map[string]string
	RetryCount          int
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
	ProcessingStartedAt *time.Time
	Version             int64
}

// Clone returns a deep copy so callers can mutate without aliasing store state
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ProcessedLocations = maps.Clone(j.ProcessedLocations)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	c.ProcessingStartedAt = cloneTime(j.ProcessingStartedAt)
	return &c
}

// CanRetry returns true if another attempt is allowed under maxRetries
func (j *Job) CanRetry(maxRetries int) bool {
	return j.RetryCount < maxRetries && !j.Status.IsTerminal()
}

// AddProcessedLocation records an output variant. Existing entries are never replaced.
func (j *Job) AddProcessedLocation(variant, key string) {
	if j.ProcessedLocations == nil {
		j.ProcessedLocations = make(map[string]string)
	}
	if _, ok := j.ProcessedLocations[variant]; ok {
		return
	}
	j.ProcessedLocations[variant] = key
}

// Task is the queue payload, a lightweight projection of a Job
type Task struct {
	JobID          string    `json:"job_id"`
	RawLocation    string    `json:"raw_location"`
	ProcessingType string    `json:"processing_type"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// NewTask builds a fresh task referencing job
func NewTask(job *Job, now time.Time) Task {
	return Task{
		JobID:          job.ID,
		RawLocation:    job.RawLocation,
		ProcessingType: job.ProcessingType,
		EnqueuedAt:     now,
	}
}

// JobView is the read projection served by the status path
type JobView struct {
	JobID              string            `json:"job_id"`
	Status             JobStatus         `json:"status"`
	FileName           string            `json:"file_name"`
	FileSize           int64             `json:"file_size"`
	MimeType           string            `json:"mime_type"`
	ProcessingType     string            `json:"processing_type"`
	ProcessedLocations map[string]string `json:"processed_locations,omitempty"`
	RetryCount         int               `json:"retry_count"`
	LastError          string            `json:"last_error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	FailedAt           *time.Time        `json:"failed_at,omitempty"`
}

// View projects a job into its status view
func (j *Job) View() *JobView {
	return &JobView{
		JobID:              j.ID,
		Status:             j.Status,
		FileName:           j.FileName,
		FileSize:           j.FileSize,
		MimeType:           j.MimeType,
		ProcessingType:     j.ProcessingType,
		ProcessedLocations: maps.Clone(j.ProcessedLocations),
		RetryCount:         j.RetryCount,
		LastError:          j.LastError,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		CompletedAt:        cloneTime(j.CompletedAt),
		FailedAt:           cloneTime(j.FailedAt),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Blob key namespaces
const (
	RawKeyPrefix       = "raw"
	ProcessedKeyPrefix = "processed"
)

// RawKey returns the blob key for a job's original upload
func RawKey(jobID, fileName string) string {
	return RawKeyPrefix + "/" + jobID + "/" + fileName
}

// ProcessedKey returns the blob key for one output variant of a job
func ProcessedKey(jobID, variant string) string {
	return ProcessedKeyPrefix + "/" + jobID + "/" + variant
}

// LockKey returns the distributed lock key guarding a job
func LockKey(jobID string) string {
	return "job-lock:" + jobID
}
