package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

// MemoryStore is an in-process JobStore used by single-node mode and tests
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

// Insert stores a new job. Ids are never reused.
func (m *MemoryStore) Insert(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return domain.NewStorageError("insert job", domain.ErrConflict)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the job
func (m *MemoryStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Update applies mutate atomically under the store mutex
func (m *MemoryStore) Update(ctx context.Context, jobID string, mutate domain.Mutation) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	next, err := domain.ApplyMutation(current, mutate, m.now())
	if err != nil {
		return nil, err
	}
	m.jobs[jobID] = next
	return next.Clone(), nil
}

// Find returns jobs matching filter, oldest first
func (m *MemoryStore) Find(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Job
	for _, job := range m.jobs {
		if matches(job, filter) {
			result = append(result, *job.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matches(job *domain.Job, filter domain.JobFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
		return false
	}
	if !filter.StartedBefore.IsZero() {
		if job.ProcessingStartedAt == nil || !job.ProcessingStartedAt.Before(filter.StartedBefore) {
			return false
		}
	}
	if !filter.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}
