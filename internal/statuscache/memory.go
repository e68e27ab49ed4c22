package statuscache

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

type memoryEntry struct {
	view      *domain.JobView
	expiresAt time.Time
}

// MemoryCache is a process-local Cache
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached view or ErrMiss
func (c *MemoryCache) Get(ctx context.Context, jobID string) (*domain.JobView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[jobID]
	if !ok || !c.now().Before(e.expiresAt) {
		delete(c.entries, jobID)
		return nil, ErrMiss
	}
	view := *e.view
	return &view, nil
}

// Set caches view for ttl
func (c *MemoryCache) Set(ctx context.Context, view *domain.JobView, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := *view
	c.entries[view.JobID] = memoryEntry{view: &v, expiresAt: c.now().Add(ttl)}
	return nil
}

// Invalidate drops the cached view of a job
func (c *MemoryCache) Invalidate(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, jobID)
	return nil
}
