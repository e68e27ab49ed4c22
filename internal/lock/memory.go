package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/google/uuid"
)

type entry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a process-local domain.Locker with the same expiry semantics as RedisLocker
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryLocker creates an empty MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Acquire returns a token unless a live entry exists for key
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return "", domain.ErrLockBusy
	}

	token := uuid.NewString()
	l.entries[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

// Release removes key if token owns a live entry
func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || e.token != token || !l.now().Before(e.expiresAt) {
		return domain.ErrLockExpired
	}
	delete(l.entries, key)
	return nil
}

// Refresh extends key if token owns a live entry
func (l *MemoryLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || e.token != token || !now.Before(e.expiresAt) {
		return domain.ErrLockExpired
	}
	e.expiresAt = now.Add(ttl)
	l.entries[key] = e
	return nil
}

// Held reports whether key currently has a live owner
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	return ok && l.now().Before(e.expiresAt)
}
