package statuscache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/cuongbtq/upload-pipeline/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedJob(t *testing.T, store domain.JobStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Insert(context.Background(), &domain.Job{
		ID:             id,
		Status:         domain.JobStatusPending,
		FileName:       "photo.png",
		FileSize:       10240,
		MimeType:       "image/png",
		ProcessingType: "IMAGE",
		RawLocation:    domain.RawKey(id, "photo.png"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cache := NewRedisCache(rdb, "test:")
	ctx := context.Background()

	_, err := cache.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrMiss)

	view := &domain.JobView{JobID: "j1", Status: domain.JobStatusProcessing, FileName: "photo.png"}
	require.NoError(t, cache.Set(ctx, view, time.Second))

	got, err := cache.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, got.Status)
	assert.Equal(t, "photo.png", got.FileName)

	mr.FastForward(2 * time.Second)
	_, err = cache.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, cache.Set(ctx, view, time.Minute))
	require.NoError(t, cache.Invalidate(ctx, "j1"))
	_, err = cache.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCache_Expiry(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &domain.JobView{JobID: "j1"}, time.Second))
	_, err := cache.Get(ctx, "j1")
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = cache.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestReader_Status(t *testing.T) {
	ctx := context.Background()

	t.Run("read through populates cache", func(t *testing.T) {
		store := storage.NewMemoryStore()
		cache := NewMemoryCache()
		seedJob(t, store, "j1")

		reader := NewReader(cache, store, time.Minute, testLogger())
		view, err := reader.Status(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, view.Status)

		cached, err := cache.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "j1", cached.JobID)
	})

	t.Run("invalidation exposes the new state", func(t *testing.T) {
		store := storage.NewMemoryStore()
		cache := NewMemoryCache()
		seedJob(t, store, "j1")
		reader := NewReader(cache, store, time.Minute, testLogger())

		_, err := reader.Status(ctx, "j1")
		require.NoError(t, err)

		_, err = store.Update(ctx, "j1", func(job *domain.Job) error {
			started := time.Now()
			job.Status = domain.JobStatusProcessing
			job.ProcessingStartedAt = &started
			return nil
		})
		require.NoError(t, err)

		view, err := reader.Status(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, view.Status, "cached view is served until invalidated")

		require.NoError(t, cache.Invalidate(ctx, "j1"))
		view, err = reader.Status(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, view.Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		reader := NewReader(NewMemoryCache(), storage.NewMemoryStore(), time.Minute, testLogger())
		_, err := reader.Status(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("cache outage falls back to store", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { rdb.Close() })
		mr.Close()

		store := storage.NewMemoryStore()
		seedJob(t, store, "j1")
		reader := NewReader(NewRedisCache(rdb, ""), store, time.Minute, testLogger())

		view, err := reader.Status(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, "j1", view.JobID)
	})
}

// pausingStore holds the first Get after its snapshot is taken until resume is closed
type pausingStore struct {
	domain.JobStore
	once     sync.Once
	snapshot chan struct{}
	resume   chan struct{}
}

func (s *pausingStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.JobStore.Get(ctx, jobID)
	s.once.Do(func() {
		close(s.snapshot)
		<-s.resume
	})
	return job, err
}

func TestReader_SnapshotRacingCompletionExpiresWithinTTL(t *testing.T) {
	ctx := context.Background()
	base := storage.NewMemoryStore()
	seedJob(t, base, "j1")
	_, err := base.Update(ctx, "j1", func(job *domain.Job) error {
		started := time.Now()
		job.Status = domain.JobStatusProcessing
		job.ProcessingStartedAt = &started
		return nil
	})
	require.NoError(t, err)

	store := &pausingStore{JobStore: base, snapshot: make(chan struct{}), resume: make(chan struct{})}
	cache := NewMemoryCache()
	now := time.Now()
	cache.now = func() time.Time { return now }
	reader := NewReader(cache, store, time.Minute, testLogger())

	result := make(chan *domain.JobView, 1)
	go func() {
		view, err := reader.Status(ctx, "j1")
		assert.NoError(t, err)
		result <- view
	}()

	<-store.snapshot
	_, err = base.Update(ctx, "j1", func(job *domain.Job) error {
		completed := time.Now()
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &completed
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "j1"))
	close(store.resume)

	stale := <-result
	require.NotNil(t, stale)
	assert.Equal(t, domain.JobStatusProcessing, stale.Status)

	now = now.Add(MaxTTL)
	view, err := reader.Status(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, view.Status, "a pre-completion snapshot must not outlive the ttl ceiling")
}

func TestNewReader_TTLBounds(t *testing.T) {
	store := storage.NewMemoryStore()
	assert.Equal(t, DefaultTTL, NewReader(NewMemoryCache(), store, 0, testLogger()).ttl)
	assert.Equal(t, MaxTTL, NewReader(NewMemoryCache(), store, time.Hour, testLogger()).ttl)
	assert.Equal(t, 2*time.Second, NewReader(NewMemoryCache(), store, 2*time.Second, testLogger()).ttl)
}
