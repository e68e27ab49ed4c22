package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	locker := NewRedisLocker(rdb, "test:")
	ctx := context.Background()

	t.Run("second acquire is busy", func(t *testing.T) {
		token, err := locker.Acquire(ctx, "job-lock:a", time.Minute)
		require.NoError(t, err)
		require.NotEmpty(t, token)
		assert.True(t, mr.Exists("test:job-lock:a"))

		_, err = locker.Acquire(ctx, "job-lock:a", time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockBusy)

		require.NoError(t, locker.Release(ctx, "job-lock:a", token))
		assert.False(t, mr.Exists("test:job-lock:a"))
	})

	t.Run("foreign token cannot release", func(t *testing.T) {
		token, err := locker.Acquire(ctx, "job-lock:b", time.Minute)
		require.NoError(t, err)

		err = locker.Release(ctx, "job-lock:b", "not-the-owner")
		assert.ErrorIs(t, err, domain.ErrLockExpired)
		assert.True(t, mr.Exists("test:job-lock:b"))

		require.NoError(t, locker.Release(ctx, "job-lock:b", token))
	})

	t.Run("expired lock reports already expired and can be retaken", func(t *testing.T) {
		token, err := locker.Acquire(ctx, "job-lock:c", time.Second)
		require.NoError(t, err)

		mr.FastForward(2 * time.Second)

		assert.ErrorIs(t, locker.Release(ctx, "job-lock:c", token), domain.ErrLockExpired)
		assert.ErrorIs(t, locker.Refresh(ctx, "job-lock:c", token, time.Second), domain.ErrLockExpired)

		_, err = locker.Acquire(ctx, "job-lock:c", time.Second)
		assert.NoError(t, err)
	})

	t.Run("refresh extends ttl", func(t *testing.T) {
		token, err := locker.Acquire(ctx, "job-lock:d", time.Second)
		require.NoError(t, err)

		require.NoError(t, locker.Refresh(ctx, "job-lock:d", token, time.Minute))
		assert.Greater(t, mr.TTL("test:job-lock:d"), 30*time.Second)
	})
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Now()
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	token, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, locker.Held("k"))

	_, err = locker.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockBusy)

	require.NoError(t, locker.Refresh(ctx, "k", token, 5*time.Second))
	now = now.Add(3 * time.Second)
	assert.True(t, locker.Held("k"), "refresh must extend expiry")

	now = now.Add(3 * time.Second)
	assert.False(t, locker.Held("k"))
	assert.ErrorIs(t, locker.Release(ctx, "k", token), domain.ErrLockExpired)

	other, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, locker.Release(ctx, "k", token), domain.ErrLockExpired)
	assert.NoError(t, locker.Release(ctx, "k", other))
	assert.False(t, locker.Held("k"))
}
