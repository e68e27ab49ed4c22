package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/blob"
	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/cuongbtq/upload-pipeline/internal/queue"
	"github.com/cuongbtq/upload-pipeline/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyBlobs struct {
	*blob.MemoryStore
	putErr         error
	deleteFailures int
	deleteCalls    int
}

func (b *flakyBlobs) Put(ctx context.Context, key string, data []byte) error {
	if b.putErr != nil {
		return b.putErr
	}
	return b.MemoryStore.Put(ctx, key, data)
}

func (b *flakyBlobs) Delete(ctx context.Context, key string) error {
	b.deleteCalls++
	if b.deleteCalls <= b.deleteFailures {
		return errors.New("blob store unavailable")
	}
	return b.MemoryStore.Delete(ctx, key)
}

type flakyStore struct {
	*storage.MemoryStore
	insertErr error
}

func (s *flakyStore) Insert(ctx context.Context, job *domain.Job) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.MemoryStore.Insert(ctx, job)
}

type flakyQueue struct {
	*queue.MemoryQueue
	enqueueErr error
}

func (q *flakyQueue) Enqueue(ctx context.Context, task domain.Task) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	return q.MemoryQueue.Enqueue(ctx, task)
}

type fixture struct {
	blobs   *flakyBlobs
	store   *flakyStore
	queue   *flakyQueue
	service *Service
}

func newFixture(t *testing.T, maxSize int64) *fixture {
	t.Helper()

	f := &fixture{
		blobs: &flakyBlobs{MemoryStore: blob.NewMemoryStore()},
		store: &flakyStore{MemoryStore: storage.NewMemoryStore()},
		queue: &flakyQueue{MemoryQueue: queue.NewMemoryQueue(queue.MemoryOptions{})},
	}
	f.service = NewService(&Config{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Blobs:            f.blobs,
		Store:            f.store,
		Queue:            f.queue,
		MaxFileSize:      maxSize,
		AllowedMIMETypes: []string{"image/png", "image/jpeg", "application/pdf", "text/plain"},
		ProcessingTypes:  []string{"IMAGE", "DOCUMENT"},
		EnqueueTimeout:   50 * time.Millisecond,
		DeleteAttempts:   3,
		DeleteBackoff:    time.Millisecond,
	})
	f.service.newID = func() string { return "job-1" }
	return f
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func assertReason(t *testing.T, err error, want domain.ValidationReason) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	reason, ok := domain.ValidationReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, want, reason)
}

func TestUpload_AcceptsImage(t *testing.T) {
	f := newFixture(t, 1<<20)
	data := pngBytes(t)

	res, err := f.service.Upload(context.Background(), bytes.NewReader(data), Metadata{
		FileName:       "photo.png",
		MimeType:       "image/png",
		ProcessingType: "IMAGE",
	})
	require.NoError(t, err)
	assert.Equal(t, &Result{JobID: "job-1", Status: domain.JobStatusPending}, res)

	stored, err := f.blobs.Get(context.Background(), "raw/job-1/photo.png")
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	job, err := f.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, int64(len(data)), job.FileSize)
	assert.Equal(t, "image/png", job.MimeType)
	assert.Equal(t, "raw/job-1/photo.png", job.RawLocation)
	assert.Equal(t, 0, job.RetryCount)

	assert.Equal(t, 1, f.queue.Len())
}

func TestUpload_DetectsTypeWhenNotDeclared(t *testing.T) {
	f := newFixture(t, 1<<20)

	_, err := f.service.Upload(context.Background(), strings.NewReader("%PDF-1.4\n%âãÏÓ\n1 0 obj\n"), Metadata{
		FileName:       "report.pdf",
		ProcessingType: "DOCUMENT",
	})
	require.NoError(t, err)

	job, err := f.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", job.MimeType)
}

func TestUpload_SizeLimit(t *testing.T) {
	t.Run("exactly at the limit is accepted", func(t *testing.T) {
		f := newFixture(t, 10)
		_, err := f.service.Upload(context.Background(), strings.NewReader("0123456789"), Metadata{
			FileName:       "a.txt",
			MimeType:       "text/plain; charset=utf-8",
			ProcessingType: "DOCUMENT",
		})
		assert.NoError(t, err)
	})

	t.Run("one byte over is rejected without side effects", func(t *testing.T) {
		f := newFixture(t, 10)
		_, err := f.service.Upload(context.Background(), strings.NewReader("0123456789X"), Metadata{
			FileName:       "a.txt",
			MimeType:       "text/plain",
			ProcessingType: "DOCUMENT",
		})
		assertReason(t, err, domain.ReasonOversized)
		assert.Empty(t, f.blobs.Keys())
		assert.Equal(t, 0, f.queue.Len())
	})
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		meta   Metadata
		reason domain.ValidationReason
	}{
		{
			name:   "declared type not allowed",
			body:   "hello",
			meta:   Metadata{FileName: "a.zip", MimeType: "application/zip", ProcessingType: "DOCUMENT"},
			reason: domain.ReasonDisallowedType,
		},
		{
			name:   "unknown processing type",
			body:   "hello",
			meta:   Metadata{FileName: "a.txt", MimeType: "text/plain", ProcessingType: "VIDEO"},
			reason: domain.ReasonDisallowedType,
		},
		{
			name:   "content does not match allow-list",
			body:   "PK\x03\x04\x14\x00\x00\x00\x08\x00",
			meta:   Metadata{FileName: "a.png", MimeType: "image/png", ProcessingType: "IMAGE"},
			reason: domain.ReasonDisallowedType,
		},
		{
			name:   "empty file",
			body:   "",
			meta:   Metadata{FileName: "a.txt", MimeType: "text/plain", ProcessingType: "DOCUMENT"},
			reason: domain.ReasonMalformed,
		},
		{
			name:   "unusable file name",
			body:   "hello",
			meta:   Metadata{FileName: "..", MimeType: "text/plain", ProcessingType: "DOCUMENT"},
			reason: domain.ReasonMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1<<20)
			_, err := f.service.Upload(context.Background(), strings.NewReader(tt.body), tt.meta)
			assertReason(t, err, tt.reason)
			assert.Empty(t, f.blobs.Keys())
		})
	}
}

func TestUpload_BlobWriteFailure(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.blobs.putErr = errors.New("disk full")

	_, err := f.service.Upload(context.Background(), strings.NewReader("hello"), Metadata{
		FileName:       "a.txt",
		MimeType:       "text/plain",
		ProcessingType: "DOCUMENT",
	})
	require.Error(t, err)
	assert.True(t, domain.IsStorageError(err))

	_, err = f.store.Get(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestUpload_InsertFailureRemovesBlob(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.store.insertErr = errors.New("connection refused")
	f.blobs.deleteFailures = 2

	_, err := f.service.Upload(context.Background(), strings.NewReader("hello"), Metadata{
		FileName:       "a.txt",
		MimeType:       "text/plain",
		ProcessingType: "DOCUMENT",
	})
	require.Error(t, err)
	assert.True(t, domain.IsStorageError(err))
	assert.Equal(t, 3, f.blobs.deleteCalls)
	assert.Empty(t, f.blobs.Keys())
	assert.Equal(t, 0, f.queue.Len())
}

func TestUpload_EnqueueFailureStillPending(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.queue.enqueueErr = errors.New("broker down")

	res, err := f.service.Upload(context.Background(), strings.NewReader("hello"), Metadata{
		FileName:       "a.txt",
		MimeType:       "text/plain",
		ProcessingType: "DOCUMENT",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, res.Status)

	job, err := f.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, []string{"raw/job-1/a.txt"}, f.blobs.Keys())
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"photo.png", "photo.png", true},
		{"../../etc/passwd", "passwd", true},
		{`C:\Users\me\cat.jpg`, "cat.jpg", true},
		{"  spaced.txt ", "spaced.txt", true},
		{"", "", false},
		{"..", "", false},
		{"dir/", "dir", true},
		{"bad\x00name", "", false},
		{strings.Repeat("a", 256), "", false},
	}

	for _, tt := range tests {
		got, ok := SanitizeFileName(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewService_MaxFileSize(t *testing.T) {
	assert.Equal(t, int64(1024), newFixture(t, 1024).service.MaxFileSize())
	assert.Equal(t, int64(50<<20), newFixture(t, 0).service.MaxFileSize(), "zero falls back to the default limit")
}
