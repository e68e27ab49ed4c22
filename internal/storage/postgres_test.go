package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rowColumns = []string{
	"job_id", "status", "file_name", "file_size", "mime_type", "processing_type",
	"raw_location", "processed_locations", "retry_count", "last_error",
	"created_at", "updated_at", "completed_at", "failed_at", "processing_started_at", "version",
}

func setupPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostgresStore(sqlx.NewDb(db, "postgres"), logger), mock
}

func TestPostgresStore_Insert(t *testing.T) {
	store, mock := setupPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Insert(context.Background(), newJob("j1", domain.JobStatusPending, now))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertFailureIsStorageError(t *testing.T) {
	store, mock := setupPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnError(sql.ErrConnDone)

	err := store.Insert(context.Background(), newJob("j1", domain.JobStatusPending, time.Now()))
	require.Error(t, err)
	assert.True(t, domain.IsStorageError(err))
}

func TestPostgresStore_Get(t *testing.T) {
	now := time.Now().UTC()

	t.Run("found", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		rows := sqlmock.NewRows(rowColumns).AddRow(
			"j1", "COMPLETED", "photo.png", int64(10240), "image/png", "IMAGE",
			"raw/j1/photo.png", `{"thumbnail":"processed/j1/thumbnail"}`, int64(0), nil,
			now, now, now, nil, nil, int64(4),
		)
		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE job_id = $1")).
			WithArgs("j1").
			WillReturnRows(rows)

		job, err := store.Get(context.Background(), "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		assert.Equal(t, "processed/j1/thumbnail", job.ProcessedLocations["thumbnail"])
		assert.NotNil(t, job.CompletedAt)
		assert.Nil(t, job.ProcessingStartedAt)
		assert.Equal(t, int64(4), job.Version)
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE job_id = $1")).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestPostgresStore_Update(t *testing.T) {
	now := time.Now().UTC()

	pendingRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(rowColumns).AddRow(
			"j1", "PENDING", "photo.png", int64(10240), "image/png", "IMAGE",
			"raw/j1/photo.png", `{}`, int64(0), nil,
			now, now, nil, nil, nil, int64(3),
		)
	}
	toProcessing := func(job *domain.Job) error {
		started := time.Now()
		job.Status = domain.JobStatusProcessing
		job.ProcessingStartedAt = &started
		return nil
	}
	updateArgs := []driver.Value{
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		"j1", int64(3),
	}

	t.Run("compare and swap succeeds", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE job_id = $1")).WithArgs("j1").WillReturnRows(pendingRow())
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs")).
			WithArgs(updateArgs...).
			WillReturnResult(sqlmock.NewResult(0, 1))

		job, err := store.Update(context.Background(), "j1", toProcessing)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, job.Status)
		assert.Equal(t, int64(4), job.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("version race is a conflict", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE job_id = $1")).WithArgs("j1").WillReturnRows(pendingRow())
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs")).
			WithArgs(updateArgs...).
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := store.Update(context.Background(), "j1", toProcessing)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("illegal transition never reaches the database", func(t *testing.T) {
		store, mock := setupPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE job_id = $1")).WithArgs("j1").WillReturnRows(pendingRow())

		_, err := store.Update(context.Background(), "j1", func(job *domain.Job) error {
			job.Status = domain.JobStatusCompleted
			return nil
		})
		assert.ErrorContains(t, err, "illegal transition")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Find(t *testing.T) {
	store, mock := setupPostgresStore(t)
	now := time.Now().UTC()
	cutoff := now.Add(-5 * time.Minute)

	rows := sqlmock.NewRows(rowColumns).AddRow(
		"j1", "PROCESSING", "photo.png", int64(10240), "image/png", "IMAGE",
		"raw/j1/photo.png", `{}`, int64(1), nil,
		now, now, nil, nil, cutoff.Add(-time.Minute), int64(2),
	)
	mock.ExpectQuery(`status = ANY\(\$1\) AND processing_started_at < \$2 ORDER BY created_at ASC, job_id ASC LIMIT \$3`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 50).
		WillReturnRows(rows)

	jobs, err := store.Find(context.Background(), domain.JobFilter{
		Statuses:      []domain.JobStatus{domain.JobStatusProcessing},
		StartedBefore: cutoff,
		Limit:         50,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.NotNil(t, jobs[0].ProcessingStartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
