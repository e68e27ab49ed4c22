package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	job_id, status, file_name, file_size, mime_type, processing_type,
	raw_location, processed_locations, retry_count, last_error,
	created_at, updated_at, completed_at, failed_at, processing_started_at, version
`

// jobRow maps the jobs table
type jobRow struct {
	JobID               string         `db:"job_id"`
	Status              string         `db:"status"`
	FileName            string         `db:"file_name"`
	FileSize            int64          `db:"file_size"`
	MimeType            string         `db:"mime_type"`
	ProcessingType      string         `db:"processing_type"`
	RawLocation         string         `db:"raw_location"`
	ProcessedLocations  string         `db:"processed_locations"`
	RetryCount          int            `db:"retry_count"`
	LastError           sql.NullString `db:"last_error"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	CompletedAt         sql.NullTime   `db:"completed_at"`
	FailedAt            sql.NullTime   `db:"failed_at"`
	ProcessingStartedAt sql.NullTime   `db:"processing_started_at"`
	Version             int64          `db:"version"`
}

// PostgresStore is the JobStore backed by PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Insert writes a new job record
func (s *PostgresStore) Insert(ctx context.Context, job *domain.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `) VALUES (
			:job_id, :status, :file_name, :file_size, :mime_type, :processing_type,
			:raw_location, :processed_locations, :retry_count, :last_error,
			:created_at, :updated_at, :completed_at, :failed_at, :processing_started_at, :version
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return domain.NewStorageError("insert job", err)
	}

	s.logger.Debug("Job record inserted",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	return nil
}

// Get retrieves a job by its ID
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, domain.NewStorageError("get job", err)
	}

	return fromRow(&row)
}

// Update applies mutate to the current record and writes it back with a
// version compare-and-swap. A concurrent writer yields domain.ErrConflict.
func (s *PostgresStore) Update(ctx context.Context, jobID string, mutate domain.Mutation) (*domain.Job, error) {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	next, err := domain.ApplyMutation(current, mutate, s.now())
	if err != nil {
		return nil, err
	}

	row, err := toRow(next)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE jobs
		SET status = $1,
			processed_locations = $2,
			retry_count = $3,
			last_error = $4,
			updated_at = $5,
			completed_at = $6,
			failed_at = $7,
			processing_started_at = $8,
			version = $9
		WHERE job_id = $10 AND version = $11
	`

	result, err := s.db.ExecContext(ctx, query,
		row.Status,
		row.ProcessedLocations,
		row.RetryCount,
		row.LastError,
		row.UpdatedAt,
		row.CompletedAt,
		row.FailedAt,
		row.ProcessingStartedAt,
		row.Version,
		jobID,
		current.Version,
	)
	if err != nil {
		return nil, domain.NewStorageError("update job", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, domain.NewStorageError("update job rows affected", err)
	}
	if rowsAffected == 0 {
		s.logger.Warn("Job update lost version race",
			slog.String("job_id", jobID),
			slog.Int64("version", current.Version),
		)
		return nil, domain.ErrConflict
	}

	return next, nil
}

// Find returns jobs matching filter, oldest first
func (s *PostgresStore) Find(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(statuses))
		argIdx++
	}

	if !filter.StartedBefore.IsZero() {
		query += fmt.Sprintf(" AND processing_started_at < $%d", argIdx)
		args = append(args, filter.StartedBefore)
		argIdx++
	}

	if !filter.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(" AND updated_at < $%d", argIdx)
		args = append(args, filter.UpdatedBefore)
		argIdx++
	}

	query += " ORDER BY created_at ASC, job_id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domain.NewStorageError("find jobs", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		job, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func toRow(job *domain.Job) (*jobRow, error) {
	locations := job.ProcessedLocations
	if locations == nil {
		locations = map[string]string{}
	}
	locationsJSON, err := json.Marshal(locations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal processed locations: %w", err)
	}

	return &jobRow{
		JobID:               job.ID,
		Status:              string(job.Status),
		FileName:            job.FileName,
		FileSize:            job.FileSize,
		MimeType:            job.MimeType,
		ProcessingType:      job.ProcessingType,
		RawLocation:         job.RawLocation,
		ProcessedLocations:  string(locationsJSON),
		RetryCount:          job.RetryCount,
		LastError:           sql.NullString{String: job.LastError, Valid: job.LastError != ""},
		CreatedAt:           job.CreatedAt,
		UpdatedAt:           job.UpdatedAt,
		CompletedAt:         nullTime(job.CompletedAt),
		FailedAt:            nullTime(job.FailedAt),
		ProcessingStartedAt: nullTime(job.ProcessingStartedAt),
		Version:             job.Version,
	}, nil
}

func fromRow(row *jobRow) (*domain.Job, error) {
	job := &domain.Job{
		ID:                  row.JobID,
		Status:              domain.JobStatus(row.Status),
		FileName:            row.FileName,
		FileSize:            row.FileSize,
		MimeType:            row.MimeType,
		ProcessingType:      row.ProcessingType,
		RawLocation:         row.RawLocation,
		RetryCount:          row.RetryCount,
		LastError:           row.LastError.String,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
		CompletedAt:         timePtr(row.CompletedAt),
		FailedAt:            timePtr(row.FailedAt),
		ProcessingStartedAt: timePtr(row.ProcessingStartedAt),
		Version:             row.Version,
	}

	if len(row.ProcessedLocations) > 0 {
		if err := json.Unmarshal([]byte(row.ProcessedLocations), &job.ProcessedLocations); err != nil {
			return nil, fmt.Errorf("failed to parse processed locations of job %s: %w", row.JobID, err)
		}
	}
	if len(job.ProcessedLocations) == 0 {
		job.ProcessedLocations = nil
	}

	return job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
