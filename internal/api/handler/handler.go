package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/cuongbtq/upload-pipeline/internal/ingest"
)

// Uploader accepts an upload stream and returns the created job
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, meta ingest.Metadata) (*ingest.Result, error)
}

// StatusReader serves the job status view
type StatusReader interface {
	Status(ctx context.Context, jobID string) (*domain.JobView, error)
}

// HealthChecker is implemented by every backing client the service depends on
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	ServiceName  string
	Uploader     Uploader
	StatusReader StatusReader
	// HealthChecks are probed by GET /health, keyed by component name
	HealthChecks map[string]HealthChecker
	// MaxRequestBytes bounds the whole multipart body. Zero disables the bound.
	MaxRequestBytes int64
	// UploadRateLimit is the per-client upload rate in requests per second. Zero disables it.
	UploadRateLimit float64
	UploadBurst     int
}

// JobHandler handles upload and job status HTTP requests
type JobHandler struct {
	logger          *slog.Logger
	uploader        Uploader
	statusReader    StatusReader
	maxRequestBytes int64
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:          deps.Logger,
		uploader:        deps.Uploader,
		statusReader:    deps.StatusReader,
		maxRequestBytes: deps.MaxRequestBytes,
	}
}

// HealthHandler reports the status of backing services
type HealthHandler struct {
	serviceName string
	checks      map[string]HealthChecker
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		serviceName: deps.ServiceName,
		checks:      deps.HealthChecks,
	}
}
