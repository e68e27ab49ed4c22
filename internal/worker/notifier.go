package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

// LogNotifier reports permanently failed jobs on the operator log stream
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// JobFailed implements domain.Notifier
func (n *LogNotifier) JobFailed(ctx context.Context, job *domain.Job) {
	n.logger.ErrorContext(ctx, "Job failed permanently and was dead-lettered",
		slog.String("job_id", job.ID),
		slog.String("file_name", job.FileName),
		slog.String("processing_type", job.ProcessingType),
		slog.Int("retry_count", job.RetryCount),
		slog.String("last_error", job.LastError),
	)
}
