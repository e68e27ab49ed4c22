package dto

import (
	"mime/multipart"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

type UploadRequest struct {
	File           *multipart.FileHeader `form:"file" binding:"required"`
	ProcessingType string                `form:"processing_type" binding:"required"`
}

type UploadResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type JobDTO struct {
	JobID              string            `json:"job_id"`
	Status             string            `json:"status"`
	FileName           string            `json:"file_name"`
	FileSize           int64             `json:"file_size"`
	MimeType           string            `json:"mime_type"`
	ProcessingType     string            `json:"processing_type"`
	ProcessedLocations map[string]string `json:"processed_locations,omitempty"`
	RetryCount         int               `json:"retry_count"`
	LastError          string            `json:"last_error,omitempty"`
	CreatedAt          string            `json:"created_at"`
	UpdatedAt          string            `json:"updated_at"`
	CompletedAt        string            `json:"completed_at,omitempty"`
	FailedAt           string            `json:"failed_at,omitempty"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// NewJobDTO formats a status view for the wire
func NewJobDTO(view *domain.JobView) JobDTO {
	return JobDTO{
		JobID:              view.JobID,
		Status:             string(view.Status),
		FileName:           view.FileName,
		FileSize:           view.FileSize,
		MimeType:           view.MimeType,
		ProcessingType:     view.ProcessingType,
		ProcessedLocations: view.ProcessedLocations,
		RetryCount:         view.RetryCount,
		LastError:          view.LastError,
		CreatedAt:          view.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          view.UpdatedAt.Format(time.RFC3339),
		CompletedAt:        formatOptional(view.CompletedAt),
		FailedAt:           formatOptional(view.FailedAt),
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
