package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/upload-pipeline/internal/api/dto"
	"github.com/cuongbtq/upload-pipeline/internal/domain"
	"github.com/cuongbtq/upload-pipeline/internal/ingest"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Upload handles POST /api/v1/uploads
// Accepts a multipart file and returns 202 once the job is durable
func (h *JobHandler) Upload(c *gin.Context) {
	if h.maxRequestBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxRequestBytes)
	}

	var req dto.UploadRequest
	if err := c.ShouldBind(&req); err != nil {
		status := http.StatusBadRequest
		resp := dto.ErrorResponse{
			Error:  "multipart form with 'file' and 'processing_type' is required",
			Reason: string(domain.ReasonMalformed),
		}
		if statusFor(err) == http.StatusRequestEntityTooLarge {
			status = http.StatusRequestEntityTooLarge
			resp = errorResponse(err)
		}
		h.logger.Warn("Invalid upload request",
			slog.Int("status", status),
			slog.Any("error", err),
		)
		c.JSON(status, resp)
		return
	}

	file, err := req.File.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:  "Failed to read uploaded file",
			Reason: string(domain.ReasonMalformed),
		})
		return
	}
	defer file.Close()

	result, err := h.uploader.Upload(c.Request.Context(), file, ingest.Metadata{
		FileName:       req.File.Filename,
		MimeType:       req.File.Header.Get("Content-Type"),
		ProcessingType: req.ProcessingType,
	})
	if err != nil {
		status := statusFor(err)
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.logger.Log(c.Request.Context(), level, "Upload rejected",
			slog.String("file_name", req.File.Filename),
			slog.Int("status", status),
			slog.Any("error", err),
		)
		c.JSON(status, errorResponse(err))
		return
	}

	c.JSON(http.StatusAccepted, dto.UploadResponse{
		JobID:  result.JobID,
		Status: string(result.Status),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Serves the job status, from cache when possible
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "job_id must be a valid UUID",
		})
		return
	}

	view, err := h.statusReader.Status(c.Request.Context(), jobID)
	if err != nil {
		if !domain.IsStorageError(err) && statusFor(err) == http.StatusInternalServerError {
			err = domain.NewStorageError("read job status", err)
		}
		status := statusFor(err)
		if status != http.StatusNotFound {
			h.logger.Error("Failed to get job status",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
		c.JSON(status, errorResponse(err))
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(view))
}
