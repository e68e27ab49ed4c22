package handler

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/cuongbtq/upload-pipeline/internal/api/dto"
	"github.com/cuongbtq/upload-pipeline/internal/domain"
)

// statusFor maps the domain error taxonomy onto HTTP status codes
func statusFor(err error) int {
	if reason, ok := domain.ValidationReasonOf(err); ok {
		if reason == domain.ReasonOversized {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case domain.IsStorageError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse keeps internal details out of non-validation responses
func errorResponse(err error) dto.ErrorResponse {
	if reason, ok := domain.ValidationReasonOf(err); ok {
		return dto.ErrorResponse{
			Error:  errors.FlattenHints(err),
			Reason: string(reason),
		}
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return dto.ErrorResponse{Error: "Request body too large", Reason: string(domain.ReasonOversized)}
	case errors.Is(err, domain.ErrJobNotFound):
		return dto.ErrorResponse{Error: "Job not found"}
	case domain.IsStorageError(err):
		return dto.ErrorResponse{Error: "Storage temporarily unavailable, please retry"}
	default:
		return dto.ErrorResponse{Error: "Internal server error"}
	}
}
