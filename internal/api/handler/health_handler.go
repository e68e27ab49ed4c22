package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/upload-pipeline/internal/api/dto"
	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 3 * time.Second

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := dto.HealthResponse{
		Status:  "healthy",
		Service: h.serviceName,
	}
	code := http.StatusOK

	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
		for name, checker := range h.checks {
			if err := checker.HealthCheck(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	c.JSON(code, resp)
}
