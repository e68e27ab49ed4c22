package router

import (
	"github.com/cuongbtq/upload-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	jobHandler := handler.NewJobHandler(deps)

	uploadChain := []gin.HandlerFunc{}
	if deps.UploadRateLimit > 0 {
		uploadChain = append(uploadChain, RateLimitMiddleware(NewRateLimiter(deps.UploadRateLimit, deps.UploadBurst)))
	}
	uploadChain = append(uploadChain, jobHandler.Upload)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/uploads - Accept a file for asynchronous processing
		v1.POST("/uploads", uploadChain...)

		// GET /api/v1/jobs/:job_id - Get job status
		v1.GET("/jobs/:job_id", jobHandler.GetJob)
	}

	return r
}
