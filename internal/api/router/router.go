package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/stemsplit/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	service := deps.ServiceName
	if service == "" {
		service = "stemsplit"
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"service":     service,
			"jobs":        deps.Registry.Len(),
			"runner":      deps.Runner.Stats(),
			"subscribers": deps.Hub.Subscribers(),
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	eventHandler := handler.NewEventHandler(deps)

	api := r.Group("/api")
	{
		// POST /api/upload - Upload a file and start separation
		api.POST("/upload", jobHandler.Upload)

		// GET /api/status/:job_id - Current job status
		api.GET("/status/:job_id", jobHandler.GetStatus)

		// GET /api/download/:track/:job_id - Download one separated track
		api.GET("/download/:track/:job_id", jobHandler.Download)

		// GET /api/events/:job_id - Server-Sent Events for one job
		api.GET("/events/:job_id", eventHandler.StreamEvents)

		jobs := api.Group("/jobs")
		{
			// GET /api/jobs - List jobs with pagination
			jobs.GET("", jobHandler.ListJobs)

			// DELETE /api/jobs/:job_id - Delete a job and its files
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	// GET /ws - WebSocket event stream, optionally filtered by ?job_id=
	r.GET("/ws", eventHandler.WebSocket)

	return r
}
