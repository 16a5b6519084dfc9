package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pushengine/internal/auth"
	"pushengine/internal/handlers"
	"pushengine/internal/ratelimit"
)

func SetupRoutes(e *echo.Echo, h *handlers.Handler, jwtSecret string, limiter *ratelimit.Limiter, rules *ratelimit.Resolver) {
	e.Validator = auth.NewValidator()

	// Public routes
	e.GET("/health", h.HealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Protected routes. A per-IP ceiling runs before auth; the endpoint
	// rules run after it so their keys are per project.
	api := e.Group("/api/v1")
	api.Use(ratelimit.IPMiddleware(limiter, rules.PreAuth()))
	api.Use(auth.JWTMiddleware(jwtSecret))
	api.Use(ratelimit.Middleware(limiter, rules))

	api.POST("/notifications", h.SubmitNotification)
	api.GET("/deliveries", h.ListDeliveries)
	api.GET("/providers", h.ProviderStatus)

	jobs := api.Group("/jobs")
	jobs.GET("/:queue/:id", h.GetJobStatus)
	jobs.DELETE("/:queue/:id", h.CancelJob)

	queues := api.Group("/queues")
	queues.GET("/stats", h.QueueStats)
	queues.POST("/:queue/pause", h.PauseQueue)
	queues.POST("/:queue/resume", h.ResumeQueue)

	webhooks := api.Group("/webhooks")
	webhooks.POST("/secret/rotate", h.RotateWebhookSecret)
}
