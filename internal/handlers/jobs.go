package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"pushengine/internal/auth"
	"pushengine/internal/queue"
	"pushengine/internal/tracking"
)

func (h *Handler) GetJobStatus(c echo.Context) error {
	status, err := h.Inspector.Status(c.Request().Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		return h.fail(c, err, "Failed to get job status")
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) CancelJob(c echo.Context) error {
	if err := h.Inspector.Cancel(c.Request().Context(), c.Param("queue"), c.Param("id")); err != nil {
		return h.fail(c, err, "Failed to cancel job")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Job cancelled"})
}

func (h *Handler) PauseQueue(c echo.Context) error {
	if err := h.Inspector.Pause(c.Param("queue")); err != nil {
		return h.fail(c, err, "Failed to pause queue")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Queue paused"})
}

func (h *Handler) ResumeQueue(c echo.Context) error {
	if err := h.Inspector.Resume(c.Param("queue")); err != nil {
		return h.fail(c, err, "Failed to resume queue")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Queue resumed"})
}

func (h *Handler) QueueStats(c echo.Context) error {
	stats, err := h.Inspector.Stats(c.Request().Context())
	if err != nil {
		return h.fail(c, err, "Failed to get queue stats")
	}
	return c.JSON(http.StatusOK, stats)
}

// HealthCheck is public. Unhealthy maps to 503 so load balancers notice.
func (h *Handler) HealthCheck(c echo.Context) error {
	health, err := h.Inspector.Health(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
	}
	status := http.StatusOK
	if health.Status == queue.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

func (h *Handler) ProviderStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Providers.Statuses())
}

func (h *Handler) RotateWebhookSecret(c echo.Context) error {
	if h.Secrets == nil {
		return errorJSON(c, http.StatusNotFound, "Webhook signing is disabled")
	}
	secret, err := h.Secrets.Rotate(c.Request().Context(), auth.ProjectID(c))
	if err != nil {
		return h.fail(c, err, "Failed to rotate webhook secret")
	}
	return c.JSON(http.StatusOK, map[string]string{"secret": secret})
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	if h.Deliveries == nil {
		return errorJSON(c, http.StatusNotFound, "Delivery tracking is disabled")
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	deliveries, err := h.Deliveries.Deliveries(c.Request().Context(), tracking.Filter{
		ProjectID: auth.ProjectID(c),
		JobID:     c.QueryParam("job_id"),
		Limit:     limit,
	})
	if err != nil {
		return h.fail(c, err, "Failed to list deliveries")
	}
	return c.JSON(http.StatusOK, deliveries)
}
