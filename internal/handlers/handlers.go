package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"

	"pushengine/internal/provider"
	"pushengine/internal/queue"
	"pushengine/internal/tracking"
)

type Submitter interface {
	Submit(ctx context.Context, projectID string, job queue.Job) (*queue.Submission, error)
}

type JobInspector interface {
	Status(ctx context.Context, logical, id string) (*queue.JobStatus, error)
	Cancel(ctx context.Context, logical, id string) error
	Pause(logical string) error
	Resume(logical string) error
	Stats(ctx context.Context) ([]queue.QueueStats, error)
	Health(ctx context.Context) (*queue.Health, error)
}

type SecretRotator interface {
	Rotate(ctx context.Context, projectID string) (string, error)
}

type DeliveryLister interface {
	Deliveries(ctx context.Context, filter tracking.Filter) ([]*tracking.Delivery, error)
}

type ProviderStatuses interface {
	Statuses() []provider.Status
}

// Handler serves the operational API. Deliveries may be nil when tracking
// is disabled.
type Handler struct {
	Jobs       Submitter
	Inspector  JobInspector
	Secrets    SecretRotator
	Deliveries DeliveryLister
	Providers  ProviderStatuses
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidJob), errors.Is(err, queue.ErrScheduleInPast):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrNoTargets):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrUnknownQueue):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, asynq.ErrTaskIDConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c echo.Context, err error, fallback string) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.Path(), "error", err)
		return errorJSON(c, status, fallback)
	}
	return errorJSON(c, status, err.Error())
}
