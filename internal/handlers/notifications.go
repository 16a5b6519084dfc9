package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"pushengine/internal/auth"
	"pushengine/internal/queue"
)

// SubmitRequest is the discriminated job body of POST /notifications.
type SubmitRequest struct {
	Type          string               `json:"type" validate:"required,oneof=immediate scheduled batch recurring"`
	Notification  *queue.Notification  `json:"notification,omitempty"`
	Notifications []queue.Notification `json:"notifications,omitempty"`
	Priority      queue.Priority       `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`

	SendAt   *time.Time `json:"send_at,omitempty"`
	Timezone string     `json:"timezone,omitempty"`

	BatchSize             int   `json:"batch_size,omitempty"`
	DelayBetweenBatchesMs int64 `json:"delay_between_batches_ms,omitempty"`

	Name          string          `json:"name,omitempty"`
	Schedule      *queue.Schedule `json:"schedule,omitempty"`
	StartDate     *time.Time      `json:"start_date,omitempty"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	MaxExecutions int             `json:"max_executions,omitempty"`
}

// Job converts the request into a job variant.
func (r SubmitRequest) Job() (queue.Job, error) {
	needNotification := func() (queue.Notification, error) {
		if r.Notification == nil {
			return queue.Notification{}, fmt.Errorf("%w: notification is required", queue.ErrInvalidJob)
		}
		return *r.Notification, nil
	}

	switch queue.Shape(r.Type) {
	case queue.ShapeImmediate:
		n, err := needNotification()
		if err != nil {
			return nil, err
		}
		return queue.ImmediateJob{Notification: n, Priority: r.Priority}, nil
	case queue.ShapeScheduled:
		n, err := needNotification()
		if err != nil {
			return nil, err
		}
		if r.SendAt == nil {
			return nil, fmt.Errorf("%w: send_at is required", queue.ErrInvalidJob)
		}
		return queue.ScheduledJob{Notification: n, SendAt: *r.SendAt, Timezone: r.Timezone, Priority: r.Priority}, nil
	case queue.ShapeBatch:
		return queue.BatchJob{
			Notifications:       r.Notifications,
			BatchSize:           r.BatchSize,
			DelayBetweenBatches: time.Duration(r.DelayBetweenBatchesMs) * time.Millisecond,
			Priority:            r.Priority,
		}, nil
	case queue.ShapeRecurring:
		n, err := needNotification()
		if err != nil {
			return nil, err
		}
		if r.Schedule == nil {
			return nil, fmt.Errorf("%w: schedule is required", queue.ErrInvalidJob)
		}
		return queue.RecurringJob{
			Name:          r.Name,
			Notification:  n,
			Schedule:      *r.Schedule,
			StartDate:     r.StartDate,
			EndDate:       r.EndDate,
			MaxExecutions: r.MaxExecutions,
			Priority:      r.Priority,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown job type %q", queue.ErrInvalidJob, r.Type)
}

func (h *Handler) SubmitNotification(c echo.Context) error {
	projectID := auth.ProjectID(c)

	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	job, err := req.Job()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	sub, err := h.Jobs.Submit(c.Request().Context(), projectID, job)
	if err != nil {
		slog.Warn("job rejected", "project_id", projectID, "type", req.Type, "error", err)
		return h.fail(c, err, "Failed to submit job")
	}

	if sub.Result != nil {
		return c.JSON(http.StatusOK, sub)
	}
	return c.JSON(http.StatusAccepted, sub)
}
