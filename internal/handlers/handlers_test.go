package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushengine/internal/auth"
	"pushengine/internal/dispatch"
	"pushengine/internal/queue"
)

type fakeSubmitter struct {
	project string
	job     queue.Job
	sub     *queue.Submission
	err     error
}

func (f *fakeSubmitter) Submit(ctx context.Context, projectID string, job queue.Job) (*queue.Submission, error) {
	f.project = projectID
	f.job = job
	if f.err != nil {
		return nil, f.err
	}
	if f.sub != nil {
		return f.sub, nil
	}
	return &queue.Submission{Job: queue.JobRef{ID: "j1", Queue: "notifications:immediate:normal"}, Shape: job.Shape(), Mode: "queued"}, nil
}

type fakeInspector struct {
	health *queue.Health
	err    error
}

func (f *fakeInspector) Status(ctx context.Context, logical, id string) (*queue.JobStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &queue.JobStatus{ID: id, Queue: logical, State: queue.StateWaiting}, nil
}
func (f *fakeInspector) Cancel(ctx context.Context, logical, id string) error { return f.err }
func (f *fakeInspector) Pause(logical string) error                          { return f.err }
func (f *fakeInspector) Resume(logical string) error                         { return f.err }
func (f *fakeInspector) Stats(ctx context.Context) ([]queue.QueueStats, error) {
	return nil, f.err
}
func (f *fakeInspector) Health(ctx context.Context) (*queue.Health, error) {
	return f.health, f.err
}

func newServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.Validator = auth.NewValidator()
	withProject := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(auth.ContextKey, "p1")
			return next(c)
		}
	}
	e.GET("/health", h.HealthCheck)
	e.POST("/notifications", h.SubmitNotification, withProject)
	e.GET("/jobs/:queue/:id", h.GetJobStatus, withProject)
	e.POST("/queues/:queue/pause", h.PauseQueue, withProject)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitNotification_Immediate(t *testing.T) {
	jobs := &fakeSubmitter{}
	e := newServer(&Handler{Jobs: jobs})

	rec := do(e, http.MethodPost, "/notifications", `{
		"type": "immediate",
		"priority": 3,
		"notification": {
			"payload": {"title": "Hi", "body": "There"},
			"targeting": {"device_ids": ["d1"]}
		}
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "p1", jobs.project)
	job, ok := jobs.job.(queue.ImmediateJob)
	require.True(t, ok)
	assert.Equal(t, queue.PriorityHigh, job.Priority)
	assert.Equal(t, []string{"d1"}, job.Notification.Targeting.DeviceIDs)
}

func TestSubmitNotification_DirectModeReturnsResult(t *testing.T) {
	result := dispatch.Aggregate(nil)
	jobs := &fakeSubmitter{sub: &queue.Submission{Shape: queue.ShapeImmediate, Mode: "direct", Result: &result}}
	e := newServer(&Handler{Jobs: jobs})

	rec := do(e, http.MethodPost, "/notifications", `{"type":"immediate","notification":{"payload":{"title":"a","body":"b"},"targeting":{"topics":["x"]}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRequest_Job(t *testing.T) {
	sendAt := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	n := &queue.Notification{}

	job, err := SubmitRequest{Type: "scheduled", Notification: n, SendAt: &sendAt, Timezone: "UTC"}.Job()
	require.NoError(t, err)
	assert.Equal(t, sendAt, job.(queue.ScheduledJob).SendAt)

	job, err = SubmitRequest{Type: "batch", Notifications: []queue.Notification{*n}, DelayBetweenBatchesMs: 250}.Job()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, job.(queue.BatchJob).DelayBetweenBatches)

	job, err = SubmitRequest{Type: "recurring", Notification: n, Schedule: &queue.Schedule{Type: "cron", Value: "0 9 * * *"}, MaxExecutions: 3}.Job()
	require.NoError(t, err)
	assert.Equal(t, 3, job.(queue.RecurringJob).MaxExecutions)

	_, err = SubmitRequest{Type: "scheduled", Notification: n}.Job()
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
	_, err = SubmitRequest{Type: "immediate"}.Job()
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
	_, err = SubmitRequest{Type: "recurring", Notification: n}.Job()
	assert.ErrorIs(t, err, queue.ErrInvalidJob)
}

func TestSubmitNotification_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"unknown type", `{"type":"sometimes"}`, nil, http.StatusBadRequest},
		{"bad priority", `{"type":"immediate","priority":11,"notification":{}}`, nil, http.StatusBadRequest},
		{"malformed", `{"type":`, nil, http.StatusBadRequest},
		{"past schedule", `{"type":"scheduled","send_at":"2020-01-01T00:00:00Z","notification":{"payload":{"title":"a","body":"b"}}}`, queue.ErrScheduleInPast, http.StatusBadRequest},
		{"queue down", `{"type":"batch","notifications":[{}]}`, queue.ErrQueueUnavailable, http.StatusServiceUnavailable},
		{"no targets", `{"type":"immediate","notification":{"payload":{"title":"a","body":"b"}}}`, queue.ErrNoTargets, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newServer(&Handler{Jobs: &fakeSubmitter{err: tt.err}})
			rec := do(e, http.MethodPost, "/notifications", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestJobRoutes(t *testing.T) {
	e := newServer(&Handler{Inspector: &fakeInspector{}})
	rec := do(e, http.MethodGet, "/jobs/immediate/j1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status queue.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "j1", status.ID)
	assert.Equal(t, queue.StateWaiting, status.State)

	e = newServer(&Handler{Inspector: &fakeInspector{err: queue.ErrUnknownQueue}})
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodPost, "/queues/bogus/pause", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/jobs/bogus/j1", "").Code)
}

func TestHealthCheck(t *testing.T) {
	e := newServer(&Handler{Inspector: &fakeInspector{health: &queue.Health{Status: queue.HealthDegraded, Mode: "direct"}}})
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/health", "").Code)

	e = newServer(&Handler{Inspector: &fakeInspector{health: &queue.Health{Status: queue.HealthUnhealthy}}})
	assert.Equal(t, http.StatusServiceUnavailable, do(e, http.MethodGet, "/health", "").Code)
}
