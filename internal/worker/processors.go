package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"pushengine/internal/db"
	"pushengine/internal/dispatch"
	"pushengine/internal/provider"
	"pushengine/internal/queue"
	"pushengine/internal/tracking"
	"pushengine/internal/webhook"
)

const (
	// maxFollowUps bounds how many times transient per-target failures are
	// re-sent as new immediate jobs.
	maxFollowUps     = 3
	followUpBaseWait = 30 * time.Second
	scheduleDrift    = 5 * time.Minute
)

type Dispatcher interface {
	SendUnifiedWithRetry(ctx context.Context, payload provider.Payload, targets []provider.Target, dryRun bool) dispatch.UnifiedSendResult
}

type DeviceDirectory interface {
	FindDevicesByIDs(ctx context.Context, projectID string, ids []string) ([]db.Device, error)
	FindDevicesBySegment(ctx context.Context, projectID string, f db.SegmentFilter, limit int) ([]db.Device, error)
	DeactivateTokens(ctx context.Context, projectID string, tokens []string) (int64, error)
}

type JobQueue interface {
	EnqueueImmediate(ctx context.Context, p queue.ImmediatePayload, delay time.Duration) (queue.JobRef, error)
}

type EventFirer interface {
	Fire(ctx context.Context, projectID, event string, payload any) (int, error)
}

type WebhookSender interface {
	Deliver(ctx context.Context, t webhook.Task) error
}

// Deps are the collaborators of the job processors. Tracker and Events may
// be nil.
type Deps struct {
	Engine            Dispatcher
	Devices           DeviceDirectory
	Queue             JobQueue
	Registry          queue.RecurringRegistry
	Events            EventFirer
	Tracker           tracking.Tracker
	Webhooks          WebhookSender
	SegmentMaxResults int
}

type Processors struct {
	Deps
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewProcessors(d Deps) *Processors {
	if d.SegmentMaxResults <= 0 {
		d.SegmentMaxResults = 10000
	}
	return &Processors{Deps: d, now: time.Now, sleep: sleepContext}
}

func (p *Processors) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeImmediate, p.HandleImmediate)
	mux.HandleFunc(queue.TypeScheduled, p.HandleScheduled)
	mux.HandleFunc(queue.TypeBatch, p.HandleBatch)
	mux.HandleFunc(queue.TypeRecurring, p.HandleRecurring)
	mux.HandleFunc(queue.TypeWebhookDelivery, p.HandleWebhook)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// writeResult stores v as the task result. Tasks built outside a server
// have no result writer.
func writeResult(t *asynq.Task, v any) {
	w := t.ResultWriter()
	if w == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal task result", "task_id", w.TaskID(), "error", err)
		return
	}
	if _, err := w.Write(b); err != nil {
		slog.Warn("failed to write task result", "task_id", w.TaskID(), "error", err)
	}
}

func (p *Processors) HandleWebhook(ctx context.Context, t *asynq.Task) error {
	var task webhook.Task
	if err := decode(t, &task); err != nil {
		return err
	}
	return p.Webhooks.Deliver(ctx, task)
}
