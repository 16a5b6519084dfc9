package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"pushengine/internal/metrics"
	"pushengine/internal/queue"
)

type ScheduledResult struct {
	ImmediateJobID string `json:"immediate_job_id"`
	DriftMillis    int64  `json:"drift_ms"`
}

// HandleScheduled hands a due scheduled job over to the immediate queue at
// high priority.
func (p *Processors) HandleScheduled(ctx context.Context, t *asynq.Task) error {
	var payload queue.ScheduledPayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	now := p.now()
	drift := now.Sub(payload.SendAt)
	if drift > scheduleDrift {
		slog.Warn("scheduled job running late",
			"job_id", payload.JobID,
			"scheduled_for", payload.SendAt,
			"drift", drift)
	}

	n := payload.Notification.WithMetadata(map[string]string{
		"scheduled_job_id": payload.JobID,
		"scheduled_for":    payload.SendAt.UTC().Format(time.RFC3339),
		"executed_at":      now.UTC().Format(time.RFC3339),
		"timezone":         payload.Timezone,
	})

	ref, err := p.Queue.EnqueueImmediate(ctx, queue.ImmediatePayload{
		JobID:        queue.NewID(),
		ProjectID:    payload.ProjectID,
		Notification: n,
		Priority:     queue.PriorityHigh,
	}, 0)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(string(queue.ShapeScheduled), "failed").Inc()
		return err
	}

	metrics.JobsProcessed.WithLabelValues(string(queue.ShapeScheduled), "completed").Inc()
	slog.Info("scheduled job released", "job_id", payload.JobID, "immediate_job_id", ref.ID)
	writeResult(t, ScheduledResult{ImmediateJobID: ref.ID, DriftMillis: drift.Milliseconds()})
	return nil
}
