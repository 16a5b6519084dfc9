package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"pushengine/internal/db"
	"pushengine/internal/metrics"
	"pushengine/internal/queue"
)

const (
	SkipInactive             = "inactive"
	SkipPastEndDate          = "past_end_date"
	SkipBeforeStartDate      = "before_start_date"
	SkipMaxExecutionsReached = "max_executions_reached"
)

type RecurringResult struct {
	Status         string `json:"status"` // executed|skipped
	Reason         string `json:"reason,omitempty"`
	ImmediateJobID string `json:"immediate_job_id,omitempty"`
	ExecutionCount int    `json:"execution_count"`
}

func (p *Processors) HandleRecurring(ctx context.Context, t *asynq.Task) error {
	var payload queue.RecurringPayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	result, err := p.runRecurring(ctx, payload.RecurringID)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(string(queue.ShapeRecurring), "failed").Inc()
		return err
	}
	outcome := "completed"
	if result.Status == "skipped" {
		outcome = "skipped"
	}
	metrics.JobsProcessed.WithLabelValues(string(queue.ShapeRecurring), outcome).Inc()
	writeResult(t, result)
	return nil
}

func (p *Processors) runRecurring(ctx context.Context, id string) (RecurringResult, error) {
	row, err := p.Registry.GetRecurring(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return RecurringResult{}, fmt.Errorf("recurring job %s: %w", id, asynq.SkipRetry)
	}
	if err != nil {
		return RecurringResult{}, err
	}

	now := p.now()
	skip := func(reason string, deactivate bool) (RecurringResult, error) {
		if deactivate {
			if err := p.Registry.DeactivateRecurring(ctx, id); err != nil {
				return RecurringResult{}, err
			}
		}
		slog.Info("recurring job skipped", "recurring_id", id, "reason", reason)
		return RecurringResult{Status: "skipped", Reason: reason, ExecutionCount: row.ExecutionCount}, nil
	}

	switch {
	case !row.Active:
		return skip(SkipInactive, false)
	case row.EndDate != nil && now.After(*row.EndDate):
		return skip(SkipPastEndDate, true)
	case row.StartDate != nil && now.Before(*row.StartDate):
		return skip(SkipBeforeStartDate, false)
	case row.MaxExecutions != nil && row.ExecutionCount >= *row.MaxExecutions:
		return skip(SkipMaxExecutionsReached, true)
	}

	var n queue.Notification
	if err := json.Unmarshal(row.Payload, &n); err != nil {
		return RecurringResult{}, fmt.Errorf("recurring job %s has a corrupt payload: %v: %w", id, err, asynq.SkipRetry)
	}
	n = n.WithMetadata(map[string]string{
		"recurring_job_id": row.ID,
		"execution_time":   now.UTC().Format(time.RFC3339),
		"schedule":         row.CronSpec,
	})

	// The id names the execution slot, so a retry after a failed increment
	// finds the notification already queued instead of sending it twice.
	jobID := RecurringExecutionID(row.ID, row.ExecutionCount+1)
	_, err = p.Queue.EnqueueImmediate(ctx, queue.ImmediatePayload{
		JobID:        jobID,
		ProjectID:    row.ProjectID,
		Notification: n,
		Priority:     queue.PriorityNormal,
	}, 0)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		slog.Info("recurring execution already queued", "recurring_id", id, "immediate_job_id", jobID)
	} else if err != nil {
		return RecurringResult{}, err
	}

	count, err := p.Registry.IncrementExecutions(ctx, id)
	if err != nil {
		return RecurringResult{}, err
	}
	if row.MaxExecutions != nil && count >= *row.MaxExecutions {
		if err := p.Registry.DeactivateRecurring(ctx, id); err != nil {
			return RecurringResult{}, err
		}
		slog.Info("recurring job reached its execution limit", "recurring_id", id, "executions", count)
	}

	slog.Info("recurring job fired", "recurring_id", id, "immediate_job_id", jobID, "executions", count)
	return RecurringResult{Status: "executed", ImmediateJobID: jobID, ExecutionCount: count}, nil
}

// RecurringExecutionID is the task id of the n-th firing of a recurring job.
func RecurringExecutionID(recurringID string, n int) string {
	return fmt.Sprintf("%s-run-%d", recurringID, n)
}
