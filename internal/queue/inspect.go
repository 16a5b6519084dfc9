package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"pushengine/internal/db"
	"pushengine/internal/metrics"
)

// TaskInspector is the part of *asynq.Inspector used for introspection.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
	PauseQueue(queue string) error
	UnpauseQueue(queue string) error
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Job states as reported to callers.
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateFailed    = "failed"
	StateCompleted = "completed"
	StateInactive  = "inactive"
)

type JobStatus struct {
	ID            string     `json:"id"`
	Queue         string     `json:"queue"`
	Type          string     `json:"type,omitempty"`
	State         string     `json:"state"`
	Retried       int        `json:"retried"`
	MaxRetry      int        `json:"max_retry"`
	LastError     string     `json:"last_error,omitempty"`
	NextProcessAt *time.Time `json:"next_process_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        []byte     `json:"result,omitempty"`
}

type QueueStats struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Delayed   int    `json:"delayed"`
	Failed    int    `json:"failed"`
	Completed int    `json:"completed"`
	Paused    bool   `json:"paused"`
}

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

type Health struct {
	Status string       `json:"status"`
	Mode   string       `json:"mode"`
	Queues []QueueStats `json:"queues"`
}

type Inspector struct {
	tasks    TaskInspector
	registry RecurringRegistry
	mode     Mode
}

func NewInspector(tasks TaskInspector, registry RecurringRegistry, mode Mode) *Inspector {
	return &Inspector{tasks: tasks, registry: registry, mode: mode}
}

func mapState(s asynq.TaskState) string {
	switch s {
	case asynq.TaskStatePending:
		return StateWaiting
	case asynq.TaskStateActive:
		return StateActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
		return StateDelayed
	case asynq.TaskStateArchived:
		return StateFailed
	case asynq.TaskStateCompleted:
		return StateCompleted
	}
	return s.String()
}

// find looks id up in every physical queue behind logical.
func (i *Inspector) find(logical, id string) (*asynq.TaskInfo, error) {
	queues, err := PhysicalQueues(logical)
	if err != nil {
		return nil, err
	}
	for _, q := range queues {
		info, err := i.tasks.GetTaskInfo(q, id)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		return nil, fmt.Errorf("failed to get task info: %w", err)
	}
	return nil, ErrJobNotFound
}

// Status reports one job. Recurring jobs are answered from the registry.
func (i *Inspector) Status(ctx context.Context, logical, id string) (*JobStatus, error) {
	if logical == string(ShapeRecurring) {
		if st, err := i.recurringStatus(ctx, id); err == nil || !errors.Is(err, ErrJobNotFound) {
			return st, err
		}
	}

	info, err := i.find(logical, id)
	if err != nil {
		return nil, err
	}

	st := &JobStatus{
		ID:        info.ID,
		Queue:     info.Queue,
		Type:      info.Type,
		State:     mapState(info.State),
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
		LastError: info.LastErr,
		Result:    info.Result,
	}
	if !info.NextProcessAt.IsZero() {
		t := info.NextProcessAt
		st.NextProcessAt = &t
	}
	if !info.CompletedAt.IsZero() {
		t := info.CompletedAt
		st.CompletedAt = &t
	}
	return st, nil
}

func (i *Inspector) recurringStatus(ctx context.Context, id string) (*JobStatus, error) {
	if i.registry == nil {
		return nil, ErrJobNotFound
	}
	row, err := i.registry.GetRecurring(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	st := &JobStatus{
		ID:      row.ID,
		Queue:   string(ShapeRecurring),
		Type:    TypeRecurring,
		State:   StateActive,
		Retried: row.ExecutionCount,
	}
	if !row.Active {
		st.State = StateInactive
		return st, nil
	}
	if next, err := NextRun(row.CronSpec, time.Now()); err == nil {
		st.NextProcessAt = &next
	}
	return st, nil
}

// Cancel removes a job that has not run, stops one that is running, or
// deactivates a recurring job.
func (i *Inspector) Cancel(ctx context.Context, logical, id string) error {
	if logical == string(ShapeRecurring) && i.registry != nil {
		err := i.registry.DeactivateRecurring(ctx, id)
		if err == nil {
			slog.Info("recurring job deactivated", "recurring_id", id)
			return nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
	}

	info, err := i.find(logical, id)
	if err != nil {
		return err
	}

	switch info.State {
	case asynq.TaskStateActive:
		if err := i.tasks.CancelProcessing(id); err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		return fmt.Errorf("job %s already %s", id, mapState(info.State))
	default:
		if err := i.tasks.DeleteTask(info.Queue, id); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}
	slog.Info("job cancelled", "job_id", id, "queue", info.Queue)
	return nil
}

func (i *Inspector) Pause(logical string) error {
	return i.eachQueue(logical, i.tasks.PauseQueue)
}

func (i *Inspector) Resume(logical string) error {
	return i.eachQueue(logical, i.tasks.UnpauseQueue)
}

func (i *Inspector) eachQueue(logical string, fn func(string) error) error {
	queues, err := PhysicalQueues(logical)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if err := fn(q); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return fmt.Errorf("failed on queue %s: %w", q, err)
		}
	}
	return nil
}

// Stats sums the physical queues of every logical queue and refreshes the
// queue depth gauges.
func (i *Inspector) Stats(ctx context.Context) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(LogicalQueues()))
	for _, logical := range LogicalQueues() {
		queues, _ := PhysicalQueues(logical)
		s := QueueStats{Queue: logical}
		for _, q := range queues {
			info, err := i.tasks.GetQueueInfo(q)
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to get queue info for %s: %w", q, err)
			}
			s.Waiting += info.Pending
			s.Active += info.Active
			s.Delayed += info.Scheduled + info.Retry
			s.Failed += info.Archived
			s.Completed += info.Completed
			s.Paused = s.Paused || info.Paused
		}

		metrics.QueueDepth.WithLabelValues(logical, StateWaiting).Set(float64(s.Waiting))
		metrics.QueueDepth.WithLabelValues(logical, StateActive).Set(float64(s.Active))
		metrics.QueueDepth.WithLabelValues(logical, StateDelayed).Set(float64(s.Delayed))
		metrics.QueueDepth.WithLabelValues(logical, StateFailed).Set(float64(s.Failed))
		metrics.QueueDepth.WithLabelValues(logical, StateCompleted).Set(float64(s.Completed))
		out = append(out, s)
	}
	return out, nil
}

// Health rolls the stats up into one verdict.
func (i *Inspector) Health(ctx context.Context) (*Health, error) {
	h := &Health{Status: HealthHealthy, Mode: i.mode.String()}
	if i.mode == ModeDirect {
		h.Status = HealthDegraded
		return h, nil
	}

	stats, err := i.Stats(ctx)
	if err != nil {
		return nil, err
	}
	h.Queues = stats
	h.Status = RollUp(stats)
	return h, nil
}

// RollUp is unhealthy when any queue has 100 failed or 10000 waiting jobs,
// degraded at 10 failed or 1000 waiting.
func RollUp(stats []QueueStats) string {
	status := HealthHealthy
	for _, s := range stats {
		switch {
		case s.Failed >= 100 || s.Waiting >= 10000:
			return HealthUnhealthy
		case s.Failed >= 10 || s.Waiting >= 1000:
			status = HealthDegraded
		}
	}
	return status
}
