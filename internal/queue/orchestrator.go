package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"pushengine/internal/db"
	"pushengine/internal/dispatch"
	"pushengine/internal/metrics"
)

// Mode says whether jobs go through the queue or, with the backend down,
// immediate jobs are dispatched in-process.
type Mode int

const (
	ModeQueued Mode = iota
	ModeDirect
)

func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "queued"
}

// DetectMode pings Redis once. It is called at startup only.
func DetectMode(ctx context.Context, client redis.UniversalClient) Mode {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("queue backend unreachable, immediate jobs will be dispatched directly", "error", err)
		return ModeDirect
	}
	return ModeQueued
}

// DirectDispatcher runs an immediate job in-process.
type DirectDispatcher interface {
	DispatchNow(ctx context.Context, p ImmediatePayload) (dispatch.UnifiedSendResult, error)
}

// RecurringRegistry persists recurring jobs.
type RecurringRegistry interface {
	CreateRecurring(ctx context.Context, j *db.RecurringJob) error
	GetRecurring(ctx context.Context, id string) (*db.RecurringJob, error)
	ListActiveRecurring(ctx context.Context) ([]db.RecurringJob, error)
	DeactivateRecurring(ctx context.Context, id string) error
	IncrementExecutions(ctx context.Context, id string) (int, error)
}

// Submission is what the caller gets back.
type Submission struct {
	Job          JobRef                      `json:"job"`
	Shape        Shape                       `json:"shape"`
	Mode         string                      `json:"mode"`
	ScheduledFor *time.Time                  `json:"scheduled_for,omitempty"`
	NextRun      *time.Time                  `json:"next_run,omitempty"`
	Result       *dispatch.UnifiedSendResult `json:"result,omitempty"`
}

type Orchestrator struct {
	client   *Client
	registry RecurringRegistry
	direct   DirectDispatcher
	mode     Mode
	validate *validator.Validate
	now      func() time.Time
}

func NewOrchestrator(client *Client, registry RecurringRegistry, direct DirectDispatcher, mode Mode) *Orchestrator {
	return &Orchestrator{
		client:   client,
		registry: registry,
		direct:   direct,
		mode:     mode,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (o *Orchestrator) Mode() Mode { return o.mode }

// Submit validates job and hands it to the queue, or in direct mode runs an
// immediate job synchronously.
func (o *Orchestrator) Submit(ctx context.Context, projectID string, job Job) (*Submission, error) {
	var (
		sub *Submission
		err error
	)
	switch j := job.(type) {
	case ImmediateJob:
		sub, err = o.submitImmediate(ctx, projectID, j)
	case ScheduledJob:
		sub, err = o.submitScheduled(ctx, projectID, j)
	case BatchJob:
		sub, err = o.submitBatch(ctx, projectID, j)
	case RecurringJob:
		sub, err = o.submitRecurring(ctx, projectID, j)
	default:
		return nil, invalid("unsupported job type %T", job)
	}
	if err != nil {
		return nil, err
	}

	metrics.JobsSubmitted.WithLabelValues(string(sub.Shape), sub.Mode).Inc()
	slog.Info("job submitted",
		"project_id", projectID,
		"shape", sub.Shape,
		"job_id", sub.Job.ID,
		"queue", sub.Job.Queue,
		"mode", sub.Mode)
	return sub, nil
}

func (o *Orchestrator) checkNotification(n Notification) error {
	if err := o.validate.Struct(n.Payload); err != nil {
		return invalid("payload: %v", err)
	}
	if s := n.Targeting.strategies(); s != 1 {
		return invalid("exactly one targeting strategy is required, got %d", s)
	}
	for _, t := range n.Targeting.Targets {
		if err := t.Validate(); err != nil {
			return invalid("target: %v", err)
		}
	}
	return nil
}

func checkPriority(p Priority, fallback Priority) (Priority, error) {
	if p == 0 {
		return fallback, nil
	}
	if !p.Valid() {
		return 0, invalid("priority must be between 1 and 10, got %d", p)
	}
	return p, nil
}

func (o *Orchestrator) submitImmediate(ctx context.Context, projectID string, j ImmediateJob) (*Submission, error) {
	if err := o.checkNotification(j.Notification); err != nil {
		return nil, err
	}
	priority, err := checkPriority(j.Priority, PriorityNormal)
	if err != nil {
		return nil, err
	}

	payload := ImmediatePayload{
		JobID:        NewID(),
		ProjectID:    projectID,
		Notification: j.Notification,
		Priority:     priority,
	}

	if o.mode == ModeDirect {
		if o.direct == nil {
			return nil, ErrQueueUnavailable
		}
		result, err := o.direct.DispatchNow(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &Submission{
			Job:    JobRef{ID: payload.JobID, Queue: "direct"},
			Shape:  ShapeImmediate,
			Mode:   ModeDirect.String(),
			Result: &result,
		}, nil
	}

	ref, err := o.client.EnqueueImmediate(ctx, payload, 0)
	if err != nil {
		return nil, err
	}
	return &Submission{Job: ref, Shape: ShapeImmediate, Mode: ModeQueued.String()}, nil
}

func (o *Orchestrator) submitScheduled(ctx context.Context, projectID string, j ScheduledJob) (*Submission, error) {
	if o.mode == ModeDirect {
		return nil, ErrQueueUnavailable
	}
	if err := o.checkNotification(j.Notification); err != nil {
		return nil, err
	}
	priority, err := checkPriority(j.Priority, PriorityNormal)
	if err != nil {
		return nil, err
	}
	if j.Timezone != "" {
		if _, err := time.LoadLocation(j.Timezone); err != nil {
			return nil, invalid("unknown timezone %q", j.Timezone)
		}
	}
	if j.SendAt.IsZero() {
		return nil, invalid("send_at is required")
	}

	delay := j.SendAt.Sub(o.now())
	if delay < 0 {
		return nil, ErrScheduleInPast
	}

	ref, err := o.client.EnqueueScheduled(ctx, ScheduledPayload{
		JobID:        NewID(),
		ProjectID:    projectID,
		Notification: j.Notification,
		SendAt:       j.SendAt,
		Timezone:     j.Timezone,
		Priority:     priority,
	}, delay)
	if err != nil {
		return nil, err
	}
	sendAt := j.SendAt
	return &Submission{Job: ref, Shape: ShapeScheduled, Mode: ModeQueued.String(), ScheduledFor: &sendAt}, nil
}

func (o *Orchestrator) submitBatch(ctx context.Context, projectID string, j BatchJob) (*Submission, error) {
	if o.mode == ModeDirect {
		return nil, ErrQueueUnavailable
	}
	if len(j.Notifications) == 0 {
		return nil, invalid("batch has no notifications")
	}
	for i, n := range j.Notifications {
		if err := o.checkNotification(n); err != nil {
			return nil, fmt.Errorf("notification %d: %w", i, err)
		}
	}

	size := j.BatchSize
	if size == 0 {
		size = DefaultBatchSize
	}
	if size < 1 || size > MaxBatchSize {
		return nil, invalid("batch size must be between 1 and %d, got %d", MaxBatchSize, size)
	}
	delay := j.DelayBetweenBatches
	if delay == 0 {
		delay = DefaultDelayBetweenBatches
	}
	if delay < 0 {
		return nil, invalid("delay between batches cannot be negative")
	}
	chunks := (len(j.Notifications) + size - 1) / size
	if pacing := time.Duration(chunks-1) * delay; pacing > MaxBatchPacing {
		return nil, invalid("%d chunks paced %s apart need %s, more than the %s a batch may spend waiting",
			chunks, delay, pacing, MaxBatchPacing)
	}
	priority, err := checkPriority(j.Priority, PriorityLow)
	if err != nil {
		return nil, err
	}

	ref, err := o.client.EnqueueBatch(ctx, BatchPayload{
		JobID:               NewID(),
		ProjectID:           projectID,
		Notifications:       j.Notifications,
		BatchSize:           size,
		DelayBetweenBatches: delay,
		Priority:            priority,
	})
	if err != nil {
		return nil, err
	}
	return &Submission{Job: ref, Shape: ShapeBatch, Mode: ModeQueued.String()}, nil
}

func (o *Orchestrator) submitRecurring(ctx context.Context, projectID string, j RecurringJob) (*Submission, error) {
	if o.mode == ModeDirect {
		return nil, ErrQueueUnavailable
	}
	if o.registry == nil {
		return nil, fmt.Errorf("recurring jobs need a registry")
	}
	if err := o.checkNotification(j.Notification); err != nil {
		return nil, err
	}
	priority, err := checkPriority(j.Priority, PriorityNormal)
	if err != nil {
		return nil, err
	}
	spec, err := j.Schedule.CronSpec()
	if err != nil {
		return nil, err
	}

	now := o.now()
	if j.EndDate != nil {
		if !j.EndDate.After(now) {
			return nil, invalid("end date is in the past")
		}
		if j.StartDate != nil && j.EndDate.Before(*j.StartDate) {
			return nil, invalid("end date is before start date")
		}
	}
	if j.MaxExecutions < 0 {
		return nil, invalid("max executions cannot be negative")
	}

	raw, err := json.Marshal(j.Notification)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}

	row := &db.RecurringJob{
		ID:            NewID(),
		ProjectID:     projectID,
		Name:          j.Name,
		ScheduleType:  j.Schedule.Type,
		ScheduleValue: j.Schedule.Value,
		Timezone:      j.Schedule.Timezone,
		CronSpec:      spec,
		Payload:       raw,
		Priority:      int(priority),
		StartDate:     j.StartDate,
		EndDate:       j.EndDate,
	}
	if row.Timezone == "" {
		row.Timezone = "UTC"
	}
	if j.MaxExecutions > 0 {
		limit := j.MaxExecutions
		row.MaxExecutions = &limit
	}
	if err := o.registry.CreateRecurring(ctx, row); err != nil {
		return nil, err
	}

	sub := &Submission{
		Job:   JobRef{ID: row.ID, Queue: string(ShapeRecurring)},
		Shape: ShapeRecurring,
		Mode:  ModeQueued.String(),
	}
	from := now
	if j.StartDate != nil && j.StartDate.After(now) {
		from = *j.StartDate
	}
	if next, err := NextRun(spec, from); err == nil {
		sub.NextRun = &next
	}
	return sub, nil
}
