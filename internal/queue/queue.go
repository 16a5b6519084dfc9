package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task types.
const (
	TypeImmediate       = "notification:immediate"
	TypeScheduled       = "notification:scheduled"
	TypeBatch           = "notification:batch"
	TypeRecurring       = "notification:recurring"
	TypeWebhookDelivery = "webhook:deliver"
)

// QueueWebhooks carries outbound webhook deliveries.
const QueueWebhooks = "webhooks"

// Priority bands. asynq orders work per queue, so every logical queue is
// split into one physical queue per band.
const (
	BandCritical = "critical"
	BandHigh     = "high"
	BandNormal   = "normal"
	BandLow      = "low"
	BandBulk     = "bulk"
)

var Bands = []string{BandCritical, BandHigh, BandNormal, BandLow, BandBulk}

var bandWeights = map[string]int{
	BandCritical: 16,
	BandHigh:     8,
	BandNormal:   4,
	BandLow:      2,
	BandBulk:     1,
}

var shapeWeights = map[Shape]int{
	ShapeImmediate: 4,
	ShapeScheduled: 3,
	ShapeRecurring: 2,
	ShapeBatch:     1,
}

var Shapes = []Shape{ShapeImmediate, ShapeScheduled, ShapeBatch, ShapeRecurring}

func band(p Priority) string {
	switch {
	case p <= 2:
		return BandCritical
	case p <= 4:
		return BandHigh
	case p <= 6:
		return BandNormal
	case p <= 8:
		return BandLow
	}
	return BandBulk
}

// QueueName is the physical queue for a shape at a priority.
func QueueName(shape Shape, p Priority) string {
	return fmt.Sprintf("notifications:%s:%s", shape, band(p))
}

// PhysicalQueues lists the physical queues behind a logical queue name
// ("immediate", "scheduled", "batch", "recurring", "webhooks").
func PhysicalQueues(logical string) ([]string, error) {
	if logical == QueueWebhooks {
		return []string{QueueWebhooks}, nil
	}
	for _, s := range Shapes {
		if string(s) != logical {
			continue
		}
		out := make([]string, 0, len(Bands))
		for _, b := range Bands {
			out = append(out, fmt.Sprintf("notifications:%s:%s", s, b))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, logical)
}

// LogicalQueues are the names accepted by the introspection API.
func LogicalQueues() []string {
	out := make([]string, 0, len(Shapes)+1)
	for _, s := range Shapes {
		out = append(out, string(s))
	}
	return append(out, QueueWebhooks)
}

// Weights is the asynq.Config.Queues map for the worker.
func Weights() map[string]int {
	w := make(map[string]int, len(Shapes)*len(Bands)+1)
	for _, s := range Shapes {
		for _, b := range Bands {
			w[fmt.Sprintf("notifications:%s:%s", s, b)] = shapeWeights[s] * bandWeights[b]
		}
	}
	w[QueueWebhooks] = 3 * bandWeights[BandHigh]
	return w
}

// JobRef locates a submitted job.
type JobRef struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// ImmediatePayload is the task body of an immediate job. Generation counts
// follow-up sends for transient failures.
type ImmediatePayload struct {
	JobID        string       `json:"job_id"`
	ProjectID    string       `json:"project_id"`
	Notification Notification `json:"notification"`
	Priority     Priority     `json:"priority"`
	Generation   int          `json:"generation,omitempty"`
}

type ScheduledPayload struct {
	JobID        string       `json:"job_id"`
	ProjectID    string       `json:"project_id"`
	Notification Notification `json:"notification"`
	SendAt       time.Time    `json:"send_at"`
	Timezone     string       `json:"timezone,omitempty"`
	Priority     Priority     `json:"priority"`
}

type BatchPayload struct {
	JobID               string         `json:"job_id"`
	ProjectID           string         `json:"project_id"`
	Notifications       []Notification `json:"notifications"`
	BatchSize           int            `json:"batch_size"`
	DelayBetweenBatches time.Duration  `json:"delay_between_batches"`
	Priority            Priority       `json:"priority"`
}

// RecurringPayload only names the registry row; everything else is read
// from the registry when the job fires.
type RecurringPayload struct {
	RecurringID string `json:"recurring_id"`
}

// Enqueuer is the part of *asynq.Client the queue needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client enqueues typed jobs.
type Client struct {
	enq Enqueuer
}

func NewClient(enq Enqueuer) *Client {
	return &Client{enq: enq}
}

func NewID() string {
	return uuid.NewString()
}

func (c *Client) enqueue(ctx context.Context, typ, id, queueName string, payload any, opts ...asynq.Option) (JobRef, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return JobRef{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	task := asynq.NewTask(typ, payloadBytes)
	opts = append([]asynq.Option{asynq.Queue(queueName), asynq.TaskID(id)}, opts...)

	info, err := c.enq.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return JobRef{}, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return JobRef{ID: info.ID, Queue: info.Queue}, nil
}

// EnqueueImmediate enqueues p after delay (zero for now).
func (c *Client) EnqueueImmediate(ctx context.Context, p ImmediatePayload, delay time.Duration) (JobRef, error) {
	if p.JobID == "" {
		p.JobID = NewID()
	}
	if p.Priority == 0 {
		p.Priority = PriorityNormal
	}
	opts := []asynq.Option{
		asynq.MaxRetry(3),
		asynq.Timeout(5 * time.Minute),
		asynq.Retention(24 * time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	return c.enqueue(ctx, TypeImmediate, p.JobID, QueueName(ShapeImmediate, p.Priority), p, opts...)
}

func (c *Client) EnqueueScheduled(ctx context.Context, p ScheduledPayload, delay time.Duration) (JobRef, error) {
	return c.enqueue(ctx, TypeScheduled, p.JobID, QueueName(ShapeScheduled, p.Priority), p,
		asynq.ProcessIn(delay),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(24*time.Hour),
	)
}

func (c *Client) EnqueueBatch(ctx context.Context, p BatchPayload) (JobRef, error) {
	return c.enqueue(ctx, TypeBatch, p.JobID, QueueName(ShapeBatch, p.Priority), p,
		asynq.MaxRetry(1),
		asynq.Timeout(BatchTimeout),
		asynq.Retention(24*time.Hour),
	)
}

// EnqueueWebhook enqueues one delivery. Retries are driven by the worker's
// delay function; the delivery id doubles as the task id.
func (c *Client) EnqueueWebhook(ctx context.Context, deliveryID string, payload any) (JobRef, error) {
	return c.enqueue(ctx, TypeWebhookDelivery, deliveryID, QueueWebhooks, payload,
		asynq.MaxRetry(4),
		asynq.Timeout(time.Minute),
		asynq.Retention(24*time.Hour),
	)
}

// RecurringTask builds the task fired on every tick of a recurring job.
func RecurringTask(recurringID string) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(RecurringPayload{RecurringID: recurringID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeRecurring, payloadBytes), nil
}
