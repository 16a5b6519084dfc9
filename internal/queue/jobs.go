package queue

import (
	"errors"
	"fmt"
	"time"

	"pushengine/internal/db"
	"pushengine/internal/provider"
)

type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 3
	PriorityNormal   Priority = 5
	PriorityLow      Priority = 7
	PriorityBulk     Priority = 10
)

func (p Priority) Valid() bool { return p >= 1 && p <= 10 }

// Shape is the kind of job.
type Shape string

const (
	ShapeImmediate Shape = "immediate"
	ShapeScheduled Shape = "scheduled"
	ShapeBatch     Shape = "batch"
	ShapeRecurring Shape = "recurring"
)

// Targeting selects recipients. Exactly one strategy is set.
type Targeting struct {
	DeviceIDs []string          `json:"device_ids,omitempty"`
	Segment   *db.SegmentFilter `json:"segment,omitempty"`
	Topics    []string          `json:"topics,omitempty"`
	Targets   []provider.Target `json:"targets,omitempty"`
}

func (t Targeting) strategies() int {
	n := 0
	if len(t.DeviceIDs) > 0 {
		n++
	}
	if t.Segment != nil {
		n++
	}
	if len(t.Topics) > 0 {
		n++
	}
	if len(t.Targets) > 0 {
		n++
	}
	return n
}

type Options struct {
	DryRun        bool              `json:"dry_run,omitempty"`
	TrackDelivery bool              `json:"track_delivery,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Notification is the immutable intent carried by every job shape.
type Notification struct {
	Payload   provider.Payload `json:"payload"`
	Targeting Targeting        `json:"targeting"`
	Options   Options          `json:"options"`
}

// WithMetadata returns a copy with extra metadata merged in.
func (n Notification) WithMetadata(kv map[string]string) Notification {
	merged := make(map[string]string, len(n.Options.Metadata)+len(kv))
	for k, v := range n.Options.Metadata {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	n.Options.Metadata = merged
	return n
}

// Job is one of ImmediateJob, ScheduledJob, BatchJob or RecurringJob.
type Job interface {
	Shape() Shape
}

type ImmediateJob struct {
	Notification Notification
	Priority     Priority
}

type ScheduledJob struct {
	Notification Notification
	SendAt       time.Time
	Timezone     string
	Priority     Priority
}

type BatchJob struct {
	Notifications       []Notification
	BatchSize           int
	DelayBetweenBatches time.Duration
	Priority            Priority
}

type RecurringJob struct {
	Name          string
	Notification  Notification
	Schedule      Schedule
	StartDate     *time.Time
	EndDate       *time.Time
	MaxExecutions int
	Priority      Priority
}

func (ImmediateJob) Shape() Shape { return ShapeImmediate }
func (ScheduledJob) Shape() Shape { return ShapeScheduled }
func (BatchJob) Shape() Shape     { return ShapeBatch }
func (RecurringJob) Shape() Shape { return ShapeRecurring }

const (
	DefaultBatchSize           = 100
	MaxBatchSize               = 1000
	DefaultDelayBetweenBatches = time.Second

	// BatchTimeout bounds one run of a batch task. The pauses between chunks
	// may use at most MaxBatchPacing of it.
	BatchTimeout   = 30 * time.Minute
	MaxBatchPacing = 25 * time.Minute
)

var (
	ErrScheduleInPast   = errors.New("scheduled time is in the past")
	ErrQueueUnavailable = errors.New("queue backend unavailable")
	ErrNoTargets        = errors.New("no targets resolved")
	ErrInvalidJob       = errors.New("invalid job")
	ErrUnknownQueue     = errors.New("unknown queue")
	ErrJobNotFound      = errors.New("job not found")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, fmt.Sprintf(format, args...))
}

// CreateBatches splits items into consecutive chunks of at most size
// elements. The last chunk holds the remainder.
func CreateBatches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
