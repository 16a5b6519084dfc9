package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/hibiken/asynq"

	"pushengine/internal/metrics"
	"pushengine/internal/queue"
)

type BatchResult struct {
	BatchID            string  `json:"batch_id"`
	TotalBatches       int     `json:"total_batches"`
	SuccessfulBatches  int     `json:"successful_batches"`
	FailedBatches      int     `json:"failed_batches"`
	TotalNotifications int     `json:"total_notifications"`
	SuccessRate        float64 `json:"success_rate"`
}

// HandleBatch fans a batch out into immediate jobs, one chunk at a time,
// pausing between chunks.
func (p *Processors) HandleBatch(ctx context.Context, t *asynq.Task) error {
	var payload queue.BatchPayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	priority := payload.Priority
	if priority == 0 {
		priority = queue.PriorityLow
	}

	batches := queue.CreateBatches(payload.Notifications, payload.BatchSize)
	outcomes := make([]bool, 0, len(batches))

	for i, chunk := range batches {
		ok := true
		for j, n := range chunk {
			n = n.WithMetadata(map[string]string{
				"batch_id":    payload.JobID,
				"batch_index": strconv.Itoa(i),
			})
			// Item ids are derived from the batch id, so a re-run of the batch
			// task skips items already handed to the queue.
			_, err := p.Queue.EnqueueImmediate(ctx, queue.ImmediatePayload{
				JobID:        BatchItemID(payload.JobID, i, j),
				ProjectID:    payload.ProjectID,
				Notification: n,
				Priority:     priority,
			}, 0)
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			if err != nil {
				ok = false
				slog.Error("failed to enqueue batch item",
					"batch_id", payload.JobID,
					"batch_index", i,
					"item", j,
					"error", err)
			}
		}
		outcomes = append(outcomes, ok)

		if i < len(batches)-1 && payload.DelayBetweenBatches > 0 {
			if err := p.sleep(ctx, payload.DelayBetweenBatches); err != nil {
				return err
			}
		}
	}

	result := newBatchResult(payload.JobID, outcomes, len(payload.Notifications))
	writeResult(t, result)

	slog.Info("batch processed",
		"batch_id", payload.JobID,
		"batches", result.TotalBatches,
		"failed", result.FailedBatches,
		"notifications", result.TotalNotifications)

	if result.TotalBatches > 0 && result.FailedBatches == result.TotalBatches {
		metrics.JobsProcessed.WithLabelValues(string(queue.ShapeBatch), "failed").Inc()
		return fmt.Errorf("batch %s: every chunk failed to enqueue", payload.JobID)
	}
	metrics.JobsProcessed.WithLabelValues(string(queue.ShapeBatch), "completed").Inc()
	return nil
}

// BatchItemID is the task id of item j of chunk i.
func BatchItemID(batchID string, i, j int) string {
	return fmt.Sprintf("%s-%d-%d", batchID, i, j)
}

// newBatchResult summarizes per-chunk outcomes. SuccessRate is a percentage
// rounded to two decimals.
func newBatchResult(batchID string, outcomes []bool, notifications int) BatchResult {
	r := BatchResult{
		BatchID:            batchID,
		TotalBatches:       len(outcomes),
		TotalNotifications: notifications,
	}
	for _, ok := range outcomes {
		if ok {
			r.SuccessfulBatches++
		} else {
			r.FailedBatches++
		}
	}
	if r.TotalBatches > 0 {
		rate := float64(r.SuccessfulBatches) / float64(r.TotalBatches) * 100
		r.SuccessRate = math.Round(rate*100) / 100
	}
	return r
}
