package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hibiken/asynq"

	"pushengine/internal/db"
	"pushengine/internal/dispatch"
	"pushengine/internal/metrics"
	"pushengine/internal/provider"
	"pushengine/internal/queue"
	"pushengine/internal/webhook"
)

// eventSummary is the payload of notification lifecycle webhooks.
type eventSummary struct {
	JobID             string `json:"job_id"`
	TotalTargets      int    `json:"total_targets"`
	SuccessCount      int    `json:"success_count"`
	FailureCount      int    `json:"failure_count"`
	RetryableFailures int    `json:"retryable_failures"`
}

func (p *Processors) HandleImmediate(ctx context.Context, t *asynq.Task) error {
	var payload queue.ImmediatePayload
	if err := decode(t, &payload); err != nil {
		return err
	}

	result, err := p.DispatchNow(ctx, payload)
	if err != nil {
		return err
	}
	writeResult(t, result)
	return nil
}

// DispatchNow resolves targets, sends and runs the post-send side effects.
// It backs both the immediate processor and direct mode.
func (p *Processors) DispatchNow(ctx context.Context, payload queue.ImmediatePayload) (dispatch.UnifiedSendResult, error) {
	n := payload.Notification

	targets, err := p.resolveTargets(ctx, payload.ProjectID, n.Targeting)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(string(queue.ShapeImmediate), "failed").Inc()
		return dispatch.UnifiedSendResult{}, err
	}
	if len(targets) == 0 {
		metrics.JobsProcessed.WithLabelValues(string(queue.ShapeImmediate), "failed").Inc()
		return dispatch.UnifiedSendResult{}, fmt.Errorf("job %s: %w: %w", payload.JobID, queue.ErrNoTargets, asynq.SkipRetry)
	}

	result := p.Engine.SendUnifiedWithRetry(ctx, n.Payload, targets, n.Options.DryRun)
	metrics.JobsProcessed.WithLabelValues(string(queue.ShapeImmediate), "completed").Inc()

	slog.Info("notification dispatched",
		"job_id", payload.JobID,
		"project_id", payload.ProjectID,
		"generation", payload.Generation,
		"total", result.TotalTargets,
		"succeeded", result.SuccessCount,
		"failed", result.FailureCount,
		"retryable", result.RetryableFailures)

	p.afterSend(ctx, payload, result)
	return result, nil
}

func (p *Processors) resolveTargets(ctx context.Context, projectID string, tg queue.Targeting) ([]provider.Target, error) {
	switch {
	case len(tg.Targets) > 0:
		return tg.Targets, nil
	case len(tg.Topics) > 0:
		targets := make([]provider.Target, 0, len(tg.Topics))
		for _, topic := range tg.Topics {
			targets = append(targets, provider.Target{Platform: provider.Android, Topic: topic})
		}
		return targets, nil
	case len(tg.DeviceIDs) > 0:
		devices, err := p.Devices.FindDevicesByIDs(ctx, projectID, tg.DeviceIDs)
		if err != nil {
			return nil, err
		}
		return devicesToTargets(devices), nil
	case tg.Segment != nil:
		devices, err := p.Devices.FindDevicesBySegment(ctx, projectID, *tg.Segment, p.SegmentMaxResults)
		if err != nil {
			return nil, err
		}
		if len(devices) == p.SegmentMaxResults {
			slog.Warn("segment truncated", "project_id", projectID, "limit", p.SegmentMaxResults)
		}
		return devicesToTargets(devices), nil
	}
	return nil, nil
}

func devicesToTargets(devices []db.Device) []provider.Target {
	targets := make([]provider.Target, 0, len(devices))
	for _, d := range devices {
		target, err := provider.FromDevice(provider.Platform(d.Platform), d.Token)
		if err != nil {
			slog.Warn("skipping device", "device_id", d.ID, "error", err)
			continue
		}
		targets = append(targets, target)
	}
	return targets
}

func (p *Processors) afterSend(ctx context.Context, payload queue.ImmediatePayload, result dispatch.UnifiedSendResult) {
	n := payload.Notification

	if n.Options.TrackDelivery && p.Tracker != nil {
		metadata := make(map[string]any, len(n.Options.Metadata))
		for k, v := range n.Options.Metadata {
			metadata[k] = v
		}
		if err := p.Tracker.Track(ctx, payload.ProjectID, payload.JobID, n.Payload.Title, result, metadata); err != nil {
			slog.Warn("failed to track delivery", "job_id", payload.JobID, "error", err)
		}
	}

	p.fireEvents(ctx, payload, result)

	if n.Options.DryRun {
		return
	}
	p.deactivateInvalid(ctx, payload.ProjectID, result)
	p.followUp(ctx, payload, result)
}

func (p *Processors) fireEvents(ctx context.Context, payload queue.ImmediatePayload, result dispatch.UnifiedSendResult) {
	if p.Events == nil {
		return
	}
	summary := eventSummary{
		JobID:             payload.JobID,
		TotalTargets:      result.TotalTargets,
		SuccessCount:      result.SuccessCount,
		FailureCount:      result.FailureCount,
		RetryableFailures: result.RetryableFailures,
	}
	if result.SuccessCount > 0 {
		if _, err := p.Events.Fire(ctx, payload.ProjectID, webhook.EventNotificationSent, summary); err != nil {
			slog.Warn("failed to fire webhook", "event", webhook.EventNotificationSent, "job_id", payload.JobID, "error", err)
		}
	}
	if result.FailureCount > 0 {
		if _, err := p.Events.Fire(ctx, payload.ProjectID, webhook.EventNotificationFailed, summary); err != nil {
			slog.Warn("failed to fire webhook", "event", webhook.EventNotificationFailed, "job_id", payload.JobID, "error", err)
		}
	}
}

func (p *Processors) deactivateInvalid(ctx context.Context, projectID string, result dispatch.UnifiedSendResult) {
	var tokens []string
	for _, r := range result.Results {
		if r.InvalidTarget && r.Addressed.Token != "" {
			tokens = append(tokens, r.Addressed.Token)
		}
	}
	if len(tokens) == 0 || p.Devices == nil {
		return
	}
	n, err := p.Devices.DeactivateTokens(ctx, projectID, tokens)
	if err != nil {
		slog.Warn("failed to deactivate invalid tokens", "project_id", projectID, "error", err)
		return
	}
	slog.Info("deactivated invalid tokens", "project_id", projectID, "count", n)
}

// followUp re-sends only the transiently failed targets as a new delayed
// immediate job, so successes and permanent failures are never repeated.
func (p *Processors) followUp(ctx context.Context, payload queue.ImmediatePayload, result dispatch.UnifiedSendResult) {
	retryable := result.Retryable()
	if len(retryable) == 0 {
		return
	}
	if payload.Generation >= maxFollowUps {
		slog.Warn("giving up on transient failures", "job_id", payload.JobID, "targets", len(retryable))
		return
	}

	delay := followUpBaseWait << payload.Generation
	targets := make([]provider.Target, 0, len(retryable))
	for _, r := range retryable {
		targets = append(targets, r.Addressed)
		if r.RetryAfter > delay {
			delay = r.RetryAfter
		}
	}

	n := payload.Notification.WithMetadata(map[string]string{
		"parent_job_id": payload.JobID,
		"generation":    strconv.Itoa(payload.Generation + 1),
	})
	n.Targeting = queue.Targeting{Targets: targets}

	ref, err := p.Queue.EnqueueImmediate(ctx, queue.ImmediatePayload{
		JobID:        queue.NewID(),
		ProjectID:    payload.ProjectID,
		Notification: n,
		Priority:     payload.Priority,
		Generation:   payload.Generation + 1,
	}, delay)
	if err != nil {
		slog.Error("failed to enqueue follow-up", "job_id", payload.JobID, "error", err)
		return
	}
	slog.Info("follow-up enqueued",
		"job_id", payload.JobID,
		"follow_up_id", ref.ID,
		"targets", len(targets),
		"delay", delay)
}
