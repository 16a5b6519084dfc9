package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pushengine/internal/metrics"
	"pushengine/utils"
)

const maxFailureReason = 1024

type DeliveryLog interface {
	IncrementDeliveryAttempts(ctx context.Context, id string) (int, error)
	MarkDeliveryDelivered(ctx context.Context, id string, status int) error
	MarkDeliveryFailed(ctx context.Context, id string, status int, reason string) error
}

// Sender performs one delivery attempt.
type Sender struct {
	client *http.Client
	log    DeliveryLog
}

func NewSender(log DeliveryLog, timeout time.Duration) *Sender {
	return &Sender{client: &http.Client{Timeout: timeout}, log: log}
}

// Deliver POSTs the signed body. A non-2xx response or transport error is
// recorded and returned so the queue retries the task.
func (s *Sender) Deliver(ctx context.Context, t Task) error {
	attempt, err := s.log.IncrementDeliveryAttempts(ctx, t.DeliveryID)
	if err != nil {
		return err
	}

	status, err := s.post(ctx, t)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues(t.Event, "failed").Inc()
		slog.Warn("webhook delivery failed",
			"delivery_id", t.DeliveryID,
			"project_id", t.ProjectID,
			"attempt", attempt,
			"status", status,
			"error", err)
		if markErr := s.log.MarkDeliveryFailed(ctx, t.DeliveryID, status, utils.Truncate(err.Error(), maxFailureReason)); markErr != nil {
			slog.Error("failed to record webhook failure", "delivery_id", t.DeliveryID, "error", markErr)
		}
		return err
	}

	metrics.WebhookDeliveries.WithLabelValues(t.Event, "delivered").Inc()
	if err := s.log.MarkDeliveryDelivered(ctx, t.DeliveryID, status); err != nil {
		slog.Error("failed to record webhook delivery", "delivery_id", t.DeliveryID, "error", err)
	}
	slog.Info("webhook delivered", "delivery_id", t.DeliveryID, "attempt", attempt, "status", status)
	return nil
}

func (s *Sender) post(ctx context.Context, t Task) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(t.Body))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pushengine-webhooks/1.0")
	req.Header.Set(HeaderSignature, t.Signature)
	req.Header.Set(HeaderEvent, t.Event)
	req.Header.Set(HeaderProject, t.ProjectID)
	req.Header.Set(HeaderDelivery, t.DeliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(t.Timestamp.Unix(), 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
