// Package webhook notifies third parties of notification lifecycle events.
// Deliveries are signed with HMAC-SHA256, logged in Postgres and retried
// by the queue until they succeed or run out of attempts.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pushengine/internal/db"
	"pushengine/internal/queue"
)

const (
	EventNotificationSent      = "notification.sent"
	EventNotificationDelivered = "notification.delivered"
	EventNotificationFailed    = "notification.failed"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderProject   = "X-Webhook-Project"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"

	signaturePrefix = "sha256="
)

// Body is the canonical JSON document every subscriber receives.
type Body struct {
	Event     string    `json:"event"`
	ProjectID string    `json:"project_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the queued delivery. Body holds the exact bytes that were signed.
type Task struct {
	DeliveryID string          `json:"delivery_id"`
	URL        string          `json:"url"`
	Event      string          `json:"event"`
	ProjectID  string          `json:"project_id"`
	Body       json.RawMessage `json:"body"`
	Signature  string          `json:"signature"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body in constant time.
func Verify(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

type SubscriptionStore interface {
	ListActiveSubscriptions(ctx context.Context, projectID string) ([]db.WebhookSubscription, error)
	CreateDelivery(ctx context.Context, d *db.WebhookDelivery) error
}

type SecretSource interface {
	SigningSecret(ctx context.Context, projectID string) (string, error)
}

type Enqueuer interface {
	EnqueueWebhook(ctx context.Context, deliveryID string, payload any) (queue.JobRef, error)
}

type Dispatcher struct {
	store   SubscriptionStore
	secrets SecretSource
	queue   Enqueuer
	now     func() time.Time
}

func NewDispatcher(store SubscriptionStore, secrets SecretSource, enq Enqueuer) *Dispatcher {
	return &Dispatcher{store: store, secrets: secrets, queue: enq, now: time.Now}
}

// Fire creates and enqueues one signed delivery per subscription listening
// to event. It returns the number of deliveries enqueued.
func (d *Dispatcher) Fire(ctx context.Context, projectID, event string, payload any) (int, error) {
	subs, err := d.store.ListActiveSubscriptions(ctx, projectID)
	if err != nil {
		return 0, err
	}

	var matched []db.WebhookSubscription
	for _, s := range subs {
		if s.Wants(event) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}

	secret, err := d.secrets.SigningSecret(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to load signing secret: %w", err)
	}

	ts := d.now().UTC()
	body, err := json.Marshal(Body{Event: event, ProjectID: projectID, Payload: payload, Timestamp: ts})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook body: %w", err)
	}
	signature := Sign(secret, body)

	sent := 0
	for _, sub := range matched {
		delivery := &db.WebhookDelivery{
			ID:             queue.NewID(),
			SubscriptionID: sub.ID,
			ProjectID:      projectID,
			Event:          event,
			Payload:        body,
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			return sent, err
		}

		task := Task{
			DeliveryID: delivery.ID,
			URL:        sub.URL,
			Event:      event,
			ProjectID:  projectID,
			Body:       body,
			Signature:  signature,
			Timestamp:  ts,
		}
		if _, err := d.queue.EnqueueWebhook(ctx, delivery.ID, task); err != nil {
			return sent, fmt.Errorf("failed to enqueue webhook delivery: %w", err)
		}
		sent++
	}

	slog.Info("webhook event fired", "project_id", projectID, "event", event, "deliveries", sent)
	return sent, nil
}
