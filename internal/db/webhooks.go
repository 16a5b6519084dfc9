package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type WebhookSubscription struct {
	ID        string         `db:"id" json:"id"`
	ProjectID string         `db:"project_id" json:"project_id"`
	URL       string         `db:"url" json:"url"`
	Events    pq.StringArray `db:"events" json:"events"`
	Active    bool           `db:"active" json:"active"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// Wants reports whether the subscription listens to event.
func (w WebhookSubscription) Wants(event string) bool {
	for _, e := range w.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

type WebhookDelivery struct {
	ID             string          `db:"id" json:"id"`
	SubscriptionID string          `db:"subscription_id" json:"subscription_id"`
	ProjectID      string          `db:"project_id" json:"project_id"`
	Event          string          `db:"event" json:"event"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Status         string          `db:"status" json:"status"`
	Attempts       int             `db:"attempts" json:"attempts"`
	ResponseStatus *int            `db:"response_status" json:"response_status,omitempty"`
	LastError      *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	DeliveredAt    *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
}

func (s *Store) ListActiveSubscriptions(ctx context.Context, projectID string) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	err := s.db.SelectContext(ctx, &subs, `
		SELECT id, project_id, url, events, active, created_at
		FROM webhook_subscriptions
		WHERE project_id = $1 AND active = TRUE
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, project_id, event, payload, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING created_at
	`, d.ID, d.SubscriptionID, d.ProjectID, d.Event, []byte(d.Payload), DeliveryPending).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery: %w", err)
	}
	d.Status = DeliveryPending
	return nil
}

// IncrementDeliveryAttempts bumps the attempt counter and returns its new
// value.
func (s *Store) IncrementDeliveryAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.GetContext(ctx, &attempts, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment delivery attempts: %w", err)
	}
	return attempts, nil
}

func (s *Store) MarkDeliveryDelivered(ctx context.Context, id string, status int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, response_status = $2, last_error = NULL, delivered_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`, DeliveryDelivered, status, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery delivered: %w", err)
	}
	return nil
}

func (s *Store) MarkDeliveryFailed(ctx context.Context, id string, status int, reason string) error {
	var responseStatus *int
	if status > 0 {
		responseStatus = &status
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, response_status = $2, last_error = $3
		WHERE id = $4
	`, DeliveryFailed, responseStatus, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	return nil
}
