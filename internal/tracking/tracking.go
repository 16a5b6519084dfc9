// Package tracking persists aggregate send results in Firestore.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"pushengine/internal/dispatch"
)

const (
	deliveriesCollection = "deliveries"
	statsCollection      = "project_stats"
)

// Tracker receives send results. Failures to track never fail a send.
type Tracker interface {
	Track(ctx context.Context, projectID, jobID, title string, r dispatch.UnifiedSendResult, metadata map[string]any) error
}

type FirestoreTracker struct {
	db  *firestore.Client
	now func() time.Time
}

func NewFirestoreTracker(client *firestore.Client) *FirestoreTracker {
	return &FirestoreTracker{db: client, now: time.Now}
}

func (t *FirestoreTracker) Track(ctx context.Context, projectID, jobID, title string, r dispatch.UnifiedSendResult, metadata map[string]any) error {
	d := newDelivery(uuid.New().String(), projectID, jobID, title, r, metadata, t.now())

	if _, err := t.db.Collection(deliveriesCollection).Doc(d.ID).Set(ctx, d); err != nil {
		return fmt.Errorf("failed to store delivery: %w", err)
	}

	if err := t.bumpStats(ctx, d); err != nil {
		slog.Warn("failed to update delivery stats", "project_id", projectID, "error", err)
	}
	return nil
}

func (t *FirestoreTracker) bumpStats(ctx context.Context, d *Delivery) error {
	_, err := t.db.Collection(statsCollection).Doc(d.ProjectID).Set(ctx, map[string]interface{}{
		"sends":      firestore.Increment(1),
		"targets":    firestore.Increment(d.TotalTargets),
		"succeeded":  firestore.Increment(d.SuccessCount),
		"failed":     firestore.Increment(d.FailureCount),
		"updated_at": d.CreatedAt,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update project stats: %w", err)
	}
	return nil
}

// Deliveries lists a project's tracked sends, newest first.
func (t *FirestoreTracker) Deliveries(ctx context.Context, filter Filter) ([]*Delivery, error) {
	query := t.db.Collection(deliveriesCollection).
		Where("project_id", "==", filter.ProjectID).
		OrderBy("created_at", firestore.Desc)
	if filter.JobID != "" {
		query = query.Where("job_id", "==", filter.JobID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var result []*Delivery
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get deliveries: %w", err)
		}

		var d Delivery
		if err := doc.DataTo(&d); err != nil {
			slog.Warn("failed to parse delivery", "doc_id", doc.Ref.ID, "error", err)
			continue
		}
		result = append(result, &d)
	}
	return result, nil
}

func (t *FirestoreTracker) Stats(ctx context.Context, projectID string) (*Stats, error) {
	doc, err := t.db.Collection(statsCollection).Doc(projectID).Get(ctx)
	if err != nil {
		if doc != nil && !doc.Exists() {
			return &Stats{}, nil
		}
		return nil, fmt.Errorf("failed to get delivery stats: %w", err)
	}

	var s Stats
	if err := doc.DataTo(&s); err != nil {
		return nil, fmt.Errorf("failed to parse delivery stats: %w", err)
	}
	return &s, nil
}
