package tracking

import (
	"time"

	"pushengine/internal/dispatch"
	"pushengine/internal/provider"
)

// Delivery is one tracked send, stored per job.
type Delivery struct {
	ID                string          `firestore:"id" json:"id"`
	ProjectID         string          `firestore:"project_id" json:"project_id"`
	JobID             string          `firestore:"job_id" json:"job_id"`
	Title             string          `firestore:"title" json:"title"`
	TotalTargets      int             `firestore:"total_targets" json:"total_targets"`
	SuccessCount      int             `firestore:"success_count" json:"success_count"`
	FailureCount      int             `firestore:"failure_count" json:"failure_count"`
	RetryableFailures int             `firestore:"retryable_failures" json:"retryable_failures"`
	Outcomes          []TargetOutcome `firestore:"outcomes" json:"outcomes"`
	Metadata          map[string]any  `firestore:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt         time.Time       `firestore:"created_at" json:"created_at"`
}

// TargetOutcome is a trimmed DispatchResult. Raw tokens are not stored.
type TargetOutcome struct {
	Platform  provider.Platform `firestore:"platform" json:"platform"`
	Success   bool              `firestore:"success" json:"success"`
	MessageID string            `firestore:"message_id,omitempty" json:"message_id,omitempty"`
	Category  string            `firestore:"category,omitempty" json:"category,omitempty"`
	Error     string            `firestore:"error,omitempty" json:"error,omitempty"`
	Attempts  int               `firestore:"attempts" json:"attempts"`
}

type Filter struct {
	ProjectID string
	JobID     string
	Limit     int
}

type Stats struct {
	Sends     int `firestore:"sends" json:"sends"`
	Targets   int `firestore:"targets" json:"targets"`
	Succeeded int `firestore:"succeeded" json:"succeeded"`
	Failed    int `firestore:"failed" json:"failed"`
}

func newDelivery(id, projectID, jobID, title string, r dispatch.UnifiedSendResult, metadata map[string]any, now time.Time) *Delivery {
	d := &Delivery{
		ID:                id,
		ProjectID:         projectID,
		JobID:             jobID,
		Title:             title,
		TotalTargets:      r.TotalTargets,
		SuccessCount:      r.SuccessCount,
		FailureCount:      r.FailureCount,
		RetryableFailures: r.RetryableFailures,
		Outcomes:          make([]TargetOutcome, 0, len(r.Results)),
		Metadata:          metadata,
		CreatedAt:         now,
	}
	for _, res := range r.Results {
		d.Outcomes = append(d.Outcomes, TargetOutcome{
			Platform:  res.Platform,
			Success:   res.Success,
			MessageID: res.MessageID,
			Category:  string(res.ErrorCategory),
			Error:     res.Error,
			Attempts:  res.Attempts,
		})
	}
	return d
}
