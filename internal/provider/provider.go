// Package provider defines the contract every push channel implements and the
// three channel adapters (FCM for android, APNs for ios, Web Push for web).
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pushengine/internal/classify"
)

type Platform string

const (
	Android Platform = "android"
	IOS     Platform = "ios"
	Web     Platform = "web"
)

// Platforms is the closed set of channels, in dispatch order.
var Platforms = []Platform{Android, IOS, Web}

func (p Platform) Valid() bool {
	switch p {
	case Android, IOS, Web:
		return true
	}
	return false
}

type MessagePriority string

const (
	PriorityHigh   MessagePriority = "high"
	PriorityNormal MessagePriority = "normal"
)

type Action struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title" validate:"required"`
	Icon  string `json:"icon,omitempty"`
}

// Payload is the channel independent notification content.
type Payload struct {
	Title    string            `json:"title" validate:"required,max=256"`
	Body     string            `json:"body" validate:"required,max=4096"`
	ImageURL string            `json:"image_url,omitempty" validate:"omitempty,url"`
	Data     map[string]string `json:"data,omitempty"`
	Actions  []Action          `json:"actions,omitempty" validate:"omitempty,max=3,dive"`
	Priority MessagePriority   `json:"priority,omitempty" validate:"omitempty,oneof=high normal"`
}

// DispatchResult is the outcome for one addressed target.
type DispatchResult struct {
	Platform      Platform          `json:"platform"`
	Target        string            `json:"target"`
	Success       bool              `json:"success"`
	MessageID     string            `json:"message_id,omitempty"`
	Error         string            `json:"error,omitempty"`
	ErrorCategory classify.Category `json:"error_category,omitempty"`
	ShouldRetry   bool              `json:"should_retry,omitempty"`
	InvalidTarget bool              `json:"invalid_target,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	RetryAfter    time.Duration     `json:"retry_after,omitempty"`

	// Addressed is the target this result belongs to, kept for follow-up
	// retries of transient failures.
	Addressed Target `json:"-"`
}

// Succeeded builds a successful result.
func Succeeded(t Target, messageID string) DispatchResult {
	return DispatchResult{
		Platform:  t.Platform,
		Target:    t.Label(),
		Success:   true,
		MessageID: messageID,
		Addressed: t,
	}
}

// Failed classifies err and builds a failed result. The description, not the
// raw provider payload, is what callers get to see.
func Failed(t Target, err error) DispatchResult {
	c := classify.Classify(err)
	return DispatchResult{
		Platform:      t.Platform,
		Target:        t.Label(),
		Success:       false,
		Error:         c.Description,
		ErrorCategory: c.Category,
		ShouldRetry:   c.ShouldRetry,
		InvalidTarget: c.Category == classify.CategoryInvalidTarget,
		RetryAfter:    c.RetryAfter,
		Addressed:     t,
	}
}

// FailAll marks every target as failed with the same error.
func FailAll(targets []Target, err error) []DispatchResult {
	out := make([]DispatchResult, 0, len(targets))
	for _, t := range targets {
		out = append(out, Failed(t, err))
	}
	return out
}

type Status struct {
	Platform  Platform       `json:"platform"`
	Available bool           `json:"available"`
	Details   map[string]any `json:"details,omitempty"`
}

// Adapter delivers a payload over one channel. Send returns one result per
// target in order; a returned error means the whole call failed.
type Adapter interface {
	Platform() Platform
	Send(ctx context.Context, payload Payload, targets []Target, dryRun bool) ([]DispatchResult, error)
	IsAvailable() bool
	Status() Status
}

// Set holds exactly one adapter per platform.
type Set struct {
	Android Adapter
	IOS     Adapter
	Web     Adapter
}

// For returns the adapter bound to p.
func (s Set) For(p Platform) (Adapter, error) {
	var a Adapter
	switch p {
	case Android:
		a = s.Android
	case IOS:
		a = s.IOS
	case Web:
		a = s.Web
	default:
		return nil, fmt.Errorf("unknown platform %q", p)
	}
	if a == nil {
		return Unavailable(p, "adapter not configured"), nil
	}
	return a, nil
}

// Statuses reports every channel.
func (s Set) Statuses() []Status {
	out := make([]Status, 0, len(Platforms))
	for _, p := range Platforms {
		a, err := s.For(p)
		if err != nil {
			continue
		}
		out = append(out, a.Status())
	}
	return out
}

var ErrChannelUnavailable = errors.New("channel unavailable")

type unavailable struct {
	platform Platform
	reason   string
}

// Unavailable returns an adapter for a channel that is not configured. Every
// send fails with a service_unavailable error.
func Unavailable(p Platform, reason string) Adapter {
	return &unavailable{platform: p, reason: reason}
}

func (u *unavailable) Platform() Platform { return u.platform }
func (u *unavailable) IsAvailable() bool  { return false }

func (u *unavailable) Send(ctx context.Context, payload Payload, targets []Target, dryRun bool) ([]DispatchResult, error) {
	return nil, &classify.ProviderError{
		Provider:   string(u.platform),
		Code:       "ServiceUnavailable",
		StatusCode: 503,
		Message:    u.reason,
		Err:        ErrChannelUnavailable,
	}
}

func (u *unavailable) Status() Status {
	return Status{Platform: u.platform, Available: false, Details: map[string]any{"reason": u.reason}}
}
