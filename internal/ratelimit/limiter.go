// Package ratelimit is a fixed-window admission check in front of the API. It
// fails open: when the counter store is down every request is allowed.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pushengine/internal/metrics"
)

type KeyType string

const (
	KeyGlobal      KeyType = "global"
	KeyPerProject  KeyType = "per_project"
	KeyPerIP       KeyType = "per_ip"
	KeyPerEndpoint KeyType = "per_endpoint"
)

// Key identifies one counter family.
type Key struct {
	Type        KeyType
	Identifiers []string
}

func (k Key) String() string {
	if len(k.Identifiers) == 0 {
		return string(k.Type)
	}
	return string(k.Type) + ":" + strings.Join(k.Identifiers, ":")
}

// Rule is a limit per fixed window.
type Rule struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// Degraded is set when the store could not be reached and the request
	// was let through.
	Degraded bool
}

// RetryAfter is the wait until the window resets, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

type Limiter struct {
	store CounterStore
	now   func() time.Time
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WindowKey is the store key for key in the window containing now.
func WindowKey(key Key, window time.Duration, now time.Time) string {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1000
	}
	index := now.UnixMilli() / windowMs
	return fmt.Sprintf("rate_limit:%s:%d", key, index)
}

// Check counts one request against rule. It never returns an error for a
// store failure; the decision is marked Degraded instead.
func (l *Limiter) Check(ctx context.Context, key Key, rule Rule) (Decision, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit rule %q: limit %d window %s", rule.Name, rule.Limit, rule.Window)
	}

	now := l.now()
	count, ttl, err := l.store.Increment(ctx, WindowKey(key, rule.Window, now), rule.Window)
	if err != nil {
		slog.Warn("rate limit store unavailable, allowing request",
			"key", key.String(),
			"rule", rule.Name,
			"error", err)
		metrics.RateLimitDecisions.WithLabelValues(rule.Name, "degraded").Inc()
		return Decision{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   now.Add(rule.Window),
			Degraded:  true,
		}, nil
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
	}

	result := "allowed"
	if !d.Allowed {
		result = "rejected"
	}
	metrics.RateLimitDecisions.WithLabelValues(rule.Name, result).Inc()
	return d, nil
}
