// Package dispatch fans one logical send out across the push channels and
// folds the per-target outcomes into a single result.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pushengine/internal/classify"
	"pushengine/internal/metrics"
	"pushengine/internal/provider"
	"pushengine/internal/retry"
)

var tracer = otel.Tracer("pushengine/dispatch")

// UnifiedSendResult aggregates the outcome of one send over a target list.
// SuccessCount+FailureCount always equals TotalTargets.
type UnifiedSendResult struct {
	Success           bool                      `json:"success"`
	TotalTargets      int                       `json:"total_targets"`
	SuccessCount      int                       `json:"success_count"`
	FailureCount      int                       `json:"failure_count"`
	RetryableFailures int                       `json:"retryable_failures"`
	Results           []provider.DispatchResult `json:"results"`
}

// Retryable returns the failed results that are worth sending again.
func (r UnifiedSendResult) Retryable() []provider.DispatchResult {
	var out []provider.DispatchResult
	for _, res := range r.Results {
		if !res.Success && res.ShouldRetry {
			out = append(out, res)
		}
	}
	return out
}

type Config struct {
	// ChannelTimeout bounds one adapter call. Zero disables the bound.
	ChannelTimeout time.Duration
	Retry          retry.Config
}

func DefaultConfig() Config {
	return Config{
		ChannelTimeout: 30 * time.Second,
		Retry:          retry.DefaultConfig(),
	}
}

type Engine struct {
	adapters provider.Set
	cfg      Config
}

func NewEngine(adapters provider.Set, cfg Config) *Engine {
	return &Engine{adapters: adapters, cfg: cfg}
}

// Statuses reports every channel's availability.
func (e *Engine) Statuses() []provider.Status {
	return e.adapters.Statuses()
}

// SendUnified partitions targets by platform and calls each channel
// concurrently. A failing channel turns into failed results for its own
// targets only; the others are unaffected.
func (e *Engine) SendUnified(ctx context.Context, payload provider.Payload, targets []provider.Target, dryRun bool) UnifiedSendResult {
	ctx, span := tracer.Start(ctx, "dispatch.SendUnified")
	defer span.End()

	var (
		valid    []provider.Target
		rejected []provider.DispatchResult
	)
	// Validate before expanding so a multi-token target that also carries a
	// topic or subscription is rejected instead of losing its extra mode.
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			rejected = append(rejected, provider.Failed(t, &classify.ProviderError{
				Provider:   string(t.Platform),
				Code:       "invalid-recipient",
				StatusCode: 400,
				Message:    err.Error(),
				Err:        err,
			}))
			continue
		}
		valid = append(valid, provider.Expand([]provider.Target{t})...)
	}

	groups := provider.GroupByPlatform(valid)
	perChannel := make([][]provider.DispatchResult, len(provider.Platforms))

	// Goroutines never return an error so Wait collects every channel.
	var g errgroup.Group
	for i, p := range provider.Platforms {
		group := groups[p]
		if len(group) == 0 {
			continue
		}
		g.Go(func() error {
			perChannel[i] = e.sendChannel(ctx, p, payload, group, dryRun)
			return nil
		})
	}
	_ = g.Wait()

	merged := make([]provider.DispatchResult, 0, len(valid)+len(rejected))
	for _, rs := range perChannel {
		merged = append(merged, rs...)
	}
	merged = append(merged, rejected...)

	result := Aggregate(merged)
	span.SetAttributes(
		attribute.Int("push.targets", result.TotalTargets),
		attribute.Int("push.success", result.SuccessCount),
		attribute.Int("push.failure", result.FailureCount),
		attribute.Bool("push.dry_run", dryRun),
	)
	if !result.Success && result.TotalTargets > 0 {
		span.SetStatus(codes.Error, "no target succeeded")
	}
	return result
}

func (e *Engine) sendChannel(ctx context.Context, p provider.Platform, payload provider.Payload, targets []provider.Target, dryRun bool) (results []provider.DispatchResult) {
	ctx, span := tracer.Start(ctx, "dispatch.channel", trace.WithAttributes(
		attribute.String("push.platform", string(p)),
		attribute.Int("push.targets", len(targets)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(string(p)).Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("channel adapter panicked", "platform", p, "panic", r)
			results = provider.FailAll(targets, fmt.Errorf("adapter panic: %v", r))
		}
		record(p, results)
	}()

	adapter, err := e.adapters.For(p)
	if err != nil {
		return provider.FailAll(targets, err)
	}

	if e.cfg.ChannelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ChannelTimeout)
		defer cancel()
	}

	out, err := adapter.Send(ctx, payload, targets, dryRun)
	if err != nil {
		span.RecordError(err)
		slog.Warn("channel send failed",
			"platform", p,
			"targets", len(targets),
			"error", err)
		return provider.FailAll(targets, err)
	}
	if len(out) != len(targets) {
		slog.Error("channel returned wrong number of results",
			"platform", p,
			"expected", len(targets),
			"got", len(out))
		return reconcile(targets, out)
	}
	return out
}

// reconcile pads or trims adapter output so that every target has exactly
// one result.
func reconcile(targets []provider.Target, out []provider.DispatchResult) []provider.DispatchResult {
	fixed := make([]provider.DispatchResult, len(targets))
	for i, t := range targets {
		if i < len(out) {
			fixed[i] = out[i]
			continue
		}
		fixed[i] = provider.Failed(t, &classify.ProviderError{Provider: string(t.Platform), Message: "internal error: missing result"})
	}
	return fixed
}

func record(p provider.Platform, results []provider.DispatchResult) {
	for _, r := range results {
		if r.Success {
			metrics.DispatchTotal.WithLabelValues(string(p), "success").Inc()
			continue
		}
		metrics.DispatchTotal.WithLabelValues(string(p), "failure").Inc()
		metrics.DispatchErrors.WithLabelValues(string(p), string(r.ErrorCategory)).Inc()
	}
}

// Aggregate computes the counters over a result list.
func Aggregate(results []provider.DispatchResult) UnifiedSendResult {
	out := UnifiedSendResult{
		TotalTargets: len(results),
		Results:      results,
	}
	for _, r := range results {
		if r.Success {
			out.SuccessCount++
			continue
		}
		out.FailureCount++
		if r.ShouldRetry {
			out.RetryableFailures++
		}
	}
	out.Success = out.SuccessCount > 0
	if out.Results == nil {
		out.Results = []provider.DispatchResult{}
	}
	return out
}
