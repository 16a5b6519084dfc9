package dispatch

import (
	"context"
	"errors"

	"pushengine/internal/classify"
	"pushengine/internal/metrics"
	"pushengine/internal/provider"
	"pushengine/internal/retry"
)

// errNoDelivery is the attempt error when a retryable failure carries no
// usable classification.
var errNoDelivery = errors.New("no target delivered")

// SendUnifiedWithRetry sends, then resends only the targets whose failure is
// retryable until none are left or the budget runs out. Successes and
// permanent failures keep the result of the attempt that settled them. On
// exhaustion the still-retryable targets are marked failed with the last
// classified error.
func (e *Engine) SendUnifiedWithRetry(ctx context.Context, payload provider.Payload, targets []provider.Target, dryRun bool) UnifiedSendResult {
	var (
		settled []provider.DispatchResult
		open    []provider.DispatchResult
		pending = targets
		attempt int
	)

	res := retry.Execute(ctx, e.cfg.Retry, func(ctx context.Context) (UnifiedSendResult, error) {
		attempt++
		out := e.SendUnified(ctx, payload, pending, dryRun)

		open = nil
		for _, r := range out.Results {
			r.Attempts = attempt
			if r.Success || !r.ShouldRetry {
				settled = append(settled, r)
				continue
			}
			open = append(open, r)
		}
		if len(open) == 0 {
			return out, nil
		}

		pending = make([]provider.Target, 0, len(open))
		for _, r := range open {
			pending = append(pending, r.Addressed)
		}
		return out, attemptError(out)
	})
	metrics.RetryAttempts.Observe(float64(res.Attempts))

	if res.Success {
		return Aggregate(settled)
	}

	c := classify.Classify(res.Err)
	final := make([]provider.DispatchResult, 0, len(settled)+len(open))
	final = append(final, settled...)
	for _, r := range open {
		final = append(final, provider.DispatchResult{
			Platform:      r.Platform,
			Target:        r.Target,
			Error:         c.Description,
			ErrorCategory: c.Category,
			ShouldRetry:   c.ShouldRetry,
			InvalidTarget: c.Category == classify.CategoryInvalidTarget,
			Attempts:      res.Attempts,
			RetryAfter:    c.RetryAfter,
			Addressed:     r.Addressed,
		})
	}
	return Aggregate(final)
}

// attemptError picks the first retryable failure as the attempt's error so
// that its category and retry-after hint drive the backoff.
func attemptError(out UnifiedSendResult) error {
	for _, r := range out.Results {
		if r.Success || !r.ShouldRetry {
			continue
		}
		return classify.ClassifiedError{
			Category:    r.ErrorCategory,
			ShouldRetry: true,
			RetryAfter:  r.RetryAfter,
			IsTemporary: true,
			Severity:    classify.SeverityMedium,
			Description: r.Error,
		}
	}
	return errNoDelivery
}
