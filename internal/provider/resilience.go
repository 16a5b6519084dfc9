package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"pushengine/internal/classify"
)

// BreakerConfig configures the per-channel circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Breaker stops calling a channel whose whole-call failures keep piling up.
// Per-target failures do not count against the channel.
type Breaker struct {
	Adapter
	cb *gobreaker.CircuitBreaker
}

func WithBreaker(a Adapter, cfg BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        string(a.Platform()),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"channel", name,
				"from", from.String(),
				"to", to.String())
		},
	}
	return &Breaker{Adapter: a, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Send(ctx context.Context, payload Payload, targets []Target, dryRun bool) ([]DispatchResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.Adapter.Send(ctx, payload, targets, dryRun)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &classify.ProviderError{
			Provider:   string(b.Platform()),
			Code:       "ServiceUnavailable",
			StatusCode: 503,
			Message:    "circuit breaker is open",
			Err:        err,
		}
	}
	if err != nil {
		return nil, err
	}
	results, _ := out.([]DispatchResult)
	return results, nil
}

func (b *Breaker) IsAvailable() bool {
	return b.cb.State() != gobreaker.StateOpen && b.Adapter.IsAvailable()
}

func (b *Breaker) Status() Status {
	s := b.Adapter.Status()
	if s.Details == nil {
		s.Details = map[string]any{}
	}
	s.Details["circuit"] = b.cb.State().String()
	s.Available = b.IsAvailable()
	return s
}

// Throttled paces outbound calls to a channel with a token bucket.
type Throttled struct {
	Adapter
	limiter *rate.Limiter
}

func WithThrottle(a Adapter, perSecond float64, burst int) *Throttled {
	return &Throttled{Adapter: a, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Send(ctx context.Context, payload Payload, targets []Target, dryRun bool) ([]DispatchResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &classify.ProviderError{
			Provider: string(t.Platform()),
			Message:  "outbound throttle wait: timeout",
			Err:      err,
		}
	}
	return t.Adapter.Send(ctx, payload, targets, dryRun)
}
