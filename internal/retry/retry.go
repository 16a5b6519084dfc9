// Package retry runs an operation with bounded exponential backoff and
// reports the outcome as a value instead of an error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Config holds the backoff parameters.
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool

	// ShouldRetry overrides the default retry decision. The default honors
	// errors that report Retryable() and Permanent wrappers only.
	ShouldRetry func(err error) bool
}

// DefaultConfig returns 3 attempts starting at 1s, capped at 30s, doubling,
// with jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Result is returned by Execute in place of an error.
type Result[T any] struct {
	Success       bool
	Value         T
	Err           error
	Attempts      int
	TotalDuration time.Duration
}

type retryable interface {
	Retryable() bool
}

type retryAfterHint interface {
	RetryAfterHint() time.Duration
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string   { return p.err.Error() }
func (p *permanentError) Unwrap() error   { return p.err }
func (p *permanentError) Retryable() bool { return false }

// Permanent marks err so that Execute stops after the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was explicitly marked non-retryable.
func IsPermanent(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return !r.Retryable()
	}
	return false
}

// Execute attempts op until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent. Waiting between attempts honors ctx.
func Execute[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) Result[T] {
	cfg = normalize(cfg)
	start := time.Now()

	var res Result[T]
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		value, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry", "attempt", attempt)
			}
			res.Success = true
			res.Value = value
			res.Err = nil
			res.TotalDuration = time.Since(start)
			return res
		}
		res.Err = err

		if !cfg.ShouldRetry(err) {
			slog.Warn("non-retryable error, aborting", "attempt", attempt, "error", err)
			break
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Delay(cfg, attempt, err)
		slog.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			res.Err = fmt.Errorf("retry aborted: %w", ctx.Err())
			res.TotalDuration = time.Since(start)
			return res
		}
	}

	res.TotalDuration = time.Since(start)
	return res
}

// Delay computes the wait after the given failed attempt (1-based):
// min(base * multiplier^(attempt-1), max), scaled into [0.5, 1.0] when jitter
// is on, and raised to the error's retry-after hint when that is larger.
func Delay(cfg Config, attempt int, err error) time.Duration {
	cfg = normalize(cfg)
	d := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		// #nosec G404 -- jitter does not need cryptographic randomness
		d *= 0.5 + rand.Float64()*0.5
	}
	delay := time.Duration(d)

	var hint retryAfterHint
	if errors.As(err, &hint) {
		if h := hint.RetryAfterHint(); h > delay {
			delay = h
		}
	}
	return delay
}

func defaultShouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = defaultShouldRetry
	}
	return cfg
}
