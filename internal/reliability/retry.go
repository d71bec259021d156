// Package reliability provides the failure-isolation primitives of section
// 4.C: retry with backoff, a circuit breaker, and a FIFO timed mutex. It is
// a thin adapter over github.com/cenkalti/backoff/v4 and
// github.com/sony/gobreaker/v2, preserving the call shapes the engine,
// worker, and LLM router depend on.
package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/runcontrol/internal/apperr"
)

// Retryable marks an error as eligible for retry.
type Retryable struct{ Err error }

func (r *Retryable) Error() string { return r.Err.Error() }
func (r *Retryable) Unwrap() error { return r.Err }

// NonRetryable marks an error that must propagate immediately.
type NonRetryable struct{ Err error }

func (r *NonRetryable) Error() string { return r.Err.Error() }
func (r *NonRetryable) Unwrap() error { return r.Err }

// RetryConfig configures Retry. Zero values fall back to spec.md defaults
// (3 attempts, 1s base delay, 10s max delay, factor 2).
type RetryConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableTypes  map[error]struct{}
	ShouldRetry     func(error) bool
	OnRetry         func(err error, attempt int)
}

// DefaultRetryConfig returns spec.md 4.C's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
}

// Retry executes fn up to cfg.MaxAttempts times, sleeping
// min(maxDelay, baseDelay*backoffFactor^attempt) between attempts. A
// *NonRetryable error (or one that fails cfg.ShouldRetry/RetryableTypes)
// propagates on the first failure.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.BackoffFactor
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	withMax := backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1))
	withCtx := backoff.WithContext(withMax, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !cfg.retryable(err) {
			return backoff.Permanent(err)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt)
		}
		return err
	}, withCtx)
}

func (cfg RetryConfig) retryable(err error) bool {
	var nonRetryable *NonRetryable
	if errors.As(err, &nonRetryable) {
		return false
	}
	var retryable *Retryable
	if errors.As(err, &retryable) {
		return true
	}
	if apperr.IsServiceError(err) {
		return apperr.IsRetryable(err)
	}
	if cfg.ShouldRetry != nil {
		return cfg.ShouldRetry(err)
	}
	if len(cfg.RetryableTypes) > 0 {
		_, ok := cfg.RetryableTypes[err]
		return ok
	}
	// No narrowing supplied: retry everything except explicit NonRetryable,
	// matching the teacher's permissive default.
	return true
}
