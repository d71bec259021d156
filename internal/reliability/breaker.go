package reliability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerState mirrors gobreaker's state but with the spec's naming
// (closed/open/half-open).
type BreakerState int

const (
	StateClosed BreakerState = BreakerState(gobreaker.StateClosed)
	StateHalfOpen BreakerState = BreakerState(gobreaker.StateHalfOpen)
	StateOpen BreakerState = BreakerState(gobreaker.StateOpen)
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a CircuitBreaker per spec.md 4.C.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration
	OnStateChange    func(name string, from, to BreakerState)
}

// DefaultBreakerConfig returns spec.md 4.C's defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// Metrics counts outcomes observed by a CircuitBreaker.
type Metrics struct {
	mu       sync.Mutex
	Success  int64
	Failure  int64
	Rejected int64
	Opened   int64
	Closed   int64
}

func (m *Metrics) incr(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{Success: m.Success, Failure: m.Failure, Rejected: m.Rejected, Opened: m.Opened, Closed: m.Closed}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with a per-call timeout
// race and spec-shaped state/metrics surface.
type CircuitBreaker struct {
	gb      *gobreaker.CircuitBreaker[any]
	timeout time.Duration
	metrics Metrics
}

// NewCircuitBreaker constructs a CircuitBreaker from cfg.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}

	cb := &CircuitBreaker{timeout: cfg.Timeout}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				cb.metrics.incr(&cb.metrics.Opened)
			}
			if to == gobreaker.StateClosed {
				cb.metrics.incr(&cb.metrics.Closed)
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, BreakerState(from), BreakerState(to))
			}
		},
	}
	cb.gb = gobreaker.NewCircuitBreaker[any](settings)
	return cb
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(cb.gb.State())
}

// Metrics returns a snapshot of the breaker's outcome counters.
func (cb *CircuitBreaker) Metrics() Metrics {
	return cb.metrics.Snapshot()
}

// Execute runs fn under the breaker, racing it against the configured
// per-call timeout. Open-state rejections surface as ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, cb.timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- fn(callCtx) }()

		select {
		case err := <-done:
			return nil, err
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			cb.metrics.incr(&cb.metrics.Rejected)
			return ErrCircuitOpen
		}
		cb.metrics.incr(&cb.metrics.Failure)
		return err
	}
	cb.metrics.incr(&cb.metrics.Success)
	return nil
}
