package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultBreakerConfig("llm-test")
	cfg.FailureThreshold = 3
	cfg.ResetTimeout = 50 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	failing := func(ctx context.Context) error { return errors.New("provider down") }

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), failing)
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), failing)
	require.ErrorIs(t, err, ErrCircuitOpen)

	metrics := cb.Metrics()
	require.EqualValues(t, 1, metrics.Rejected)
	require.EqualValues(t, 3, metrics.Failure)
}

func TestCircuitBreakerRecoversAfterResetTimeout(t *testing.T) {
	cfg := DefaultBreakerConfig("llm-test")
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 1
	cfg.ResetTimeout = 20 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerTimesOutSlowCalls(t *testing.T) {
	cfg := DefaultBreakerConfig("llm-test")
	cfg.Timeout = 10 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
}
