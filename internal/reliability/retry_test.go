package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return &Retryable{Err: errors.New("boom")}
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return &NonRetryable{Err: errors.New("fatal")}
	})

	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryCallsOnRetryWithAttempt(t *testing.T) {
	var attempts []int
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.OnRetry = func(err error, attempt int) { attempts = append(attempts, attempt) }

	_ = Retry(context.Background(), cfg, func() error {
		return &Retryable{Err: errors.New("boom")}
	})

	require.Equal(t, []int{1, 2, 3}, attempts)
}
