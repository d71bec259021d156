package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimedMutexSerializesAccess(t *testing.T) {
	m := NewTimedMutex()
	order := []int{}

	release, err := m.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r, err := m.Acquire(context.Background())
		require.NoError(t, err)
		order = append(order, 2)
		r()
	}()

	time.Sleep(10 * time.Millisecond)
	order = append(order, 1)
	release()
	<-done

	require.Equal(t, []int{1, 2}, order)
}

func TestTimedMutexAcquireWithTimeout(t *testing.T) {
	m := NewTimedMutex()
	release, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = m.AcquireWithTimeout(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrMutexTimeout)
}

func TestRunExclusiveReleasesOnError(t *testing.T) {
	m := NewTimedMutex()
	err := m.RunExclusive(context.Background(), func() error {
		return context.Canceled
	})
	require.Error(t, err)

	// Mutex must have been released despite the error.
	release, err := m.AcquireWithTimeout(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	release()
}
