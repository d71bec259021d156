package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/queue"
	"github.com/R3E-Network/runcontrol/internal/value"
)

func TestEnqueueDeliversToSubscriber(t *testing.T) {
	q := New(DefaultConfig())
	defer q.Close(context.Background())

	var got int32
	var wg sync.WaitGroup
	wg.Add(1)
	unsubscribe, err := q.Subscribe(context.Background(), queue.TopicStepReady, func(ctx context.Context, job queue.Job) error {
		atomic.StoreInt32(&got, 1)
		wg.Done()
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = q.Enqueue(context.Background(), queue.TopicStepReady, value.Null)
	require.NoError(t, err)

	waitWithTimeout(t, &wg, time.Second)
	require.EqualValues(t, 1, atomic.LoadInt32(&got))
}

func TestFailedJobIsDeadLetteredAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	q := New(cfg)
	defer q.Close(context.Background())

	var attempts int32
	done := make(chan struct{})
	unsubscribe, err := q.Subscribe(context.Background(), queue.TopicStepDLQ, func(ctx context.Context, job queue.Job) error {
		n := atomic.AddInt32(&attempts, 1)
		if n >= int32(cfg.MaxAttempts) {
			close(done)
		}
		return errors.New("always fails")
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = q.Enqueue(context.Background(), queue.TopicStepDLQ, value.Null)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retries")
	}

	require.Eventually(t, func() bool {
		jobs, err := q.ListDLQ(context.Background(), 10)
		require.NoError(t, err)
		return len(jobs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHasSubscribersReflectsActiveSubscriptions(t *testing.T) {
	q := New(DefaultConfig())
	defer q.Close(context.Background())

	require.False(t, q.HasSubscribers(queue.TopicEventOut))

	unsubscribe, err := q.Subscribe(context.Background(), queue.TopicEventOut, func(ctx context.Context, job queue.Job) error {
		return nil
	})
	require.NoError(t, err)
	require.True(t, q.HasSubscribers(queue.TopicEventOut))

	unsubscribe()
	require.Eventually(t, func() bool {
		return !q.HasSubscribers(queue.TopicEventOut)
	}, time.Second, 5*time.Millisecond)
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for subscriber")
	}
}
