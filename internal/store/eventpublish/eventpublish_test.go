package eventpublish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/queue"
	memoryqueue "github.com/R3E-Network/runcontrol/internal/queue/memory"
	"github.com/R3E-Network/runcontrol/internal/store"
	memorystore "github.com/R3E-Network/runcontrol/internal/store/memory"
	"github.com/R3E-Network/runcontrol/internal/value"
)

func newRun(t *testing.T, st store.Store) string {
	t.Helper()
	plan, err := value.FromAny(map[string]interface{}{"goal": "test goal"})
	require.NoError(t, err)
	run, err := st.CreateRun(context.Background(), plan, "project-1", store.UserMeta{UserID: "user-1", UserTier: "free"})
	require.NoError(t, err)
	return run.ID
}

func TestRecordEventPublishesToEventOut(t *testing.T) {
	q := memoryqueue.New(memoryqueue.DefaultConfig())
	defer func() { _ = q.Close(context.Background()) }()

	received := make(chan queue.Job, 1)
	_, err := q.Subscribe(context.Background(), queue.TopicEventOut, func(ctx context.Context, job queue.Job) error {
		received <- job
		return nil
	})
	require.NoError(t, err)

	st := New(memorystore.New(), q, nil)
	runID := newRun(t, st)

	payload, err := value.FromAny(map[string]interface{}{"message": "hello"})
	require.NoError(t, err)

	seq, err := st.RecordEvent(context.Background(), runID, "run.started", payload, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	select {
	case job := <-received:
		var out eventOutPayload
		require.NoError(t, job.Payload.Decode(&out))
		require.Equal(t, runID, out.RunID)
		require.Equal(t, "run.started", out.Type)
		require.Equal(t, int64(1), out.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event.out publish")
	}
}

func TestRecordEventStillDurableWithNoSubscribers(t *testing.T) {
	q := memoryqueue.New(memoryqueue.DefaultConfig())
	defer func() { _ = q.Close(context.Background()) }()

	inner := memorystore.New()
	st := New(inner, q, nil)
	runID := newRun(t, st)

	payload, err := value.FromAny(map[string]interface{}{"message": "hello"})
	require.NoError(t, err)

	seq, err := st.RecordEvent(context.Background(), runID, "run.started", payload, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	events, err := inner.ListEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
