package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/queue"
	memoryqueue "github.com/R3E-Network/runcontrol/internal/queue/memory"
	"github.com/R3E-Network/runcontrol/internal/store"
	memorystore "github.com/R3E-Network/runcontrol/internal/store/memory"
	"github.com/R3E-Network/runcontrol/internal/value"
)

type echoHandler struct{ calls int }

func (h *echoHandler) Name() string { return "noop" }
func (h *echoHandler) Invoke(ctx context.Context, req engine.ExecutionRequest) (engine.ExecutionResult, error) {
	h.calls++
	return engine.ExecutionResult{Summary: value.Null}, nil
}

func TestRunnerExecutesDeliveredStepReadyJob(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	q := memoryqueue.New(memoryqueue.DefaultConfig())
	registry := engine.NewRegistry()
	handler := &echoHandler{}
	registry.Register(handler)
	executor := engine.NewExecutor(st, q, registry, nil, engine.DefaultExecutorConfig())

	run, err := st.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{UserID: "u1"})
	require.NoError(t, err)
	inputs, err := value.FromAny(map[string]interface{}{})
	require.NoError(t, err)
	step, created, err := st.CreateStep(ctx, run.ID, "build", "noop", inputs, "key-1")
	require.NoError(t, err)
	require.True(t, created)

	runner := NewRunner(q, executor, nil, DefaultConfig())
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	payload, err := value.FromAny(engine.StepReadyPayload{RunID: run.ID, StepID: step.ID, IdempotencyKey: step.IdempotencyKey, Attempt: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.TopicStepReady, payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetStep(ctx, step.ID)
		return err == nil && got.Status == store.StepSucceeded
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, handler.calls)
}
