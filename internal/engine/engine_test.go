package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memoryqueue "github.com/R3E-Network/runcontrol/internal/queue/memory"
	"github.com/R3E-Network/runcontrol/internal/store"
	memorystore "github.com/R3E-Network/runcontrol/internal/store/memory"
	"github.com/R3E-Network/runcontrol/internal/value"
)

type fakeHandler struct {
	name string
	run  func(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

func (h fakeHandler) Name() string { return h.name }
func (h fakeHandler) Invoke(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return h.run(ctx, req)
}

func newTestEngine(t *testing.T, registry *Registry, cfg Config) (*Engine, *memorystore.Store, *memoryqueue.Queue) {
	t.Helper()
	st := memorystore.New()
	q := memoryqueue.New(memoryqueue.DefaultConfig())
	executor := NewExecutor(st, q, registry, nil, DefaultExecutorConfig())
	return NewEngine(st, q, executor, nil, cfg), st, q
}

func samplePlan(t *testing.T) value.Value {
	t.Helper()
	raw, err := value.FromAny(map[string]interface{}{
		"goal": "ship feature",
		"steps": []map[string]interface{}{
			{"name": "build", "tool": "noop"},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestCreateRunPersistsAndEmitsCreatedEvent(t *testing.T) {
	registry := NewRegistry()
	eng, st, _ := newTestEngine(t, registry, Config{DisableInlineRunner: true})
	ctx := context.Background()

	run, plan, err := eng.CreateRun(ctx, samplePlan(t), "proj-1", store.UserMeta{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, run.Status)
	require.Len(t, plan.Steps, 1)

	events, err := st.ListEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, "run.created", events[0].Type)
}

func TestMaterializeStepsIsIdempotentAcrossCalls(t *testing.T) {
	registry := NewRegistry()
	registry.Register(fakeHandler{name: "noop", run: func(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
		return ExecutionResult{Summary: value.Null}, nil
	}})
	eng, st, _ := newTestEngine(t, registry, Config{DisableInlineRunner: true})
	ctx := context.Background()

	run, plan, err := eng.CreateRun(ctx, samplePlan(t), "proj-1", store.UserMeta{UserID: "u1"})
	require.NoError(t, err)

	eng.MaterializeSteps(ctx, run, plan)
	eng.MaterializeSteps(ctx, run, plan)

	steps, err := st.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1, "re-materialising the same plan must not duplicate steps")
}

func TestBackpressureAddsNoDelayWhenQueueIsEmpty(t *testing.T) {
	registry := NewRegistry()
	eng, _, _ := newTestEngine(t, registry, Config{BackpressureAgeMs: 1, DisableInlineRunner: true})

	delay := eng.backpressureDelay(context.Background(), "run-1")
	// With no pending jobs the oldest age is 0, which never exceeds a
	// positive threshold, so no delay is introduced.
	require.Equal(t, time.Duration(0), delay)
}

func TestRetryStepRejectsNonRetryableStatus(t *testing.T) {
	registry := NewRegistry()
	eng, st, _ := newTestEngine(t, registry, Config{DisableInlineRunner: true})
	ctx := context.Background()

	run, err := st.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{UserID: "u1"})
	require.NoError(t, err)
	inputs, err := value.FromAny(map[string]interface{}{})
	require.NoError(t, err)
	step, created, err := st.CreateStep(ctx, run.ID, "build", "noop", inputs, "key-1")
	require.NoError(t, err)
	require.True(t, created)

	_, err = eng.RetryStep(ctx, run.ID, step.ID)
	require.ErrorIs(t, err, ErrStepNotRetryable)
}

func TestRetryStepResetsAndReenqueuesFailedStep(t *testing.T) {
	registry := NewRegistry()
	eng, st, _ := newTestEngine(t, registry, Config{DisableInlineRunner: true})
	ctx := context.Background()

	run, err := st.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{UserID: "u1"})
	require.NoError(t, err)
	inputs, err := value.FromAny(map[string]interface{}{})
	require.NoError(t, err)
	step, created, err := st.CreateStep(ctx, run.ID, "build", "noop", inputs, "key-1")
	require.NoError(t, err)
	require.True(t, created)

	step.Status = store.StepFailed
	require.NoError(t, st.UpdateStep(ctx, step))

	retried, err := eng.RetryStep(ctx, run.ID, step.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepQueued, retried.Status)
	require.Equal(t, 2, retried.Attempt)
}

func TestRetryStepUnknownStepReturnsNotFound(t *testing.T) {
	registry := NewRegistry()
	eng, _, _ := newTestEngine(t, registry, Config{DisableInlineRunner: true})

	_, err := eng.RetryStep(context.Background(), "run-1", "missing-step")
	require.Error(t, err)
}
