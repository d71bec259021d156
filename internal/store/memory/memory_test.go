package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/value"
)

func TestCreateStepIdempotencyConflictReturnsExistingStep(t *testing.T) {
	s := New()
	ctx := context.Background()

	run, err := s.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{UserID: "u1"})
	require.NoError(t, err)

	inputs, err := value.FromAny(map[string]interface{}{"a": 1})
	require.NoError(t, err)

	first, created, err := s.CreateStep(ctx, run.ID, "build", "codegen", inputs, "key-1")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.CreateStep(ctx, run.ID, "build", "codegen", inputs, "key-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}

func TestCASStepStatusFailsOnMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	run, err := s.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{})
	require.NoError(t, err)
	step, _, err := s.CreateStep(ctx, run.ID, "build", "codegen", value.Null, "k1")
	require.NoError(t, err)

	ok, err := s.CASStepStatus(ctx, step.ID, store.StepRunning, store.StepSucceeded)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CASStepStatus(ctx, step.ID, store.StepQueued, store.StepRunning)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestEventSequenceHasNoGaps(t *testing.T) {
	s := New()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.RecordEvent(ctx, run.ID, "run.step_succeeded", value.Null, "")
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		require.EqualValues(t, i+1, e.Sequence)
	}
}

func TestUpdateGateRejectsSecondResolution(t *testing.T) {
	s := New()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{})
	require.NoError(t, err)

	gate, err := s.CreateOrGetGate(ctx, run.ID, "step-1", "manual:deploy")
	require.NoError(t, err)

	_, err = s.UpdateGate(ctx, gate.ID, store.GateApproved, "approver-1", "")
	require.NoError(t, err)

	_, err = s.UpdateGate(ctx, gate.ID, store.GateRejected, "approver-2", "too late")
	require.ErrorIs(t, err, store.ErrGateTerminal)
}

func TestCreateOrGetGateIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{})
	require.NoError(t, err)

	a, err := s.CreateOrGetGate(ctx, run.ID, "step-1", "manual:deploy")
	require.NoError(t, err)
	b, err := s.CreateOrGetGate(ctx, run.ID, "step-1", "manual:deploy")
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
}

func TestOutboxPublishCycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.EnqueueOutbox(ctx, "step.ready", value.Null)
	require.NoError(t, err)

	pending, err := s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkOutboxPublished(ctx, id))

	pending, err = s.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}
