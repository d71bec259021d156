package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	memoryqueue "github.com/R3E-Network/runcontrol/internal/queue/memory"
	"github.com/R3E-Network/runcontrol/internal/store"
	memorystore "github.com/R3E-Network/runcontrol/internal/store/memory"
	"github.com/R3E-Network/runcontrol/internal/value"
)

func TestRunStepPersistsArtifactsReturnedByHandler(t *testing.T) {
	registry := NewRegistry()
	registry.Register(fakeHandler{name: "codegen", run: func(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
		return ExecutionResult{
			Summary:   value.Null,
			Artifacts: []ArtifactFile{{Name: "haiku.md", MimeType: "text/markdown", Data: []byte("# Testing\n")}},
		}, nil
	}})

	st := memorystore.New()
	q := memoryqueue.New(memoryqueue.DefaultConfig())
	executor := NewExecutor(st, q, registry, nil, DefaultExecutorConfig())
	ctx := context.Background()

	run, err := st.CreateRun(ctx, value.Null, "proj-1", store.UserMeta{UserID: "u1"})
	require.NoError(t, err)
	inputs, err := value.FromAny(map[string]interface{}{"filename": "haiku.md"})
	require.NoError(t, err)
	step, created, err := st.CreateStep(ctx, run.ID, "write readme", "codegen", inputs, "key-1")
	require.NoError(t, err)
	require.True(t, created)

	err = executor.RunStep(ctx, StepReadyPayload{RunID: run.ID, StepID: step.ID, IdempotencyKey: "key-1", Attempt: 1})
	require.NoError(t, err)

	artifacts, err := st.ListArtifactsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, "haiku.md", artifacts[0].Name)
	require.Equal(t, "text/markdown", artifacts[0].MimeType)
	require.Equal(t, step.ID, artifacts[0].StepID)

	updated, err := st.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepSucceeded, updated.Status)
}
