package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/engine"
	memoryqueue "github.com/R3E-Network/runcontrol/internal/queue/memory"
	"github.com/R3E-Network/runcontrol/internal/store"
	memorystore "github.com/R3E-Network/runcontrol/internal/store/memory"
	"github.com/R3E-Network/runcontrol/internal/value"
)

type noopHandler struct{}

func (noopHandler) Name() string { return "noop" }
func (noopHandler) Invoke(ctx context.Context, req engine.ExecutionRequest) (engine.ExecutionResult, error) {
	return engine.ExecutionResult{Summary: value.Null}, nil
}

func newTestHandler(t *testing.T) (*Handler, *memorystore.Store, *engine.Engine) {
	t.Helper()
	st := memorystore.New()
	q := memoryqueue.New(memoryqueue.DefaultConfig())
	registry := engine.NewRegistry()
	registry.Register(noopHandler{})
	executor := engine.NewExecutor(st, q, registry, nil, engine.DefaultExecutorConfig())
	eng := engine.NewEngine(st, q, executor, nil, engine.DefaultConfig())
	return NewHandler(eng, st, q, nil, nil), st, eng
}

func doRequest(h *Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateRunRespondsCreatedWithQueuedStatus(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodPost, "/runs", map[string]interface{}{
		"plan": map[string]interface{}{
			"goal":  "ship feature",
			"steps": []map[string]interface{}{{"name": "build", "tool": "noop"}},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp["status"])
	require.NotEmpty(t, resp["id"])
}

func TestCreateRunRejectsMissingPlan(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodPost, "/runs", map[string]interface{}{"projectId": "p1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunReturnsNotFoundForUnknownID(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodGet, "/runs/does-not-exist", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsClampsLimitToMax(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodGet, "/runs?limit=5000", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	pagination := resp["pagination"].(map[string]interface{})
	require.Equal(t, float64(MaxListLimit), pagination["limit"])
}

func TestRetryStepRejectsQueuedStep(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, value.Null, "p1", store.UserMeta{})
	require.NoError(t, err)
	step, _, err := st.CreateStep(ctx, run.ID, "build", "noop", value.Null, "k1")
	require.NoError(t, err)

	rec := doRequest(h, http.MethodPost, "/runs/"+run.ID+"/steps/"+step.ID+"/retry", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproveGateReleasesAwaitingStepAndRun(t *testing.T) {
	h, st, eng := newTestHandler(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, value.Null, "p1", store.UserMeta{})
	require.NoError(t, err)
	step, _, err := st.CreateStep(ctx, run.ID, "approval", "manual:deploy", value.Null, "k1")
	require.NoError(t, err)

	// RunStep takes the queued->running lease itself, so the step is
	// handed to it still queued.
	pending, err := st.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepQueued, pending.Status)
	require.NoError(t, eng.Executor().RunStep(ctx, engine.StepReadyPayload{RunID: run.ID, StepID: step.ID, Attempt: 1}))

	gated, err := st.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepAwaitingGate, gated.Status)

	gates, err := st.ListGatesByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, gates, 1)

	rec := doRequest(h, http.MethodPost, "/gates/"+gates[0].ID+"/approve", map[string]string{"approved_by": "qa-bot"})
	require.Equal(t, http.StatusOK, rec.Code)

	resolved, err := st.GetStep(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, store.StepSucceeded, resolved.Status)

	resolvedRun, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, resolvedRun.Status)
}

func TestCreateGateAcceptsRunLevelGateWithNoStepID(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, value.Null, "p1", store.UserMeta{})
	require.NoError(t, err)

	rec := doRequest(h, http.MethodPost, "/gates", map[string]string{"run_id": run.ID, "gate_type": "release"})

	require.Equal(t, http.StatusCreated, rec.Code)
	var gate store.Gate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gate))
	require.Empty(t, gate.StepID)
	require.Equal(t, store.GatePending, gate.Status)
}
