package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/runcontrol/internal/apperr"
	"github.com/R3E-Network/runcontrol/internal/queue"
	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/value"
	"github.com/R3E-Network/runcontrol/pkg/logger"
)

func timeNow() time.Time { return time.Now().UTC() }

// ArtifactFile is one byte-stream artifact a tool handler produces.
type ArtifactFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// GateVerdict is returned by gate:* handlers (typecheck/lint/unit) instead
// of a plain success, carrying the check's pass/fail outcome so the
// Executor can create an already-resolved gate record.
type GateVerdict struct {
	GateType string
	Passed   bool
	Reason   string
}

// ExecutionRequest is the input an Executor hands to a ToolHandler.
type ExecutionRequest struct {
	RunID        string
	StepID       string
	StepName     string
	Inputs       value.Value
	EnvAllowed   []string
	SecretsScope []string
}

// ExecutionResult is what a ToolHandler returns on success.
type ExecutionResult struct {
	Summary   value.Value
	Artifacts []ArtifactFile
	Gate      *GateVerdict
}

// HandlerError lets a ToolHandler classify its own failure per spec.md 4.F
// step 7: Terminal failures (policy/validation/unknown-tool-class errors)
// fail the step with no retry; non-terminal failures are nacked for the
// queue's backoff+DLQ machinery.
type HandlerError struct {
	Err      error
	Terminal bool
}

func (e *HandlerError) Error() string { return e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

// ToolHandler implements one named tool, per the capability-set pattern of
// spec.md 9 ("Polymorphism"): {name, invoke(ctx, inputs) -> result}.
type ToolHandler interface {
	Name() string
	Invoke(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// Registry is a name-keyed lookup of ToolHandlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ToolHandler)}
}

// Register adds handler under its own Name(), overwriting any prior
// registration for that name.
func (r *Registry) Register(handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.Name()] = handler
}

// Get looks up a handler by tool name.
func (r *Registry) Get(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// manualDeployTool is the synthetic tool name the plan builder emits for a
// human-approval checkpoint (spec.md 4.E gate resolution, case a).
const manualDeployTool = "manual:deploy"

// ExecutorConfig tunes the worker's per-step behaviour.
type ExecutorConfig struct {
	StepTimeout time.Duration
}

// DefaultExecutorConfig returns the spec's STEP_TIMEOUT_MS default (30s).
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{StepTimeout: 30 * time.Second}
}

// Executor is the single step-execution path shared by the engine's
// inline-fallback and the worker's queue subscriber (SPEC_FULL.md section
// 3), implementing spec.md 4.F's lease -> policy -> dispatch -> artifact ->
// transition sequence.
type Executor struct {
	store    store.Store
	queue    queue.Queue
	registry *Registry
	log      *logger.Logger
	cfg      ExecutorConfig
}

// NewExecutor builds an Executor over the given store, queue, and tool
// registry.
func NewExecutor(st store.Store, q queue.Queue, registry *Registry, log *logger.Logger, cfg ExecutorConfig) *Executor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultExecutorConfig().StepTimeout
	}
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Executor{store: st, queue: q, registry: registry, log: log, cfg: cfg}
}

// StepReadyPayload is the step.ready job body (spec.md section 6: "Job
// payloads").
type StepReadyPayload struct {
	RunID          string `json:"runId"`
	StepID         string `json:"stepId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Attempt        int    `json:"attempt"`
}

// RunStep executes one delivered step.ready job end to end. It returns nil
// when the job should be acked (including on a classified terminal
// failure) and a non-nil error only when the job should be nacked for
// queue-level retry/DLQ handling.
func (e *Executor) RunStep(ctx context.Context, payload StepReadyPayload) error {
	log := e.log.WithField("run_id", payload.RunID).WithField("step_id", payload.StepID)

	leased, err := e.store.CASStepStatus(ctx, payload.StepID, store.StepQueued, store.StepRunning)
	if err != nil {
		return fmt.Errorf("lease step: %w", err)
	}
	if !leased {
		_, _ = e.store.RecordEvent(ctx, payload.RunID, "step.lease.lost", value.Null, payload.StepID)
		log.Info("step lease lost, acking job")
		return nil
	}

	step, err := e.store.GetStep(ctx, payload.StepID)
	if err != nil {
		return fmt.Errorf("load leased step: %w", err)
	}

	_, _ = e.store.RecordEvent(ctx, payload.RunID, "step.started", value.Null, payload.StepID)

	pol := parsePolicy(step.Inputs)
	if len(pol.ToolsAllowed) > 0 && !contains(pol.ToolsAllowed, step.Tool) {
		return e.failTerminal(ctx, step, "POLICY_DENIED", "tool not in tools_allowed", "policy.denied")
	}

	if step.Tool == manualDeployTool {
		return e.convertToGate(ctx, step, "manual-approval")
	}

	handler, ok := e.registry.Get(step.Tool)
	if !ok {
		return e.failTerminal(ctx, step, "TOOL_UNKNOWN", fmt.Sprintf("no handler registered for tool %q", step.Tool), "policy.denied")
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	result, handlerErr := handler.Invoke(execCtx, ExecutionRequest{
		RunID:        step.RunID,
		StepID:       step.ID,
		StepName:     step.Name,
		Inputs:       step.Inputs,
		EnvAllowed:   pol.EnvAllowed,
		SecretsScope: pol.SecretsScope,
	})
	if handlerErr != nil {
		return e.handleFailure(ctx, step, handlerErr)
	}

	if result.Gate != nil {
		return e.resolveGateVerdict(ctx, step, *result.Gate)
	}

	for _, artifact := range result.Artifacts {
		_, err := e.store.AddArtifact(ctx, store.Artifact{
			RunID:       step.RunID,
			StepID:      step.ID,
			Name:        artifact.Name,
			MimeType:    artifact.MimeType,
			StoragePath: fmt.Sprintf("runs/%s/steps/%s/%s", step.RunID, step.ID, artifact.Name),
			Driver:      "local",
			Size:        int64(len(artifact.Data)),
		})
		if err != nil {
			log.WithError(err).Warn("failed to persist artifact")
		}
	}

	return e.succeed(ctx, step, result.Summary)
}

func (e *Executor) succeed(ctx context.Context, step store.Step, summary value.Value) error {
	now := timeNow()
	step.Status = store.StepSucceeded
	step.ResultSummary = summary
	step.EndedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("mark step succeeded: %w", err)
	}
	_, _ = e.store.RecordEvent(ctx, step.RunID, "step.succeeded", summary, step.ID)

	return e.maybeCompleteRun(ctx, step.RunID)
}

func (e *Executor) failTerminal(ctx context.Context, step store.Step, code, message, eventType string) error {
	now := timeNow()
	step.Status = store.StepFailed
	step.Error = &store.StepError{Code: code, Message: message, Terminal: true}
	step.EndedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	_, _ = e.store.RecordEvent(ctx, step.RunID, eventType, value.Null, step.ID)
	_, _ = e.store.RecordEvent(ctx, step.RunID, "step.failed", value.Null, step.ID)

	return e.failRun(ctx, step.RunID)
}

// handleFailure classifies a handler error per spec.md 4.F step 7: terminal
// failures fail the step with no retry (ack); transient failures nack so
// the queue can apply its backoff/DLQ schedule.
func (e *Executor) handleFailure(ctx context.Context, step store.Step, handlerErr error) error {
	terminal := true
	if he, ok := handlerErr.(*HandlerError); ok {
		terminal = he.Terminal
	} else if apperr.IsServiceError(handlerErr) {
		terminal = !apperr.IsRetryable(handlerErr)
	}

	if terminal {
		return e.failTerminal(ctx, step, "HANDLER_ERROR", handlerErr.Error(), "step.failed")
	}

	// Transient: reset the step's lease back to queued so a subsequent
	// delivery can re-lease it, and return the error so the caller (queue
	// subscriber) nacks the job.
	if _, err := e.store.CASStepStatus(ctx, step.ID, store.StepRunning, store.StepQueued); err != nil {
		e.log.WithError(err).Warn("failed to release step lease after transient failure")
	}
	return fmt.Errorf("transient step failure: %w", handlerErr)
}

// DeadLetter is invoked by the queue's DLQ path (not RunStep itself) once a
// job has exhausted its attempt budget, to record the terminal step state
// spec.md 4.F step 7 requires.
func (e *Executor) DeadLetter(ctx context.Context, payload StepReadyPayload, lastErr error) error {
	step, err := e.store.GetStep(ctx, payload.StepID)
	if err != nil {
		return fmt.Errorf("load step for dead-letter: %w", err)
	}
	now := timeNow()
	step.Status = store.StepFailed
	step.Error = &store.StepError{Code: "TRANSIENT_EXHAUSTED", Message: lastErr.Error(), Terminal: true}
	step.EndedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("mark step dead-lettered: %w", err)
	}
	_, _ = e.store.RecordEvent(ctx, step.RunID, "step.dead-lettered", value.Null, step.ID)
	return e.failRun(ctx, step.RunID)
}

func (e *Executor) convertToGate(ctx context.Context, step store.Step, gateType string) error {
	gate, err := e.store.CreateOrGetGate(ctx, step.RunID, step.ID, gateType)
	if err != nil {
		return fmt.Errorf("create gate for step: %w", err)
	}
	step.Status = store.StepAwaitingGate
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("mark step awaiting gate: %w", err)
	}
	if gate.Status == store.GatePending {
		_, _ = e.store.RecordEvent(ctx, step.RunID, "gate.created", value.Null, step.ID)
		return e.blockRun(ctx, step.RunID)
	}
	return nil
}

func (e *Executor) resolveGateVerdict(ctx context.Context, step store.Step, verdict GateVerdict) error {
	gate, err := e.store.CreateOrGetGate(ctx, step.RunID, step.ID, verdict.GateType)
	if err != nil {
		return fmt.Errorf("create gate for verdict: %w", err)
	}
	status := store.GateApproved
	if !verdict.Passed {
		status = store.GateRejected
	}
	reason := truncateReason(verdict.Reason)
	if gate.Status == store.GatePending {
		if _, err := e.store.UpdateGate(ctx, gate.ID, status, "system:"+verdict.GateType, reason); err != nil && err != store.ErrGateTerminal {
			return fmt.Errorf("resolve check gate: %w", err)
		}
	}

	if !verdict.Passed {
		return e.failTerminal(ctx, step, "GATE_FAILED", reason, "gate.rejected")
	}
	_, _ = e.store.RecordEvent(ctx, step.RunID, "gate.approved", value.Null, step.ID)
	return e.succeed(ctx, step, value.Null)
}

func (e *Executor) maybeCompleteRun(ctx context.Context, runID string) error {
	remaining, err := e.store.CountRemainingSteps(ctx, runID)
	if err != nil {
		return fmt.Errorf("count remaining steps: %w", err)
	}
	gates, err := e.store.ListGatesByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("list gates: %w", err)
	}
	pendingGate := false
	for _, g := range gates {
		if g.Status == store.GatePending {
			pendingGate = true
			break
		}
	}
	if pendingGate {
		return nil
	}
	if remaining == 0 {
		now := timeNow()
		if err := e.store.UpdateRunStatus(ctx, runID, store.RunSucceeded, nil, &now); err != nil {
			return fmt.Errorf("mark run succeeded: %w", err)
		}
		_, _ = e.store.RecordEvent(ctx, runID, "run.succeeded", value.Null, "")
		return nil
	}
	// No gate is blocking the run anymore but sibling steps are still in
	// flight: a run left in "blocked" here would never surface as running
	// again until the last step completes.
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status == store.RunBlocked {
		if err := e.store.UpdateRunStatus(ctx, runID, store.RunRunning, nil, nil); err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
	}
	return nil
}

// ResolveGate applies an approve/waive/reject decision to a gate, per
// spec.md 4.E's gate resolution contract: re-resolving an already-resolved
// gate is a no-op (Approve ∘ Approve = Approve), and resolving a gate tied
// to an awaiting_gate step releases that step to continue.
func (e *Executor) ResolveGate(ctx context.Context, gateID string, status store.GateStatus, approverID, reason string) (store.Gate, error) {
	gate, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return store.Gate{}, err
	}
	reason = truncateReason(reason)

	if gate.Status == store.GatePending {
		updated, err := e.store.UpdateGate(ctx, gateID, status, approverID, reason)
		if err != nil {
			if err != store.ErrGateTerminal {
				return store.Gate{}, fmt.Errorf("resolve gate: %w", err)
			}
			if gate, err = e.store.GetGate(ctx, gateID); err != nil {
				return store.Gate{}, err
			}
		} else {
			gate = updated
		}
		_, _ = e.store.RecordEvent(ctx, gate.RunID, gateEventType(status), value.Null, gate.StepID)
	}

	if gate.StepID == "" {
		return gate, e.maybeCompleteRun(ctx, gate.RunID)
	}
	return gate, e.releaseGatedStep(ctx, gate)
}

func gateEventType(status store.GateStatus) string {
	switch status {
	case store.GateWaived:
		return "gate.waived"
	case store.GateRejected:
		return "gate.rejected"
	default:
		return "gate.approved"
	}
}

func (e *Executor) releaseGatedStep(ctx context.Context, gate store.Gate) error {
	step, err := e.store.GetStep(ctx, gate.StepID)
	if err != nil {
		return fmt.Errorf("load gated step: %w", err)
	}
	if step.Status != store.StepAwaitingGate {
		return nil
	}
	if gate.Status == store.GateRejected {
		return e.failTerminal(ctx, step, "GATE_REJECTED", gate.Reason, "gate.rejected")
	}
	return e.succeed(ctx, step, value.Null)
}

func (e *Executor) failRun(ctx context.Context, runID string) error {
	now := timeNow()
	if err := e.store.UpdateRunStatus(ctx, runID, store.RunFailed, nil, &now); err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	_, _ = e.store.RecordEvent(ctx, runID, "run.failed", value.Null, "")
	return nil
}

func (e *Executor) blockRun(ctx context.Context, runID string) error {
	if err := e.store.UpdateRunStatus(ctx, runID, store.RunBlocked, nil, nil); err != nil {
		return fmt.Errorf("mark run blocked: %w", err)
	}
	return nil
}

func contains(list []string, needle string) bool {
	for _, v := range list {
		if v == needle {
			return true
		}
	}
	return false
}

func truncateReason(reason string) string {
	const maxLen = 500
	if len(reason) <= maxLen {
		return reason
	}
	return reason[:maxLen]
}
