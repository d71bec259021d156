// Package engine implements the run/step lifecycle of spec.md 4.E: optimistic
// run creation, step materialisation with idempotency and policy embedding,
// gate-driven blocking, and the explicit retry API. It shares its step
// execution path (Executor, in executor.go) with internal/worker so the
// inline-fallback path and the queue-driven worker behave identically
// (SPEC_FULL.md section 3).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/runcontrol/internal/apperr"
	"github.com/R3E-Network/runcontrol/internal/queue"
	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/value"
	"github.com/R3E-Network/runcontrol/pkg/logger"
)

// Config tunes the engine's backpressure and inline-fallback behaviour
// (spec.md section 6's configuration surface).
type Config struct {
	BackpressureAgeMs   int64
	DisableInlineRunner bool
	// QueueIsMemory indicates the wired queue driver is the in-process
	// memory driver, the precondition for the inline-fallback policy of
	// spec.md 4.B.
	QueueIsMemory bool
}

// DefaultConfig mirrors spec.md section 6's defaults.
func DefaultConfig() Config {
	return Config{BackpressureAgeMs: 5000, QueueIsMemory: true}
}

// Engine owns run/step state mutations (spec.md 3, "Ownership & lifecycle").
type Engine struct {
	store    store.Store
	queue    queue.Queue
	executor *Executor
	log      *logger.Logger
	cfg      Config
}

// NewEngine builds an Engine. executor is the shared step-execution path
// also used by the worker's queue subscriber.
func NewEngine(st store.Store, q queue.Queue, executor *Executor, log *logger.Logger, cfg Config) *Engine {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	if cfg.BackpressureAgeMs <= 0 {
		cfg.BackpressureAgeMs = DefaultConfig().BackpressureAgeMs
	}
	return &Engine{store: st, queue: q, executor: executor, log: log, cfg: cfg}
}

// Executor returns the shared step-execution path, exposed so the HTTP API
// can resolve gates through the same success/failure transitions RunStep
// uses.
func (e *Engine) Executor() *Executor {
	return e.executor
}

// PreviewPlan validates and returns a submitted plan without persisting a
// run, implementing POST /runs/preview. The plan-building heuristic itself
// is an external collaborator (spec.md 1); this only validates the
// structural contract the core relies on.
func (e *Engine) PreviewPlan(rawPlan value.Value) (Plan, error) {
	return ParsePlan(rawPlan)
}

// CreateRun implements spec.md 4.E's optimistic "respond first, materialise
// steps later" run creation. It blocks only on the synchronous persistence
// steps (1-4) and returns; step materialisation is the caller's
// responsibility to run asynchronously via MaterializeSteps.
func (e *Engine) CreateRun(ctx context.Context, rawPlan value.Value, projectID string, user store.UserMeta) (store.Run, Plan, error) {
	plan, err := ParsePlan(rawPlan)
	if err != nil {
		return store.Run{}, Plan{}, err
	}

	run, err := e.store.CreateRun(ctx, rawPlan, projectID, user)
	if err != nil {
		return store.Run{}, Plan{}, fmt.Errorf("create run: %w", err)
	}

	if _, err := e.store.RecordEvent(ctx, run.ID, "run.created", rawPlan, ""); err != nil {
		e.log.WithField("run_id", run.ID).WithError(err).Warn("failed to record run.created event")
	}

	readback, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return store.Run{}, Plan{}, fmt.Errorf("verify run readback: %w", err)
	}
	if readback.ID != run.ID || readback.Status != run.Status {
		e.log.WithField("run_id", run.ID).Warn("run readback mismatch after create")
	}

	return run, plan, nil
}

// MaterializeSteps implements spec.md 4.E's step materialisation. It is
// intended to be invoked by the caller on a separate goroutine from
// CreateRun's synchronous return; failures are recorded on the run's
// timeline rather than propagated, matching "any materialisation failure
// appears in the timeline, not the create response" (spec.md 7).
func (e *Engine) MaterializeSteps(ctx context.Context, run store.Run, plan Plan) {
	for _, planStep := range plan.Steps {
		if err := e.materializeOne(ctx, run, planStep); err != nil {
			e.log.WithField("run_id", run.ID).WithField("step_name", planStep.Name).WithError(err).Error("step materialisation failed")
			payload, _ := value.FromAny(map[string]string{"step": planStep.Name, "error": err.Error()})
			_, _ = e.store.RecordEvent(ctx, run.ID, "step.processing.error", payload, "")
		}
	}
}

func (e *Engine) materializeOne(ctx context.Context, run store.Run, planStep PlanStep) error {
	inputs, err := effectiveInputs(planStep)
	if err != nil {
		return fmt.Errorf("compose inputs for %q: %w", planStep.Name, err)
	}

	idemKey, err := value.IdempotencyKey(run.ID, planStep.Name, inputs)
	if err != nil {
		return fmt.Errorf("compute idempotency key for %q: %w", planStep.Name, err)
	}

	step, created, err := e.store.CreateStep(ctx, run.ID, planStep.Name, planStep.Tool, inputs, idemKey)
	if err != nil {
		return fmt.Errorf("create step %q: %w", planStep.Name, err)
	}
	if !created {
		// Another materialisation already won the idempotency race (or this
		// is a re-submitted plan); read back the existing step rather than
		// enqueueing a duplicate.
		step, err = e.store.GetStepByIdempotencyKey(ctx, run.ID, idemKey)
		if err != nil {
			return fmt.Errorf("read back existing step %q: %w", planStep.Name, err)
		}
	}

	payload, _ := value.FromAny(map[string]string{"name": step.Name, "tool": step.Tool, "idempotency_key": step.IdempotencyKey})

	if step.Status != store.StepQueued {
		_, _ = e.store.RecordEvent(ctx, run.ID, "step.enqueue.skipped", payload, step.ID)
		return nil
	}

	_, _ = e.store.RecordEvent(ctx, run.ID, "step.enqueued", payload, step.ID)
	return e.enqueueStep(ctx, step, 1)
}

func (e *Engine) enqueueStep(ctx context.Context, step store.Step, attempt int) error {
	jobPayload, err := value.FromAny(stepReadyPayload(step, attempt))
	if err != nil {
		return fmt.Errorf("encode step.ready payload: %w", err)
	}

	delay := e.backpressureDelay(ctx, step.RunID)

	if delay > 0 {
		_, err = e.queue.EnqueueDelayed(ctx, queue.TopicStepReady, jobPayload, delay)
	} else {
		_, err = e.queue.Enqueue(ctx, queue.TopicStepReady, jobPayload)
	}
	if err != nil {
		return fmt.Errorf("enqueue step.ready: %w", err)
	}

	if e.shouldRunInline() {
		if execErr := e.executor.RunStep(ctx, stepReadyPayload(step, attempt)); execErr != nil {
			e.log.WithField("step_id", step.ID).WithError(execErr).Warn("inline-fallback execution failed")
		}
	}
	return nil
}

// backpressureDelay implements spec.md 4.B's admission-control policy:
// when the oldest pending step.ready job exceeds BackpressureAgeMs, new
// enqueues are delayed by min(15000, (age-threshold)/2) ms, and a
// queue.backpressure event is recorded.
func (e *Engine) backpressureDelay(ctx context.Context, runID string) time.Duration {
	age := e.queue.OldestAgeMs(queue.TopicStepReady)
	if age <= e.cfg.BackpressureAgeMs {
		return 0
	}

	delayMs := (age - e.cfg.BackpressureAgeMs) / 2
	if delayMs > 15000 {
		delayMs = 15000
	}
	payload, _ := value.FromAny(map[string]int64{"ageMs": age, "delayMs": delayMs})
	_, _ = e.store.RecordEvent(ctx, runID, "queue.backpressure", payload, "")
	return time.Duration(delayMs) * time.Millisecond
}

// shouldRunInline implements spec.md 4.B's inline-fallback policy: only
// when the wired queue driver is in-memory, no subscriber is registered
// for step.ready, and the operator has not disabled it.
func (e *Engine) shouldRunInline() bool {
	if e.cfg.DisableInlineRunner || !e.cfg.QueueIsMemory {
		return false
	}
	return !e.queue.HasSubscribers(queue.TopicStepReady)
}

// ErrStepNotRetryable is returned by RetryStep when the step is not in
// {failed, cancelled}.
var ErrStepNotRetryable = apperr.New(apperr.CodeConflict, "step is not in a retryable state", 409)

// RetryStep implements spec.md 4.E's retry API.
func (e *Engine) RetryStep(ctx context.Context, runID, stepID string) (store.Step, error) {
	step, err := e.store.GetStep(ctx, stepID)
	if err == store.ErrNotFound {
		return store.Step{}, apperr.NotFound("step", stepID)
	}
	if err != nil {
		return store.Step{}, fmt.Errorf("load step: %w", err)
	}
	if step.RunID != runID {
		return store.Step{}, apperr.NotFound("step", stepID)
	}
	if step.Status != store.StepFailed && step.Status != store.StepCancelled {
		return store.Step{}, ErrStepNotRetryable
	}

	reset, err := e.store.ResetStep(ctx, stepID)
	if err != nil {
		return store.Step{}, fmt.Errorf("reset step: %w", err)
	}
	_, _ = e.store.RecordEvent(ctx, runID, "step.retried", value.Null, stepID)

	if err := e.enqueueStep(ctx, reset, reset.Attempt); err != nil {
		return store.Step{}, fmt.Errorf("re-enqueue retried step: %w", err)
	}
	return reset, nil
}

func stepReadyPayload(step store.Step, attempt int) StepReadyPayload {
	return StepReadyPayload{
		RunID:          step.RunID,
		StepID:         step.ID,
		IdempotencyKey: step.IdempotencyKey,
		Attempt:        attempt,
	}
}
