// Package worker drives spec.md 4.F's queue-consuming side: a step.ready
// subscriber that calls the shared engine.Executor, and a dead-letter sweep
// that converts exhausted jobs into terminal step failures. The background-
// loop shape (workers started after setup, stopped via a shared channel) is
// grounded on infrastructure/service/base.go's BaseService AddWorker /
// AddTickerWorker / StopChan idiom.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/queue"
	"github.com/R3E-Network/runcontrol/pkg/logger"
)

// Config tunes the worker's dead-letter sweep cadence.
type Config struct {
	DLQSweepInterval time.Duration
	DLQBatchSize     int
}

// DefaultConfig mirrors spec.md section 6's operational defaults.
func DefaultConfig() Config {
	return Config{DLQSweepInterval: 30 * time.Second, DLQBatchSize: 50}
}

// Runner subscribes to step.ready and periodically reconciles step.dlq
// against the store, using the same Executor the engine's inline-fallback
// path uses (SPEC_FULL.md section 3).
type Runner struct {
	queue    queue.Queue
	executor *engine.Executor
	log      *logger.Logger
	cfg      Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// NewRunner builds a Runner. Call Start to begin consuming.
func NewRunner(q queue.Queue, executor *engine.Executor, log *logger.Logger, cfg Config) *Runner {
	if log == nil {
		log = logger.NewDefault("worker")
	}
	if cfg.DLQSweepInterval <= 0 {
		cfg.DLQSweepInterval = DefaultConfig().DLQSweepInterval
	}
	if cfg.DLQBatchSize <= 0 {
		cfg.DLQBatchSize = DefaultConfig().DLQBatchSize
	}
	return &Runner{
		queue:    q,
		executor: executor,
		log:      log,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start subscribes to step.ready and launches the dead-letter sweep. It
// returns once subscription succeeds; both loops run in the background
// until Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	unsubscribe, err := r.queue.Subscribe(ctx, queue.TopicStepReady, r.handleStepReady)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-r.stopCh
		unsubscribe()
	}()

	r.wg.Add(1)
	go r.sweepDeadLetters(ctx)

	return nil
}

// Stop signals both background loops to exit and waits for them.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) handleStepReady(ctx context.Context, job queue.Job) error {
	var payload engine.StepReadyPayload
	if err := job.Payload.Decode(&payload); err != nil {
		r.log.WithError(err).Warn("failed to decode step.ready payload, dropping job")
		return nil
	}
	payload.Attempt = job.Attempt
	return r.executor.RunStep(ctx, payload)
}

// sweepDeadLetters polls the queue's DLQ on a ticker (grounded on
// infrastructure/service/base.go's AddTickerWorker loop shape) and converts
// newly observed dead-lettered jobs into terminal step failures exactly
// once, tracked via an in-process seen-set.
func (r *Runner) sweepDeadLetters(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.DLQSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.processDeadLetters(ctx)
		}
	}
}

func (r *Runner) processDeadLetters(ctx context.Context) {
	jobs, err := r.queue.ListDLQ(ctx, r.cfg.DLQBatchSize)
	if err != nil {
		r.log.WithError(err).Warn("failed to list dead-lettered jobs")
		return
	}

	for _, job := range jobs {
		r.seenMu.Lock()
		_, already := r.seen[job.ID]
		if !already {
			r.seen[job.ID] = struct{}{}
		}
		r.seenMu.Unlock()
		if already {
			continue
		}

		var payload engine.StepReadyPayload
		if err := job.Payload.Decode(&payload); err != nil {
			r.log.WithError(err).Warn("failed to decode dead-lettered job payload")
			continue
		}
		if err := r.executor.DeadLetter(ctx, payload, errDeadLetterExhausted); err != nil {
			r.log.WithError(err).Warn("failed to record dead-lettered step")
		}
	}
}

var errDeadLetterExhausted = dlqExhaustedError{}

type dlqExhaustedError struct{}

func (dlqExhaustedError) Error() string { return "step.ready job exhausted its retry budget" }
