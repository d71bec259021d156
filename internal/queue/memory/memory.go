// Package memory implements queue.Queue with per-topic buffered channels
// and a worker-pool dispatch loop, grounded on system/events/dispatcher.go's
// Dispatcher (eventQueue chan, worker goroutines drained against stopCh)
// generalized from a single contract-event queue to three named topics with
// delayed delivery and DLQ bookkeeping.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/runcontrol/internal/queue"
	"github.com/R3E-Network/runcontrol/internal/value"
)

// Config tunes the per-topic queue depth, worker pool size, and the DLQ
// backoff schedule (grounded on infrastructure/resilience.go's RetryConfig).
type Config struct {
	QueueSize   int
	WorkerCount int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig mirrors the dispatcher's QueueSize 1000 / WorkerCount 4
// defaults, with a capped exponential DLQ backoff.
func DefaultConfig() Config {
	return Config{
		QueueSize:   1000,
		WorkerCount: 4,
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}
}

type topicState struct {
	mu          sync.Mutex
	ch          chan queue.Job
	subscribers int
	oldestAt    time.Time
	pending     int
}

// Queue is an in-process implementation of queue.Queue.
type Queue struct {
	cfg Config

	mu     sync.Mutex
	topics map[queue.Topic]*topicState

	dlqMu sync.Mutex
	dlq   map[string]queue.Job

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Queue ready to accept Subscribe calls.
func New(cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Queue{
		cfg:    cfg,
		topics: make(map[queue.Topic]*topicState),
		dlq:    make(map[string]queue.Job),
		stopCh: make(chan struct{}),
	}
}

func (q *Queue) topicState(t queue.Topic) *topicState {
	q.mu.Lock()
	defer q.mu.Unlock()
	ts, ok := q.topics[t]
	if !ok {
		ts = &topicState{ch: make(chan queue.Job, q.cfg.QueueSize)}
		q.topics[t] = ts
	}
	return ts
}

func (q *Queue) enqueue(topic queue.Topic, payload value.Value, attempt int) (queue.Job, error) {
	job := queue.Job{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    attempt,
	}
	ts := q.topicState(topic)

	ts.mu.Lock()
	if ts.pending == 0 {
		ts.oldestAt = job.EnqueuedAt
	}
	ts.pending++
	ts.mu.Unlock()

	select {
	case ts.ch <- job:
		return job, nil
	default:
		ts.mu.Lock()
		ts.pending--
		ts.mu.Unlock()
		return queue.Job{}, fmt.Errorf("queue: topic %s is full", topic)
	}
}

func (q *Queue) Enqueue(_ context.Context, topic queue.Topic, payload value.Value) (queue.Job, error) {
	return q.enqueue(topic, payload, 1)
}

func (q *Queue) EnqueueDelayed(ctx context.Context, topic queue.Topic, payload value.Value, delay time.Duration) (queue.Job, error) {
	return q.enqueueDelayed(topic, payload, delay, 1)
}

// enqueueDelayed is EnqueueDelayed with an explicit attempt number, so a
// nacked job keeps its attempt count across redelivery.
func (q *Queue) enqueueDelayed(topic queue.Topic, payload value.Value, delay time.Duration, attempt int) (queue.Job, error) {
	if delay <= 0 {
		return q.enqueue(topic, payload, attempt)
	}

	job := queue.Job{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    attempt,
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			ts := q.topicState(topic)
			ts.mu.Lock()
			if ts.pending == 0 {
				ts.oldestAt = time.Now().UTC()
			}
			ts.pending++
			ts.mu.Unlock()
			select {
			case ts.ch <- job:
			default:
				ts.mu.Lock()
				ts.pending--
				ts.mu.Unlock()
			}
		case <-q.stopCh:
		}
	}()
	return job, nil
}

// Subscribe starts cfg.WorkerCount goroutines draining topic and invoking
// handler. On a handler error the job is either redelivered with a delay
// (capped exponential backoff) or dead-lettered once MaxAttempts is
// exceeded.
func (q *Queue) Subscribe(ctx context.Context, topic queue.Topic, handler queue.Handler) (func(), error) {
	ts := q.topicState(topic)

	ts.mu.Lock()
	ts.subscribers++
	ts.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	for i := 0; i < q.cfg.WorkerCount; i++ {
		q.wg.Add(1)
		go q.worker(subCtx, topic, ts, handler)
	}

	unsubscribe := func() {
		cancel()
		ts.mu.Lock()
		ts.subscribers--
		ts.mu.Unlock()
	}
	return unsubscribe, nil
}

func (q *Queue) worker(ctx context.Context, topic queue.Topic, ts *topicState, handler queue.Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case job := <-ts.ch:
			ts.mu.Lock()
			ts.pending--
			if ts.pending > 0 {
				ts.oldestAt = time.Now().UTC()
			}
			ts.mu.Unlock()

			if err := handler(ctx, job); err != nil {
				q.nack(topic, job)
			}
		}
	}
}

func (q *Queue) nack(topic queue.Topic, job queue.Job) {
	job.Attempt++
	if job.Attempt > q.cfg.MaxAttempts {
		q.dlqMu.Lock()
		q.dlq[job.ID] = job
		q.dlqMu.Unlock()
		return
	}

	delay := q.cfg.BaseBackoff * time.Duration(1<<uint(job.Attempt-1))
	if delay > q.cfg.MaxBackoff {
		delay = q.cfg.MaxBackoff
	}
	_, _ = q.enqueueDelayed(topic, job.Payload, delay, job.Attempt)
}

func (q *Queue) HasSubscribers(topic queue.Topic) bool {
	q.mu.Lock()
	ts, ok := q.topics[topic]
	q.mu.Unlock()
	if !ok {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.subscribers > 0
}

func (q *Queue) OldestAgeMs(topic queue.Topic) int64 {
	q.mu.Lock()
	ts, ok := q.topics[topic]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.pending == 0 {
		return 0
	}
	return time.Since(ts.oldestAt).Milliseconds()
}

func (q *Queue) ListDLQ(_ context.Context, limit int) ([]queue.Job, error) {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()

	out := make([]queue.Job, 0, len(q.dlq))
	for _, job := range q.dlq {
		out = append(out, job)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) RehydrateDLQ(ctx context.Context, jobID string) error {
	q.dlqMu.Lock()
	job, ok := q.dlq[jobID]
	if ok {
		delete(q.dlq, jobID)
	}
	q.dlqMu.Unlock()

	if !ok {
		return fmt.Errorf("queue: dlq job %s not found", jobID)
	}
	_, err := q.enqueue(job.Topic, job.Payload, 1)
	return err
}

func (q *Queue) Close(_ context.Context) error {
	close(q.stopCh)
	q.wg.Wait()
	return nil
}
