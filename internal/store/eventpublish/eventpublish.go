// Package eventpublish decorates a store.Store so every RecordEvent call is
// also published onto queue.TopicEventOut, grounded on
// infrastructure/middleware/metrics.go's pattern of wrapping an existing
// collaborator to add a cross-cutting side effect without touching its
// callers. This is what lets GET /runs/:id/stream (internal/httpapi) observe
// events as they are recorded by internal/engine and internal/worker,
// without either of those packages needing to know the queue exists.
package eventpublish

import (
	"context"

	"github.com/R3E-Network/runcontrol/internal/queue"
	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/value"
	"github.com/R3E-Network/runcontrol/pkg/logger"
)

// eventOutPayload is the shape internal/httpapi's eventBelongsToRun filter
// expects on queue.TopicEventOut.
type eventOutPayload struct {
	RunID   string      `json:"runId"`
	StepID  string      `json:"stepId,omitempty"`
	Type    string      `json:"type"`
	Seq     int64       `json:"seq"`
	Payload value.Value `json:"payload"`
}

// Store wraps a store.Store, publishing a copy of every recorded event onto
// q's event.out topic. All other methods delegate unchanged.
type Store struct {
	store.Store
	queue queue.Queue
	log   *logger.Logger
}

// New wraps inner so its RecordEvent calls also publish to q.
func New(inner store.Store, q queue.Queue, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("eventpublish")
	}
	return &Store{Store: inner, queue: q, log: log}
}

func (s *Store) RecordEvent(ctx context.Context, runID, eventType string, payload value.Value, stepID string) (int64, error) {
	seq, err := s.Store.RecordEvent(ctx, runID, eventType, payload, stepID)
	if err != nil {
		return seq, err
	}

	out, encErr := value.FromAny(eventOutPayload{
		RunID:   runID,
		StepID:  stepID,
		Type:    eventType,
		Seq:     seq,
		Payload: payload,
	})
	if encErr != nil {
		s.log.WithField("run_id", runID).WithError(encErr).Warn("failed to encode event.out payload")
		return seq, nil
	}

	// Publishing is best-effort: the timeline row just written by
	// s.Store.RecordEvent is the durable record, this is only a live
	// fan-out hint for SSE subscribers.
	if _, err := s.queue.Enqueue(ctx, queue.TopicEventOut, out); err != nil {
		s.log.WithField("run_id", runID).WithError(err).Warn("failed to publish event.out")
	}
	return seq, nil
}
