// Package queue defines the topic-based, at-least-once delivery contract of
// spec.md 4.B: step.ready dispatches materialized steps to workers,
// event.out fans timeline events out to SSE subscribers, and step.dlq
// collects jobs that exhausted their retry budget. Two drivers conform to
// it: an in-process channel+worker-pool driver (internal/queue/memory,
// grounded on system/events/dispatcher.go) and a Redis-backed driver
// (internal/queue/external) for multi-process deployments.
package queue

import (
	"context"
	"time"

	"github.com/R3E-Network/runcontrol/internal/value"
)

// Topic names the three queues spec.md 4.B requires.
type Topic string

const (
	TopicStepReady Topic = "step.ready"
	TopicEventOut  Topic = "event.out"
	TopicStepDLQ   Topic = "step.dlq"
)

// Job is a single unit of queued work.
type Job struct {
	ID         string
	Topic      Topic
	Payload    value.Value
	EnqueuedAt time.Time
	// Attempt is incremented by the driver each time a consumer nacks the
	// job, and is used to compute the DLQ backoff schedule.
	Attempt int
}

// Handler processes one job. Returning an error nacks the job; the driver
// redelivers it (respecting any delay) up to its DLQ threshold.
type Handler func(ctx context.Context, job Job) error

// Queue is the publish/subscribe contract consumed by the engine, worker,
// and HTTP API (for event.out SSE fan-out).
type Queue interface {
	// Enqueue publishes payload to topic for immediate delivery.
	Enqueue(ctx context.Context, topic Topic, payload value.Value) (Job, error)
	// EnqueueDelayed publishes payload to topic, withholding delivery for
	// at least delay — used by the DLQ's capped exponential backoff.
	EnqueueDelayed(ctx context.Context, topic Topic, payload value.Value, delay time.Duration) (Job, error)
	// Subscribe registers handler as a consumer of topic. Returns an
	// unsubscribe function.
	Subscribe(ctx context.Context, topic Topic, handler Handler) (func(), error)
	// HasSubscribers reports whether topic currently has at least one
	// active consumer, used by the engine's inline-fallback check on
	// step.ready.
	HasSubscribers(topic Topic) bool
	// OldestAgeMs returns the age in milliseconds of the oldest
	// undelivered job on topic, or 0 if the topic is empty. Used for the
	// backpressure sampling worker of SPEC_FULL.md section 3.
	OldestAgeMs(topic Topic) int64
	// ListDLQ returns up to limit dead-lettered jobs for inspection.
	ListDLQ(ctx context.Context, limit int) ([]Job, error)
	// RehydrateDLQ re-enqueues a dead-lettered job onto its original topic
	// with its attempt counter reset, used by operator-triggered replay.
	RehydrateDLQ(ctx context.Context, jobID string) error

	Close(ctx context.Context) error
}
