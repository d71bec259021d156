// Package external implements queue.Queue against Redis via go-redis/redis/v8,
// for multi-process deployments where the control-plane and worker run as
// separate binaries. Topics map to Redis lists (LPUSH/BRPOP) with a
// sorted-set delay wheel for EnqueueDelayed and a dedicated DLQ hash.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/R3E-Network/runcontrol/internal/queue"
	"github.com/R3E-Network/runcontrol/internal/value"
)

// Config tunes the Redis-backed driver.
type Config struct {
	KeyPrefix   string
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// PollInterval is how often the delay-wheel sweeper checks for due jobs.
	PollInterval time.Duration
}

// DefaultConfig mirrors internal/queue/memory's retry schedule.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "runcontrol",
		MaxAttempts:  5,
		BaseBackoff:  time.Second,
		MaxBackoff:   time.Minute,
		PollInterval: 200 * time.Millisecond,
	}
}

type wireJob struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempt    int             `json:"attempt"`
}

// Queue is a Redis-backed implementation of queue.Queue.
type Queue struct {
	cfg    Config
	client *redis.Client

	stopCh chan struct{}
	// subscriberCounts tracks local subscriber presence per topic; other
	// processes subscribing to the same Redis topic are not visible here,
	// so HasSubscribers reports only this process's own subscriptions. The
	// engine's inline-fallback check, the one caller of HasSubscribers,
	// does not consult it when this driver is wired.
	subscriberCounts map[queue.Topic]int
}

// New wraps an already-configured *redis.Client.
func New(client *redis.Client, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "runcontrol"
	}
	return &Queue{
		cfg:              cfg,
		client:           client,
		stopCh:           make(chan struct{}),
		subscriberCounts: make(map[queue.Topic]int),
	}
}

func (q *Queue) listKey(topic queue.Topic) string   { return fmt.Sprintf("%s:queue:%s", q.cfg.KeyPrefix, topic) }
func (q *Queue) delayKey(topic queue.Topic) string  { return fmt.Sprintf("%s:delayed:%s", q.cfg.KeyPrefix, topic) }
func (q *Queue) dlqKey() string                     { return fmt.Sprintf("%s:dlq", q.cfg.KeyPrefix) }
func (q *Queue) oldestKey(topic queue.Topic) string { return fmt.Sprintf("%s:oldest:%s", q.cfg.KeyPrefix, topic) }

func encodeJob(job queue.Job) ([]byte, error) {
	return json.Marshal(wireJob{
		ID:         job.ID,
		Topic:      string(job.Topic),
		Payload:    job.Payload.Raw(),
		EnqueuedAt: job.EnqueuedAt,
		Attempt:    job.Attempt,
	})
}

func decodeJob(data []byte) (queue.Job, error) {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return queue.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return queue.Job{
		ID:         w.ID,
		Topic:      queue.Topic(w.Topic),
		Payload:    value.New(w.Payload),
		EnqueuedAt: w.EnqueuedAt,
		Attempt:    w.Attempt,
	}, nil
}

func (q *Queue) Enqueue(ctx context.Context, topic queue.Topic, payload value.Value) (queue.Job, error) {
	job := queue.Job{ID: uuid.NewString(), Topic: topic, Payload: payload, EnqueuedAt: time.Now().UTC(), Attempt: 1}
	data, err := encodeJob(job)
	if err != nil {
		return queue.Job{}, err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.listKey(topic), data)
	pipe.SetNX(ctx, q.oldestKey(topic), job.EnqueuedAt.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Job{}, fmt.Errorf("enqueue %s: %w", topic, err)
	}
	return job, nil
}

func (q *Queue) EnqueueDelayed(ctx context.Context, topic queue.Topic, payload value.Value, delay time.Duration) (queue.Job, error) {
	if delay <= 0 {
		return q.Enqueue(ctx, topic, payload)
	}
	job := queue.Job{ID: uuid.NewString(), Topic: topic, Payload: payload, EnqueuedAt: time.Now().UTC(), Attempt: 1}
	data, err := encodeJob(job)
	if err != nil {
		return queue.Job{}, err
	}
	dueAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayKey(topic), &redis.Z{Score: dueAt, Member: data}).Err(); err != nil {
		return queue.Job{}, fmt.Errorf("enqueue delayed %s: %w", topic, err)
	}
	return job, nil
}

// Subscribe starts a BRPOP polling loop plus a delay-wheel sweeper for
// topic, invoking handler for each delivered job.
func (q *Queue) Subscribe(ctx context.Context, topic queue.Topic, handler queue.Handler) (func(), error) {
	q.subscriberCounts[topic]++

	subCtx, cancel := context.WithCancel(ctx)
	go q.sweepDelayed(subCtx, topic)
	go q.consume(subCtx, topic, handler)

	unsubscribe := func() {
		cancel()
		q.subscriberCounts[topic]--
	}
	return unsubscribe, nil
}

func (q *Queue) consume(ctx context.Context, topic queue.Topic, handler queue.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		default:
		}

		res, err := q.client.BRPop(ctx, time.Second, q.listKey(topic)).Result()
		if err == redis.Nil || err == context.Canceled {
			continue
		}
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if len(res) < 2 {
			continue
		}
		job, err := decodeJob([]byte(res[1]))
		if err != nil {
			continue
		}
		if err := handler(ctx, job); err != nil {
			q.nack(ctx, job)
		}
	}
}

func (q *Queue) sweepDelayed(ctx context.Context, topic queue.Topic) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			now := float64(time.Now().UnixMilli())
			due, err := q.client.ZRangeByScore(ctx, q.delayKey(topic), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
			if err != nil || len(due) == 0 {
				continue
			}
			for _, member := range due {
				pipe := q.client.TxPipeline()
				pipe.ZRem(ctx, q.delayKey(topic), member)
				pipe.LPush(ctx, q.listKey(topic), member)
				_, _ = pipe.Exec(ctx)
			}
		}
	}
}

func (q *Queue) nack(ctx context.Context, job queue.Job) {
	job.Attempt++
	if job.Attempt > q.cfg.MaxAttempts {
		data, err := encodeJob(job)
		if err == nil {
			_ = q.client.HSet(ctx, q.dlqKey(), job.ID, data).Err()
		}
		return
	}

	delay := q.cfg.BaseBackoff * time.Duration(1<<uint(job.Attempt-1))
	if delay > q.cfg.MaxBackoff {
		delay = q.cfg.MaxBackoff
	}
	// Re-add the job itself to the delay wheel so its attempt count
	// survives redelivery.
	data, err := encodeJob(job)
	if err != nil {
		return
	}
	dueAt := float64(time.Now().Add(delay).UnixMilli())
	_ = q.client.ZAdd(ctx, q.delayKey(job.Topic), &redis.Z{Score: dueAt, Member: data}).Err()
}

func (q *Queue) HasSubscribers(topic queue.Topic) bool {
	return q.subscriberCounts[topic] > 0
}

func (q *Queue) OldestAgeMs(topic queue.Topic) int64 {
	ctx := context.Background()
	length, err := q.client.LLen(ctx, q.listKey(topic)).Result()
	if err != nil || length == 0 {
		_ = q.client.Del(ctx, q.oldestKey(topic)).Err()
		return 0
	}
	ms, err := q.client.Get(ctx, q.oldestKey(topic)).Int64()
	if err != nil {
		return 0
	}
	return time.Now().UnixMilli() - ms
}

func (q *Queue) ListDLQ(ctx context.Context, limit int) ([]queue.Job, error) {
	entries, err := q.client.HGetAll(ctx, q.dlqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	out := make([]queue.Job, 0, len(entries))
	for _, data := range entries {
		job, err := decodeJob([]byte(data))
		if err != nil {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (q *Queue) RehydrateDLQ(ctx context.Context, jobID string) error {
	data, err := q.client.HGet(ctx, q.dlqKey(), jobID).Result()
	if err == redis.Nil {
		return fmt.Errorf("queue: dlq job %s not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("rehydrate dlq: %w", err)
	}
	job, err := decodeJob([]byte(data))
	if err != nil {
		return err
	}
	if err := q.client.HDel(ctx, q.dlqKey(), jobID).Err(); err != nil {
		return fmt.Errorf("rehydrate dlq delete: %w", err)
	}
	_, err = q.Enqueue(ctx, job.Topic, job.Payload)
	return err
}

func (q *Queue) Close(_ context.Context) error {
	close(q.stopCh)
	return q.client.Close()
}
