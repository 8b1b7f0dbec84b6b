package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sms-relay/internal/kv"
)

// ErrEmpty is returned by Dequeue when the wait expires with no task.
var ErrEmpty = errors.New("queue empty")

const (
	dispatchKey  = "queue:dispatch"
	inFlightKey  = "queue:in_flight"
	deadlinesKey = "queue:in_flight:deadlines"
)

// RetryKey is the retry schedule zset. The scheduler writes it; the
// queue only counts it for depth reporting.
const RetryKey = "queue:retry"

// Depths reports the queue segment lengths for metrics and admin views.
type Depths struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Retry    int64 `json:"retry"`
}

// Queue is the dispatch work queue, held in the KV store. A dequeue
// moves the task atomically to an in-flight list and takes a lease;
// tasks never acked before the lease expires are requeued by
// ReapExpired. Delivery is at-least-once.
type Queue struct {
	store             *kv.Store
	logger            *zap.Logger
	visibilityTimeout time.Duration
}

func New(store *kv.Store, logger *zap.Logger, visibilityTimeout time.Duration) *Queue {
	return &Queue{
		store:             store,
		logger:            logger,
		visibilityTimeout: visibilityTimeout,
	}
}

func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	raw, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.store.LPush(ctx, dispatchKey, raw); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to wait for a task. The move to the in-flight list
// is atomic with the pop; the lease deadline is written just after. A
// crash between the two leaves an in-flight member without a lease,
// which ReapExpired adopts.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (Task, error) {
	raw, ok, err := q.store.BLMove(ctx, dispatchKey, inFlightKey, wait)
	if err != nil {
		return Task{}, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return Task{}, ErrEmpty
	}

	deadline := time.Now().Add(q.visibilityTimeout)
	if err := q.store.ZAdd(ctx, deadlinesKey, float64(deadline.UnixMilli()), raw); err != nil {
		return Task{}, fmt.Errorf("lease task: %w", err)
	}

	task, err := Decode(raw)
	if err != nil {
		// Poison payload: requeueing would loop forever, so drop it.
		q.logger.Error("dropping undecodable task",
			zap.String("payload", raw),
			zap.Error(err))
		_, _ = q.store.LRem(ctx, inFlightKey, raw)
		_, _ = q.store.ZRem(ctx, deadlinesKey, raw)
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

// Ack removes a finished task's in-flight copy and its lease.
func (q *Queue) Ack(ctx context.Context, task Task) error {
	raw, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if _, err := q.store.LRem(ctx, inFlightKey, raw); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if _, err := q.store.ZRem(ctx, deadlinesKey, raw); err != nil {
		return fmt.Errorf("ack lease: %w", err)
	}
	return nil
}

// Nack returns a task to the ready queue for immediate redelivery.
func (q *Queue) Nack(ctx context.Context, task Task) error {
	raw, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if _, err := q.store.LRem(ctx, inFlightKey, raw); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	if _, err := q.store.ZRem(ctx, deadlinesKey, raw); err != nil {
		return fmt.Errorf("nack lease: %w", err)
	}
	if err := q.store.LPush(ctx, dispatchKey, raw); err != nil {
		return fmt.Errorf("nack requeue: %w", err)
	}
	return nil
}

// ReapExpired requeues tasks whose lease passed and adopts in-flight
// members that never got one. Concurrent reapers race on the ZREM
// claim, so each expired task is requeued by exactly one of them.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	due, err := q.store.ZRangeByScore(ctx, deadlinesKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10), 0)
	if err != nil {
		return 0, fmt.Errorf("reap scan: %w", err)
	}

	requeued := 0
	for _, raw := range due {
		n, err := q.store.ZRem(ctx, deadlinesKey, raw)
		if err != nil {
			return requeued, fmt.Errorf("reap claim: %w", err)
		}
		if n == 0 {
			continue
		}
		if _, err := q.store.LRem(ctx, inFlightKey, raw); err != nil {
			return requeued, fmt.Errorf("reap remove: %w", err)
		}
		if err := q.store.LPush(ctx, dispatchKey, raw); err != nil {
			return requeued, fmt.Errorf("reap requeue: %w", err)
		}
		requeued++
		q.logger.Warn("requeued expired task", zap.String("payload", raw))
	}

	held, err := q.store.LRange(ctx, inFlightKey, 0, -1)
	if err != nil {
		return requeued, fmt.Errorf("reap adopt scan: %w", err)
	}
	for _, raw := range held {
		_, leased, err := q.store.ZScore(ctx, deadlinesKey, raw)
		if err != nil {
			return requeued, fmt.Errorf("reap adopt: %w", err)
		}
		if !leased {
			deadline := now.Add(q.visibilityTimeout)
			if err := q.store.ZAdd(ctx, deadlinesKey, float64(deadline.UnixMilli()), raw); err != nil {
				return requeued, fmt.Errorf("reap adopt lease: %w", err)
			}
		}
	}

	return requeued, nil
}

func (q *Queue) Depths(ctx context.Context) (Depths, error) {
	ready, err := q.store.LLen(ctx, dispatchKey)
	if err != nil {
		return Depths{}, fmt.Errorf("queue depth: %w", err)
	}
	inFlight, err := q.store.LLen(ctx, inFlightKey)
	if err != nil {
		return Depths{}, fmt.Errorf("queue depth: %w", err)
	}
	retry, err := q.store.ZCard(ctx, RetryKey)
	if err != nil {
		return Depths{}, fmt.Errorf("queue depth: %w", err)
	}
	return Depths{Ready: ready, InFlight: inFlight, Retry: retry}, nil
}
