package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-relay/internal/kv"
)

const testVisibility = 30 * time.Second

func newTestQueue(t *testing.T) (*Queue, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kv.New(client)
	return New(store, zap.NewNop(), testVisibility), store
}

func mustDepths(t *testing.T, q *Queue, ready, inFlight, retry int64) {
	t.Helper()
	d, err := q.Depths(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d.Ready != ready || d.InFlight != inFlight || d.Retry != retry {
		t.Fatalf("depths = %+v, want ready=%d in_flight=%d retry=%d", d, ready, inFlight, retry)
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, NewTask("msg_1")); err != nil {
		t.Fatal(err)
	}
	mustDepths(t, q, 1, 0, 0)

	task, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if task.RequestID != "msg_1" {
		t.Errorf("dequeued request id = %s, want msg_1", task.RequestID)
	}
	if task.Attempt != 1 {
		t.Errorf("dequeued attempt = %d, want 1", task.Attempt)
	}
	mustDepths(t, q, 0, 1, 0)

	if err := q.Ack(ctx, task); err != nil {
		t.Fatal(err)
	}
	mustDepths(t, q, 0, 0, 0)
}

func TestDequeueEmptyReturnsErrEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrEmpty) {
		t.Errorf("dequeue on empty queue = %v, want ErrEmpty", err)
	}
}

func TestNackReturnsTaskForRedelivery(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, NewTask("msg_1"))
	task, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.Nack(ctx, task); err != nil {
		t.Fatal(err)
	}
	mustDepths(t, q, 1, 0, 0)

	again, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if again.RequestID != "msg_1" {
		t.Errorf("redelivered request id = %s, want msg_1", again.RequestID)
	}
}

func TestReapExpiredRequeuesAfterVisibilityTimeout(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, NewTask("msg_1"))
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	mustDepths(t, q, 0, 1, 0)

	// Lease still live.
	n, err := q.ReapExpired(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("reap before deadline requeued %d, want 0", n)
	}
	mustDepths(t, q, 0, 1, 0)

	// Lease expired.
	n, err = q.ReapExpired(ctx, time.Now().Add(testVisibility+time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reap after deadline requeued %d, want 1", n)
	}
	mustDepths(t, q, 1, 0, 0)

	task, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if task.RequestID != "msg_1" {
		t.Errorf("requeued request id = %s, want msg_1", task.RequestID)
	}
}

func TestReapRequeuesEachTaskOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, NewTask("msg_1"))
	q.Enqueue(ctx, NewTask("msg_2"))
	q.Dequeue(ctx, time.Second)
	q.Dequeue(ctx, time.Second)

	deadline := time.Now().Add(testVisibility + time.Second)
	first, err := q.ReapExpired(ctx, deadline)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.ReapExpired(ctx, deadline)
	if err != nil {
		t.Fatal(err)
	}

	if first+second != 2 {
		t.Errorf("total requeued = %d, want 2", first+second)
	}
	mustDepths(t, q, 2, 0, 0)
}

func TestReapAdoptsLeaselessInFlight(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	// Simulate a crash between the BLMOVE and the lease write: the task
	// sits in the in-flight list with no deadline member.
	task := NewTask("msg_1")
	raw, err := task.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.LPush(ctx, inFlightKey, raw); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if _, err := q.ReapExpired(ctx, now); err != nil {
		t.Fatal(err)
	}

	score, ok, err := store.ZScore(ctx, deadlinesKey, raw)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("adopted task has no lease")
	}
	wantDeadline := float64(now.Add(testVisibility).UnixMilli())
	if score != wantDeadline {
		t.Errorf("adopted lease score = %v, want %v", score, wantDeadline)
	}

	// The adopted task is requeued by a later sweep once its fresh lease
	// expires.
	n, err := q.ReapExpired(ctx, now.Add(2*testVisibility))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued after adoption = %d, want 1", n)
	}
	mustDepths(t, q, 1, 0, 0)
}

func TestPoisonPayloadIsDropped(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	if err := store.LPush(ctx, dispatchKey, "not json"); err != nil {
		t.Fatal(err)
	}

	_, err := q.Dequeue(ctx, time.Second)
	if err == nil || errors.Is(err, ErrEmpty) {
		t.Fatalf("dequeue of poison payload = %v, want decode error", err)
	}

	// Dropped entirely, never requeued.
	mustDepths(t, q, 0, 0, 0)
}

func TestTaskEncodeDecodeRoundTrip(t *testing.T) {
	task := Task{
		RequestID:         "msg_42",
		ExcludedProviders: []string{"provider1", "provider3"},
		Attempt:           3,
	}

	raw, err := task.Encode()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != task.RequestID || got.Attempt != task.Attempt {
		t.Errorf("decoded = %+v, want %+v", got, task)
	}
	if len(got.ExcludedProviders) != 2 || got.ExcludedProviders[0] != "provider1" {
		t.Errorf("decoded exclusions = %v", got.ExcludedProviders)
	}
	if got.Raw != raw {
		t.Errorf("decoded task did not keep its raw payload")
	}
}
