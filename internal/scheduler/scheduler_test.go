package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-relay/internal/kv"
	"sms-relay/internal/queue"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *queue.Queue, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kv.New(client)
	q := queue.New(store, zap.NewNop(), 30*time.Second)
	return New(store, q, cfg, zap.NewNop(), nil), q, store
}

func defaultConfig() Config {
	return Config{
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		PromoteInterval: 200 * time.Millisecond,
		PromoteBatch:    100,
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	sched, _, _ := newTestScheduler(t, defaultConfig())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		got := sched.Backoff(tt.attempt)
		lo := time.Duration(float64(tt.want) * 0.8)
		hi := time.Duration(float64(tt.want) * 1.2)
		if got < lo || got > hi {
			t.Errorf("Backoff(%d) = %s, want within [%s, %s]", tt.attempt, got, lo, hi)
		}
	}
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	sched, _, _ := newTestScheduler(t, defaultConfig())

	for _, attempt := range []int{7, 10, 25, 100} {
		got := sched.Backoff(attempt)
		lo := time.Duration(float64(60*time.Second) * 0.8)
		hi := time.Duration(float64(60*time.Second) * 1.2)
		if got < lo || got > hi {
			t.Errorf("Backoff(%d) = %s, want capped within [%s, %s]", attempt, got, lo, hi)
		}
	}
}

func TestBackoffClampsLowAttempts(t *testing.T) {
	sched, _, _ := newTestScheduler(t, defaultConfig())

	for _, attempt := range []int{0, -3} {
		got := sched.Backoff(attempt)
		lo := time.Duration(float64(time.Second) * 0.8)
		hi := time.Duration(float64(time.Second) * 1.2)
		if got < lo || got > hi {
			t.Errorf("Backoff(%d) = %s, want base delay within [%s, %s]", attempt, got, lo, hi)
		}
	}
}

func TestScheduleRetryParksTaskUntilDue(t *testing.T) {
	sched, _, store := newTestScheduler(t, defaultConfig())
	ctx := context.Background()

	task := queue.NewTask("msg_1")
	task.Attempt = 2
	raw, err := task.Encode()
	if err != nil {
		t.Fatal(err)
	}

	before := time.Now()
	if err := sched.ScheduleRetry(ctx, task); err != nil {
		t.Fatal(err)
	}
	after := time.Now()

	score, ok, err := store.ZScore(ctx, queue.RetryKey, raw)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("scheduled retry missing from retry set")
	}

	// Attempt 2 retries after the attempt-1 backoff: one second, jittered.
	lo := float64(before.Add(750 * time.Millisecond).UnixMilli())
	hi := float64(after.Add(1250 * time.Millisecond).UnixMilli())
	if score < lo || score > hi {
		t.Errorf("retry due score = %v, want within [%v, %v]", score, lo, hi)
	}
}

func TestPromoteDueMovesDueRetries(t *testing.T) {
	sched, q, store := newTestScheduler(t, defaultConfig())
	ctx := context.Background()

	task := queue.NewTask("msg_1")
	task.Attempt = 3
	raw, err := task.Encode()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := store.ZAdd(ctx, queue.RetryKey, float64(now.Add(-time.Second).UnixMilli()), raw); err != nil {
		t.Fatal(err)
	}

	promoted, err := sched.PromoteDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 1 {
		t.Errorf("promoted = %d, want 1", promoted)
	}

	got, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != "msg_1" || got.Attempt != 3 {
		t.Errorf("promoted task = %+v, want msg_1 attempt 3", got)
	}

	// The claim is consumed; a second pass finds nothing.
	promoted, err = sched.PromoteDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 0 {
		t.Errorf("second pass promoted = %d, want 0", promoted)
	}
}

func TestPromoteDueLeavesFutureRetries(t *testing.T) {
	sched, q, store := newTestScheduler(t, defaultConfig())
	ctx := context.Background()

	task := queue.NewTask("msg_1")
	task.Attempt = 2
	raw, err := task.Encode()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := store.ZAdd(ctx, queue.RetryKey, float64(now.Add(time.Minute).UnixMilli()), raw); err != nil {
		t.Fatal(err)
	}

	promoted, err := sched.PromoteDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 0 {
		t.Errorf("promoted = %d, want 0", promoted)
	}

	if _, ok, _ := store.ZScore(ctx, queue.RetryKey, raw); !ok {
		t.Error("future retry was removed from the schedule")
	}
	if _, err := q.Dequeue(ctx, 50*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("dequeue = %v, want ErrEmpty", err)
	}
}

func TestPromoteDueHonorsBatchLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.PromoteBatch = 2
	sched, _, store := newTestScheduler(t, cfg)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"msg_1", "msg_2", "msg_3"} {
		task := queue.NewTask(id)
		raw, err := task.Encode()
		if err != nil {
			t.Fatal(err)
		}
		if err := store.ZAdd(ctx, queue.RetryKey, float64(now.Add(-time.Second).UnixMilli()), raw); err != nil {
			t.Fatal(err)
		}
	}

	first, err := sched.PromoteDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if first != 2 {
		t.Errorf("first pass promoted = %d, want 2", first)
	}

	second, err := sched.PromoteDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if second != 1 {
		t.Errorf("second pass promoted = %d, want 1", second)
	}
}

func TestRacingPromotersClaimEachTaskOnce(t *testing.T) {
	sched, q, store := newTestScheduler(t, defaultConfig())
	ctx := context.Background()

	const parked = 50
	now := time.Now()
	for i := 0; i < parked; i++ {
		task := queue.NewTask(fmt.Sprintf("msg_%d", i))
		raw, err := task.Encode()
		if err != nil {
			t.Fatal(err)
		}
		if err := store.ZAdd(ctx, queue.RetryKey, float64(now.Add(-time.Second).UnixMilli()), raw); err != nil {
			t.Fatal(err)
		}
	}

	// Two promoters race over the same schedule, as two worker
	// processes would. The ZRem claim makes the loser skip.
	var total int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := sched.PromoteDue(ctx, now)
				if err != nil {
					t.Error(err)
					return
				}
				atomic.AddInt64(&total, int64(n))
				if n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	if total != parked {
		t.Errorf("promoted = %d, want %d", total, parked)
	}
	depths, err := q.Depths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depths.Ready != parked {
		t.Errorf("ready depth = %d, want %d", depths.Ready, parked)
	}
	if depths.Retry != 0 {
		t.Errorf("retry set left %d members, want 0", depths.Retry)
	}

	seen := make(map[string]bool, parked)
	for i := 0; i < parked; i++ {
		task, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if seen[task.RequestID] {
			t.Errorf("request %s promoted twice", task.RequestID)
		}
		seen[task.RequestID] = true
	}
}

func TestPromoteDueDropsUndecodableRetry(t *testing.T) {
	sched, q, store := newTestScheduler(t, defaultConfig())
	ctx := context.Background()

	now := time.Now()
	if err := store.ZAdd(ctx, queue.RetryKey, float64(now.Add(-time.Second).UnixMilli()), "not json"); err != nil {
		t.Fatal(err)
	}

	promoted, err := sched.PromoteDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if promoted != 0 {
		t.Errorf("promoted = %d, want 0", promoted)
	}

	if _, ok, _ := store.ZScore(ctx, queue.RetryKey, "not json"); ok {
		t.Error("undecodable retry still scheduled")
	}
	if _, err := q.Dequeue(ctx, 50*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("dequeue = %v, want ErrEmpty", err)
	}
}
