package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sms-relay/internal/kv"
	"sms-relay/internal/observability"
	"sms-relay/internal/queue"
)

type Config struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	PromoteInterval time.Duration
	PromoteBatch    int64
}

// Scheduler owns the retry schedule: failed tasks are parked in a
// sorted set scored by due time and promoted back to the dispatch queue
// when due. Workers never sleep a retry delay; all waiting lives in the
// scores.
type Scheduler struct {
	store   *kv.Store
	queue   *queue.Queue
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

func New(store *kv.Store, q *queue.Queue, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:   store,
		queue:   q,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Backoff returns the delay before the next try after attempt failed:
// base doubled per attempt, capped at the max, jittered plus or minus
// twenty percent.
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.cfg.MaxDelay
	if shift := uint(attempt - 1); shift < 20 {
		d = s.cfg.BaseDelay << shift
		if d > s.cfg.MaxDelay {
			d = s.cfg.MaxDelay
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// ScheduleRetry parks a successor task until its backoff elapses. The
// task carries the next attempt number, so the delay is computed from
// the attempt that just failed, one below it.
func (s *Scheduler) ScheduleRetry(ctx context.Context, task queue.Task) error {
	raw, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode retry: %w", err)
	}

	delay := s.Backoff(task.Attempt - 1)
	due := time.Now().Add(delay)
	if err := s.store.ZAdd(ctx, queue.RetryKey, float64(due.UnixMilli()), raw); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RetriesScheduledTotal.Inc()
	}
	s.logger.Info("retry scheduled",
		zap.String("request_id", task.RequestID),
		zap.Int("attempt", task.Attempt),
		zap.Duration("delay", delay))
	return nil
}

// PromoteDue moves due retries back to the dispatch queue. Every member
// is claimed by its ZREM, so racing promoters in other processes skip
// the ones they lose.
func (s *Scheduler) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ZRangeByScore(ctx, queue.RetryKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10), s.cfg.PromoteBatch)
	if err != nil {
		return 0, fmt.Errorf("promote scan: %w", err)
	}

	promoted := 0
	for _, raw := range due {
		n, err := s.store.ZRem(ctx, queue.RetryKey, raw)
		if err != nil {
			return promoted, fmt.Errorf("promote claim: %w", err)
		}
		if n == 0 {
			continue
		}

		task, err := queue.Decode(raw)
		if err != nil {
			s.logger.Error("dropping undecodable retry",
				zap.String("payload", raw),
				zap.Error(err))
			continue
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			// Put the claim back due immediately; the next tick retries.
			_ = s.store.ZAdd(ctx, queue.RetryKey, float64(now.UnixMilli()), raw)
			return promoted, fmt.Errorf("promote enqueue: %w", err)
		}

		promoted++
		if s.metrics != nil {
			s.metrics.PromotionsTotal.Inc()
		}
		s.logger.Debug("retry promoted",
			zap.String("request_id", task.RequestID),
			zap.Int("attempt", task.Attempt))
	}
	return promoted, nil
}

// Run ticks the promoter until ctx is canceled. Each tick also sweeps
// expired in-flight leases and refreshes the queue depth gauges, so
// every worker process keeps the pipeline moving cooperatively.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if _, err := s.PromoteDue(ctx, now); err != nil && ctx.Err() == nil {
				s.logger.Error("promote pass failed", zap.Error(err))
			}

			n, err := s.queue.ReapExpired(ctx, now)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("reap pass failed", zap.Error(err))
			}
			if n > 0 && s.metrics != nil {
				s.metrics.RequeuedExpiredTotal.Add(float64(n))
			}

			if s.metrics != nil {
				if depths, err := s.queue.Depths(ctx); err == nil {
					s.metrics.QueueDepth.WithLabelValues("ready").Set(float64(depths.Ready))
					s.metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(depths.InFlight))
					s.metrics.QueueDepth.WithLabelValues("retry").Set(float64(depths.Retry))
				}
			}
		}
	}
}
