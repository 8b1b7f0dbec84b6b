package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sms-relay/internal/dispatch"
	"sms-relay/internal/queue"
	"sms-relay/internal/scheduler"
)

// Pool runs the dispatch loop with controlled concurrency. Each worker
// goroutine blocks on the queue and hands tasks to the dispatcher; the
// retry promoter runs alongside so delayed work keeps moving without
// any worker ever sleeping a retry delay.
type Pool struct {
	logger      *zap.Logger
	queue       *queue.Queue
	dispatcher  *dispatch.Dispatcher
	sched       *scheduler.Scheduler
	monitor     *Monitor
	concurrency int
	dequeueWait time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc

	processed  int64
	failed     int64
	concurrent int64
}

func NewPool(logger *zap.Logger, q *queue.Queue, d *dispatch.Dispatcher, s *scheduler.Scheduler, concurrency int, dequeueWait time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() * 2
		if concurrency > 10 {
			concurrency = 10
		}
	}

	return &Pool{
		logger:      logger,
		queue:       q,
		dispatcher:  d,
		sched:       s,
		monitor:     NewMonitor(),
		concurrency: concurrency,
		dequeueWait: dequeueWait,
	}
}

func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("starting dispatch pool",
		zap.Int("pool_size", p.concurrency),
		zap.Duration("dequeue_wait", p.dequeueWait))

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sched.Run(runCtx)
	}()

	p.wg.Add(1)
	go p.statsLogger(runCtx)

	return nil
}

func (p *Pool) Stop(ctx context.Context) error {
	p.logger.Info("stopping dispatch pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("all workers stopped gracefully")
	case <-time.After(30 * time.Second):
		p.logger.Warn("worker shutdown timeout")
	}

	return nil
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	p.logger.Info("worker started", zap.Int("worker_id", workerID))

	for {
		if ctx.Err() != nil {
			p.logger.Info("worker stopping", zap.Int("worker_id", workerID))
			return
		}

		task, err := p.queue.Dequeue(ctx, p.dequeueWait)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("worker stopping", zap.Int("worker_id", workerID))
				return
			}
			p.logger.Error("dequeue failed",
				zap.Int("worker_id", workerID),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		p.processTask(ctx, task, workerID)
	}
}

func (p *Pool) processTask(ctx context.Context, task queue.Task, workerID int) {
	atomic.AddInt64(&p.concurrent, 1)
	defer atomic.AddInt64(&p.concurrent, -1)

	start := time.Now()
	if err := p.dispatcher.Handle(ctx, task); err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("task aborted, lease will redeliver",
			zap.String("request_id", task.RequestID),
			zap.Int("worker_id", workerID),
			zap.Error(err))
		return
	}

	atomic.AddInt64(&p.processed, 1)
	p.logger.Debug("task handled",
		zap.String("request_id", task.RequestID),
		zap.Int("worker_id", workerID),
		zap.Duration("duration", time.Since(start)))
}

// statsLogger reports pool throughput and resource pressure every ten
// seconds.
func (p *Pool) statsLogger(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed := atomic.LoadInt64(&p.processed)
			failed := atomic.LoadInt64(&p.failed)

			total := processed + failed
			successRate := float64(0)
			if total > 0 {
				successRate = float64(processed) / float64(total) * 100
			}

			snap := p.monitor.Sample()
			p.logger.Info("worker stats",
				zap.Int64("processed", processed),
				zap.Int64("failed", failed),
				zap.String("success_rate", fmt.Sprintf("%.1f%%", successRate)),
				zap.Int64("concurrent", atomic.LoadInt64(&p.concurrent)),
				zap.Int("pool_size", p.concurrency),
				zap.Float64("cpu_percent", snap.CPUPercent),
				zap.Float64("mem_used_percent", snap.MemUsedPercent),
				zap.Float64("heap_mb", snap.HeapMB),
				zap.Int("goroutines", snap.Goroutines))
		}
	}
}
