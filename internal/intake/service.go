package intake

import (
	"context"

	"go.uber.org/zap"

	"sms-relay/internal/idempotency"
	"sms-relay/internal/observability"
	"sms-relay/internal/queue"
	"sms-relay/internal/rate"
	"sms-relay/internal/requests"
)

// Outcome is the result class of one intake attempt.
type Outcome int

const (
	Queued Outcome = iota
	GlobalRateLimited
	ServiceUnavailable
)

// Result is what the API layer renders back to the caller. Duplicate
// marks a replayed idempotency key; RequestID then names the original
// request.
type Result struct {
	Outcome   Outcome
	RequestID string
	Duplicate bool
	Count     int64
	Limit     int64
}

// RequestStore is the persistence slice intake needs, declared here so
// tests can substitute a fake.
type RequestStore interface {
	CreateRequest(ctx context.Context, phone, text string) (*requests.Request, error)
	DeleteRequest(ctx context.Context, id string) error
}

// Service admits, persists and enqueues incoming messages. A denied
// intake leaves no trace: nothing persisted, nothing enqueued.
type Service struct {
	limiter *rate.Limiter
	store   RequestStore
	queue   *queue.Queue
	idem    *idempotency.Store
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewService(limiter *rate.Limiter, store RequestStore, q *queue.Queue, idem *idempotency.Store, logger *zap.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		limiter: limiter,
		store:   store,
		queue:   q,
		idem:    idem,
		logger:  logger,
		metrics: metrics,
	}
}

// QueueSMS runs one intake. A replayed idempotency key short-circuits
// before admission, so client retries are free against the window.
func (s *Service) QueueSMS(ctx context.Context, phone, text, idempotencyKey string) (Result, error) {
	if id, ok, err := s.idem.Lookup(ctx, idempotencyKey); err != nil {
		return Result{}, err
	} else if ok {
		s.logger.Debug("intake replayed",
			zap.String("request_id", id),
			zap.String("idempotency_key", idempotencyKey))
		return Result{Outcome: Queued, RequestID: id, Duplicate: true}, nil
	}

	decision, err := s.limiter.AllowGlobal(ctx)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimitRejectedTotal.WithLabelValues(rate.GlobalScope).Inc()
			s.metrics.IntakeRejectedTotal.WithLabelValues("rate_limited").Inc()
		}
		s.logger.Debug("intake rate limited",
			zap.Int64("count", decision.Count),
			zap.Int64("limit", decision.Limit))
		return Result{Outcome: GlobalRateLimited, Count: decision.Count, Limit: decision.Limit}, nil
	}

	req, err := s.store.CreateRequest(ctx, phone, text)
	if err != nil {
		return Result{}, err
	}

	if err := s.queue.Enqueue(ctx, queue.NewTask(req.ID)); err != nil {
		s.logger.Error("enqueue failed, rolling back request",
			zap.String("request_id", req.ID),
			zap.Error(err))
		if delErr := s.store.DeleteRequest(ctx, req.ID); delErr != nil {
			s.logger.Error("rollback delete failed",
				zap.String("request_id", req.ID),
				zap.Error(delErr))
		}
		if s.metrics != nil {
			s.metrics.IntakeRejectedTotal.WithLabelValues("enqueue_failed").Inc()
		}
		return Result{Outcome: ServiceUnavailable}, nil
	}

	s.idem.Remember(ctx, idempotencyKey, req.ID)

	if s.metrics != nil {
		s.metrics.IntakeAdmittedTotal.Inc()
	}
	s.logger.Info("sms queued",
		zap.String("request_id", req.ID),
		zap.String("phone", phone))
	return Result{Outcome: Queued, RequestID: req.ID}, nil
}
