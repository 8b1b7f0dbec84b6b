package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sms-relay/internal/distribution"
	"sms-relay/internal/health"
	"sms-relay/internal/observability"
	"sms-relay/internal/provider"
	"sms-relay/internal/queue"
	"sms-relay/internal/requests"
	"sms-relay/internal/scheduler"
)

// RequestStore is the slice of the persistence layer the dispatcher
// uses, declared here so tests can substitute a fake.
type RequestStore interface {
	GetRequest(ctx context.Context, id string) (*requests.Request, error)
	MarkInFlight(ctx context.Context, id, providerID string) (int, error)
	AppendAttempt(ctx context.Context, a *requests.Attempt) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailedPermanent(ctx context.Context, id, reason string) error
	AddExcludedProvider(ctx context.Context, id, providerID string) error
	RecordDeadLetter(ctx context.Context, requestID, reason string, attemptsSnapshot int) error
}

type Config struct {
	MaxAttempts     int
	DispatchTimeout time.Duration
}

type Deps struct {
	Store     RequestStore
	Selector  *distribution.Selector
	Health    *health.Tracker
	Registry  *provider.Registry
	Client    *provider.Client
	Scheduler *scheduler.Scheduler
	Queue     *queue.Queue
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Dispatcher executes dequeued tasks: load the request, pick a
// provider, POST, record the attempt, then succeed, schedule a retry or
// dead-letter. Every path ends in an ack; a returned error means the
// task was not acked and will be redelivered after its lease expires.
type Dispatcher struct {
	store    RequestStore
	selector *distribution.Selector
	health   *health.Tracker
	registry *provider.Registry
	client   *provider.Client
	sched    *scheduler.Scheduler
	queue    *queue.Queue
	logger   *zap.Logger
	metrics  *observability.Metrics
	cfg      Config
}

func New(deps Deps, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    deps.Store,
		selector: deps.Selector,
		health:   deps.Health,
		registry: deps.Registry,
		client:   deps.Client,
		sched:    deps.Scheduler,
		queue:    deps.Queue,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}
}

func (d *Dispatcher) Handle(ctx context.Context, task queue.Task) error {
	req, err := d.store.GetRequest(ctx, task.RequestID)
	if errors.Is(err, requests.ErrNotFound) {
		d.logger.Warn("task for missing request, dropping",
			zap.String("request_id", task.RequestID))
		return d.queue.Ack(ctx, task)
	}
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		d.logger.Debug("task for terminal request, dropping",
			zap.String("request_id", task.RequestID),
			zap.String("status", string(req.Status)))
		return d.queue.Ack(ctx, task)
	}

	providerID, err := d.selector.Pick(ctx, task.ExcludedProviders)
	if errors.Is(err, distribution.ErrNoProviderAvailable) {
		return d.handleUnavailable(ctx, task)
	}
	if err != nil {
		return err
	}

	attempts, err := d.store.MarkInFlight(ctx, task.RequestID, providerID)
	if errors.Is(err, requests.ErrTerminal) || errors.Is(err, requests.ErrNotFound) {
		return d.queue.Ack(ctx, task)
	}
	if err != nil {
		return err
	}

	p, ok := d.registry.Get(providerID)
	if !ok {
		return fmt.Errorf("selected unknown provider %s", providerID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	outcome := d.client.Send(sendCtx, p, req.Phone, req.Text)
	cancel()

	if d.metrics != nil {
		d.metrics.DispatchAttemptsTotal.WithLabelValues(providerID, outcome.Kind.String()).Inc()
		d.metrics.DispatchDuration.WithLabelValues(providerID).Observe(outcome.Duration.Seconds())
	}

	if err := d.store.AppendAttempt(ctx, attemptRecord(task.RequestID, providerID, outcome)); err != nil {
		return err
	}

	switch outcome.Kind {
	case provider.KindOK:
		if err := d.health.RecordSuccess(ctx, providerID); err != nil {
			d.logger.Warn("health record failed", zap.Error(err))
		}
		if err := d.store.MarkSucceeded(ctx, task.RequestID); err != nil && !errors.Is(err, requests.ErrTerminal) {
			return err
		}
		d.logger.Info("request dispatched",
			zap.String("request_id", task.RequestID),
			zap.String("provider", providerID),
			zap.Int("attempts", attempts))
		return d.queue.Ack(ctx, task)

	case provider.KindPermanent:
		if err := d.health.RecordFailure(ctx, providerID); err != nil {
			d.logger.Warn("health record failed", zap.Error(err))
		}
		if err := d.store.MarkFailedPermanent(ctx, task.RequestID, requests.ReasonProviderRejected); err != nil && !errors.Is(err, requests.ErrTerminal) {
			return err
		}
		d.logger.Warn("request rejected by provider",
			zap.String("request_id", task.RequestID),
			zap.String("provider", providerID),
			zap.Int("http_status", outcome.HTTPStatus))
		return d.queue.Ack(ctx, task)

	default:
		if err := d.health.RecordFailure(ctx, providerID); err != nil {
			d.logger.Warn("health record failed", zap.Error(err))
		}
		return d.handleTransient(ctx, task, providerID, attempts, outcome)
	}
}

// handleTransient routes a failed-but-retryable dispatch: dead-letter
// when the attempt budget is spent, otherwise schedule the successor
// with the failed provider excluded.
func (d *Dispatcher) handleTransient(ctx context.Context, task queue.Task, providerID string, attempts int, outcome provider.Outcome) error {
	if attempts >= d.cfg.MaxAttempts {
		return d.deadLetter(ctx, task, requests.ReasonMaxAttemptsExceeded, attempts)
	}

	if err := d.store.AddExcludedProvider(ctx, task.RequestID, providerID); err != nil {
		return err
	}

	successor := queue.Task{
		RequestID:         task.RequestID,
		ExcludedProviders: appendExcluded(task.ExcludedProviders, providerID),
		Attempt:           task.Attempt + 1,
	}
	if err := d.sched.ScheduleRetry(ctx, successor); err != nil {
		return err
	}

	d.logger.Info("transient dispatch failure, retry scheduled",
		zap.String("request_id", task.RequestID),
		zap.String("provider", providerID),
		zap.Int("http_status", outcome.HTTPStatus),
		zap.Int("attempts", attempts))
	return d.queue.Ack(ctx, task)
}

// handleUnavailable resolves a pick that found no provider. An empty
// registry is the only persistent form; anything else is transient
// unavailability, which consumes the task's attempt budget so a request
// cannot circulate forever.
func (d *Dispatcher) handleUnavailable(ctx context.Context, task queue.Task) error {
	if d.registry.Len() == 0 {
		if err := d.store.MarkFailedPermanent(ctx, task.RequestID, requests.ReasonNoProviderAvailablePersistent); err != nil && !errors.Is(err, requests.ErrTerminal) {
			return err
		}
		if err := d.store.RecordDeadLetter(ctx, task.RequestID, requests.ReasonNoProviderAvailablePersistent, task.Attempt); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.DeadLettersTotal.WithLabelValues(requests.ReasonNoProviderAvailablePersistent).Inc()
		}
		return d.queue.Ack(ctx, task)
	}

	if task.Attempt >= d.cfg.MaxAttempts {
		return d.deadLetter(ctx, task, requests.ReasonMaxAttemptsExceeded, task.Attempt)
	}

	successor := queue.Task{
		RequestID:         task.RequestID,
		ExcludedProviders: task.ExcludedProviders,
		Attempt:           task.Attempt + 1,
	}
	if err := d.sched.ScheduleRetry(ctx, successor); err != nil {
		return err
	}

	d.logger.Info("no provider available, retry scheduled",
		zap.String("request_id", task.RequestID),
		zap.Int("attempt", task.Attempt))
	return d.queue.Ack(ctx, task)
}

func (d *Dispatcher) deadLetter(ctx context.Context, task queue.Task, reason string, attempts int) error {
	if err := d.store.MarkFailedPermanent(ctx, task.RequestID, reason); err != nil && !errors.Is(err, requests.ErrTerminal) {
		return err
	}
	if err := d.store.RecordDeadLetter(ctx, task.RequestID, reason, attempts); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.DeadLettersTotal.WithLabelValues(reason).Inc()
	}
	return d.queue.Ack(ctx, task)
}

func attemptRecord(requestID, providerID string, outcome provider.Outcome) *requests.Attempt {
	ended := time.Now().UTC()
	a := &requests.Attempt{
		RequestID:    requestID,
		ProviderID:   providerID,
		Status:       attemptStatus(outcome),
		ResponseBody: outcome.Body,
		StartedAt:    ended.Add(-outcome.Duration),
		EndedAt:      ended,
	}
	if outcome.HTTPStatus != 0 {
		code := outcome.HTTPStatus
		a.HTTPStatus = &code
	}
	if outcome.Err != nil {
		a.ErrorMessage = outcome.Err.Error()
	}
	return a
}

func attemptStatus(o provider.Outcome) requests.AttemptStatus {
	switch {
	case o.Kind == provider.KindOK:
		return requests.AttemptOK
	case o.Timeout:
		return requests.AttemptTimeout
	case o.Kind == provider.KindPermanent:
		return requests.AttemptErrorPermanent
	default:
		return requests.AttemptErrorTransient
	}
}

func appendExcluded(excluded []string, id string) []string {
	for _, e := range excluded {
		if e == id {
			return excluded
		}
	}
	out := make([]string, len(excluded), len(excluded)+1)
	copy(out, excluded)
	return append(out, id)
}
