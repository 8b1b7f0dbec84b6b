package api

import (
	"context"
	"errors"
	"time"

	"sms-relay/internal/distribution"
	"sms-relay/internal/health"
	"sms-relay/internal/intake"
	"sms-relay/internal/kv"
	"sms-relay/internal/provider"
	"sms-relay/internal/queue"
	"sms-relay/internal/rate"
	"sms-relay/internal/requests"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Handlers struct {
	logger   *zap.Logger
	intake   *intake.Service
	store    *requests.Store
	limiter  *rate.Limiter
	health   *health.Tracker
	selector *distribution.Selector
	queue    *queue.Queue
	registry *provider.Registry
	kv       *kv.Store
	validate *validator.Validate
	started  time.Time
}

func NewHandlers(logger *zap.Logger, intakeSvc *intake.Service, store *requests.Store, limiter *rate.Limiter, tracker *health.Tracker, selector *distribution.Selector, q *queue.Queue, registry *provider.Registry, kvStore *kv.Store) *Handlers {
	return &Handlers{
		logger:   logger,
		intake:   intakeSvc,
		store:    store,
		limiter:  limiter,
		health:   tracker,
		selector: selector,
		queue:    q,
		registry: registry,
		kv:       kvStore,
		validate: validator.New(),
		started:  time.Now(),
	}
}

type sendSMSRequest struct {
	Phone string `json:"phone" validate:"required,e164"`
	Text  string `json:"text" validate:"required,max=1600"`
}

// SendSMS handles POST /api/v1/sms
//
//	@Summary		Send SMS
//	@Description	Queue an SMS for asynchronous dispatch
//	@Tags			SMS
//	@Accept			json
//	@Produce		json
//	@Param			request			body		sendSMSRequest			true	"SMS request"
//	@Param			Idempotency-Key	header		string					false	"replay-safe client key"
//	@Success		202				{object}	map[string]interface{}	"Request queued"
//	@Failure		400				{object}	map[string]string		"Bad request"
//	@Failure		429				{object}	map[string]interface{}	"Rate limit exceeded"
//	@Failure		503				{object}	map[string]string		"Queue unavailable"
//	@Router			/api/v1/sms [post]
func (h *Handlers) SendSMS(c *fiber.Ctx) error {
	var req sendSMSRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "phone must be E.164 and text between 1 and 1600 characters"})
	}

	res, err := h.intake.QueueSMS(c.Context(), req.Phone, req.Text, c.Get("Idempotency-Key"))
	if err != nil {
		h.logger.Error("intake failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	switch res.Outcome {
	case intake.GlobalRateLimited:
		c.Set("Retry-After", "1")
		return c.Status(429).JSON(fiber.Map{
			"error": "rate limit exceeded",
			"count": res.Count,
			"limit": res.Limit,
		})
	case intake.ServiceUnavailable:
		return c.Status(503).JSON(fiber.Map{"error": "queue unavailable, try again"})
	default:
		body := fiber.Map{
			"request_id": res.RequestID,
			"status":     "queued",
		}
		if res.Duplicate {
			body["duplicate"] = true
		}
		return c.Status(202).JSON(body)
	}
}

// GetRateLimits handles GET /api/v1/rate-limits
//
//	@Summary		Rate limit state
//	@Description	Current window counts for the global and per-provider scopes
//	@Tags			Admin
//	@Produce		json
//	@Success		200	{array}	rate.ScopeStats
//	@Router			/api/v1/rate-limits [get]
func (h *Handlers) GetRateLimits(c *fiber.Ctx) error {
	stats, err := h.limiter.Stats(c.Context())
	if err != nil {
		h.logger.Error("rate limit stats failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(stats)
}

// GetProvidersHealth handles GET /api/v1/health/providers
func (h *Handlers) GetProvidersHealth(c *fiber.Ctx) error {
	statuses, err := h.health.StatusAll(c.Context())
	if err != nil {
		h.logger.Error("health status failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(statuses)
}

// GetProviderHealth handles GET /api/v1/health/providers/:id
func (h *Handlers) GetProviderHealth(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := h.registry.Get(id); !ok {
		return c.Status(404).JSON(fiber.Map{"error": "unknown provider"})
	}

	status, err := h.health.Status(c.Context(), id)
	if err != nil {
		h.logger.Error("health status failed", zap.Error(err), zap.String("provider", id))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(status)
}

// ResetProviderHealth handles POST /api/v1/health/providers/:id/reset
func (h *Handlers) ResetProviderHealth(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := h.registry.Get(id); !ok {
		return c.Status(404).JSON(fiber.Map{"error": "unknown provider"})
	}

	if err := h.health.Reset(c.Context(), id); err != nil {
		h.logger.Error("health reset failed", zap.Error(err), zap.String("provider", id))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	h.logger.Info("provider health reset", zap.String("provider", id))
	return c.JSON(fiber.Map{"status": "reset", "provider": id})
}

// GetDistribution handles GET /api/v1/distribution
func (h *Handlers) GetDistribution(c *fiber.Ctx) error {
	stats, err := h.selector.Stats(c.Context())
	if err != nil {
		h.logger.Error("distribution stats failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(stats)
}

// ResetDistribution handles POST /api/v1/distribution/reset
func (h *Handlers) ResetDistribution(c *fiber.Ctx) error {
	if err := h.selector.Reset(c.Context()); err != nil {
		h.logger.Error("distribution reset failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	h.logger.Info("distribution state reset")
	return c.JSON(fiber.Map{"status": "reset"})
}

// ListRequests handles GET /api/v1/requests
//
//	@Summary		List requests
//	@Description	Requests filtered by status, provider and creation time
//	@Tags			Requests
//	@Produce		json
//	@Param			status		query	string	false	"PENDING, IN_FLIGHT, SUCCEEDED or FAILED_PERMANENT"
//	@Param			provider	query	string	false	"last provider id"
//	@Param			since		query	string	false	"RFC3339 lower bound"
//	@Param			until		query	string	false	"RFC3339 upper bound"
//	@Param			limit		query	int		false	"max rows, default 50"
//	@Success		200			{array}	requests.Request
//	@Router			/api/v1/requests [get]
func (h *Handlers) ListRequests(c *fiber.Ctx) error {
	filter := requests.ListFilter{
		Status:   c.Query("status"),
		Provider: c.Query("provider"),
		Limit:    c.QueryInt("limit", 0),
	}

	if filter.Status != "" && !validStatus(filter.Status) {
		return c.Status(400).JSON(fiber.Map{"error": "invalid status"})
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "since must be RFC3339"})
		}
		filter.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "until must be RFC3339"})
		}
		filter.Until = t
	}

	rows, err := h.store.ListRequests(c.Context(), filter)
	if err != nil {
		h.logger.Error("list requests failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(rows)
}

// GetRequest handles GET /api/v1/requests/:id
func (h *Handlers) GetRequest(c *fiber.Ctx) error {
	id := c.Params("id")

	req, err := h.store.GetRequest(c.Context(), id)
	if err != nil {
		if errors.Is(err, requests.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "request not found"})
		}
		h.logger.Error("get request failed", zap.Error(err), zap.String("request_id", id))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	attempts, err := h.store.ListAttempts(c.Context(), id)
	if err != nil {
		h.logger.Error("list attempts failed", zap.Error(err), zap.String("request_id", id))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{"request": req, "attempts": attempts})
}

// ListDeadLetters handles GET /api/v1/dead-letters
func (h *Handlers) ListDeadLetters(c *fiber.Ctx) error {
	rows, err := h.store.ListDeadLetters(c.Context(), c.QueryInt("limit", 0))
	if err != nil {
		h.logger.Error("list dead letters failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(rows)
}

// GetStats handles GET /api/v1/stats
//
//	@Summary		Gateway stats
//	@Description	Request counts by status, queue depths and uptime
//	@Tags			Admin
//	@Produce		json
//	@Success		200	{object}	map[string]interface{}
//	@Router			/api/v1/stats [get]
func (h *Handlers) GetStats(c *fiber.Ctx) error {
	counts, err := h.store.CountByStatus(c.Context())
	if err != nil {
		h.logger.Error("count by status failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	depths, err := h.queue.Depths(c.Context())
	if err != nil {
		h.logger.Error("queue depths failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{
		"requests":       counts,
		"queue":          depths,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// GetQueue handles GET /api/v1/queue
func (h *Handlers) GetQueue(c *fiber.Ctx) error {
	depths, err := h.queue.Depths(c.Context())
	if err != nil {
		h.logger.Error("queue depths failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(depths)
}

// Health handles GET /healthz
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// Ready handles GET /readyz. Pings both backing stores.
func (h *Handlers) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Health(ctx); err != nil {
		return c.Status(503).JSON(fiber.Map{"status": "not ready", "reason": "postgres"})
	}
	if err := h.kv.Ping(ctx); err != nil {
		return c.Status(503).JSON(fiber.Map{"status": "not ready", "reason": "redis"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

func validStatus(s string) bool {
	switch requests.Status(s) {
	case requests.StatusPending, requests.StatusInFlight, requests.StatusSucceeded, requests.StatusFailedPermanent:
		return true
	}
	return false
}
