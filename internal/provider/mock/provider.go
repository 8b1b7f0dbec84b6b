package mock

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Server simulates one delivery provider endpoint for local development
// and load tests. It answers the same POST contract the real providers
// expose, with configurable latency and failure behavior.
type Server struct {
	name       string
	logger     *zap.Logger
	failRate   float64
	rejectRate float64
	latency    time.Duration
}

// NewServer builds a simulated provider. failRate is the fraction of
// requests answered 500, rejectRate the fraction answered 400; latency
// is the mean simulated processing delay.
func NewServer(name string, logger *zap.Logger, failRate, rejectRate float64, latency time.Duration) *Server {
	return &Server{
		name:       name,
		logger:     logger,
		failRate:   failRate,
		rejectRate: rejectRate,
		latency:    latency,
	}
}

type sendRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

func (s *Server) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req sendRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON body",
			})
		}
		if req.Phone == "" || req.Text == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "phone and text are required",
			})
		}

		// Simulate API latency, jittered around the configured mean
		if s.latency > 0 {
			time.Sleep(s.latency/2 + time.Duration(rand.Int63n(int64(s.latency))))
		}

		r := rand.Float64()
		switch {
		case r < s.failRate:
			s.logger.Debug("mock provider: simulated outage",
				zap.String("provider", s.name))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "provider temporarily unavailable",
			})
		case r < s.failRate+s.rejectRate:
			s.logger.Debug("mock provider: simulated rejection",
				zap.String("provider", s.name))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid destination number",
			})
		}

		id := fmt.Sprintf("%s_%d", s.name, time.Now().UnixNano())
		s.logger.Debug("mock provider: message sent",
			zap.String("provider", s.name),
			zap.String("message_id", id))
		return c.JSON(fiber.Map{
			"message_id": id,
			"status":     "sent",
		})
	}
}
