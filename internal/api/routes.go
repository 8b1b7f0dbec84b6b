package api

import (
	"sms-relay/internal/auth"
	"sms-relay/internal/observability"

	"sms-relay/docs"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggo/swag"
	"go.uber.org/zap"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	adminKeyHash string,
) {
	// Set up middleware
	SetupMiddleware(app, logger, metrics)

	// Health endpoints (no auth required)
	app.Get("/healthz", handlers.Health)
	app.Get("/readyz", handlers.Ready)

	// Prometheus scrape endpoint
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Generated OpenAPI document
	app.Get("/docs/swagger.json", func(c *fiber.Ctx) error {
		doc, err := swag.ReadDoc(docs.SwaggerInfo.InstanceName())
		if err != nil {
			logger.Error("swagger doc unavailable", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal error"})
		}
		c.Set("Content-Type", "application/json")
		return c.SendString(doc)
	})

	// API v1 routes
	v1 := app.Group("/api/v1")

	// Intake
	v1.Post("/sms", handlers.SendSMS)

	// Read views
	v1.Get("/rate-limits", handlers.GetRateLimits)
	v1.Get("/health/providers", handlers.GetProvidersHealth)
	v1.Get("/health/providers/:id", handlers.GetProviderHealth)
	v1.Get("/distribution", handlers.GetDistribution)
	v1.Get("/requests", handlers.ListRequests)
	v1.Get("/requests/:id", handlers.GetRequest)
	v1.Get("/dead-letters", handlers.ListDeadLetters)
	v1.Get("/stats", handlers.GetStats)
	v1.Get("/queue", handlers.GetQueue)

	// State-mutating admin endpoints (API key required when configured)
	admin := auth.RequireAPIKey(adminKeyHash, logger)
	v1.Post("/health/providers/:id/reset", admin, handlers.ResetProviderHealth)
	v1.Post("/distribution/reset", admin, handlers.ResetDistribution)
}
