package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sms-relay/internal/api"
	"sms-relay/internal/config"
	"sms-relay/internal/db"
	"sms-relay/internal/distribution"
	"sms-relay/internal/health"
	"sms-relay/internal/idempotency"
	"sms-relay/internal/intake"
	"sms-relay/internal/kv"
	"sms-relay/internal/observability"
	"sms-relay/internal/provider"
	"sms-relay/internal/queue"
	"sms-relay/internal/rate"
	"sms-relay/internal/requests"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.NewLoggerForEnv(cfg.Environment, cfg.LogLevel)
	defer logger.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Sugar().Infof(format, args...)
	})); err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	logger.Info("starting sms relay api", zap.String("port", cfg.Port))

	otelCleanup, err := observability.SetupOpenTelemetry("sms-relay-api", logger)
	if err != nil {
		logger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer otelCleanup()

	metrics := observability.NewMetrics()

	// Database
	ctx := context.Background()
	database, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	redisDB, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisDB.Close()
	kvStore := kv.New(redisDB.Client)

	// Provider registry
	registry, err := provider.NewRegistry(buildProviders(cfg))
	if err != nil {
		logger.Fatal("invalid provider configuration", zap.Error(err))
	}

	// Components
	limiter := rate.NewLimiter(kvStore, logger, cfg.RateLimitWindow, int64(cfg.ProviderRateLimit), int64(cfg.TotalRateLimit), registry.IDs())
	tracker := health.NewTracker(kvStore, logger, cfg.HealthWindow, cfg.HealthFailureThreshold, int64(cfg.HealthMinSamples), registry.IDs())
	selector := distribution.NewSelector(registry, kvStore, tracker, limiter, logger)
	taskQueue := queue.New(kvStore, logger, cfg.VisibilityTimeout)
	store := requests.NewStore(database, logger)
	idemStore := idempotency.NewStore(kvStore, logger)
	intakeSvc := intake.NewService(limiter, store, taskQueue, idemStore, logger, metrics)

	handlers := api.NewHandlers(logger, intakeSvc, store, limiter, tracker, selector, taskQueue, registry, kvStore)

	// App
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err), zap.String("path", c.Path()))
			return c.Status(500).JSON(fiber.Map{"error": "internal error"})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, cfg.AdminAPIKeyHash)

	// Start server
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	logger.Info("sms relay api started",
		zap.String("port", cfg.Port),
		zap.Strings("providers", registry.IDs()),
		zap.Int("global_rate_limit", cfg.TotalRateLimit),
		zap.Int("provider_rate_limit", cfg.ProviderRateLimit),
	)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down gracefully", zap.Error(err))
	}

	logger.Info("sms relay api stopped")
}

func buildProviders(cfg *config.Config) []provider.Provider {
	urls := cfg.ProviderURLs()
	weights := cfg.ProviderWeights()

	providers := make([]provider.Provider, 0, len(urls))
	for id, url := range urls {
		providers = append(providers, provider.Provider{
			ID:     id,
			URL:    url,
			Weight: int64(weights[id]),
		})
	}
	return providers
}
