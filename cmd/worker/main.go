package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sms-relay/internal/config"
	"sms-relay/internal/db"
	"sms-relay/internal/dispatch"
	"sms-relay/internal/distribution"
	"sms-relay/internal/health"
	"sms-relay/internal/kv"
	"sms-relay/internal/observability"
	"sms-relay/internal/provider"
	"sms-relay/internal/queue"
	"sms-relay/internal/rate"
	"sms-relay/internal/requests"
	"sms-relay/internal/scheduler"
	"sms-relay/internal/worker"

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

	logger.Info("starting sms relay worker",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility_timeout", cfg.VisibilityTimeout))

	otelCleanup, err := observability.SetupOpenTelemetry("sms-relay-worker", logger)
	if err != nil {
		logger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer otelCleanup()

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	// Database
	ctx := context.Background()
	database, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

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
	client := provider.NewClient(cfg.DispatchTimeout, logger)

	sched := scheduler.New(kvStore, taskQueue, scheduler.Config{
		BaseDelay:       cfg.RetryBaseDelay,
		MaxDelay:        cfg.RetryMaxDelay,
		PromoteInterval: cfg.PromoteInterval,
		PromoteBatch:    int64(cfg.PromoteBatch),
	}, logger, metrics)

	dispatcher := dispatch.New(dispatch.Deps{
		Store:     store,
		Selector:  selector,
		Health:    tracker,
		Registry:  registry,
		Client:    client,
		Scheduler: sched,
		Queue:     taskQueue,
		Logger:    logger,
		Metrics:   metrics,
	}, dispatch.Config{
		MaxAttempts:     cfg.MaxAttempts,
		DispatchTimeout: cfg.DispatchTimeout,
	})

	pool := worker.NewPool(logger, taskQueue, dispatcher, sched, cfg.WorkerConcurrency, cfg.DequeueWait)
	if err := pool.Start(ctx); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		metricsSrv = observability.ServeMetrics(cfg.MetricsPort, logger)
	}

	logger.Info("sms relay worker started, waiting for tasks")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("worker pool stop failed", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("sms relay worker stopped")
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
