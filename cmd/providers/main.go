package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sms-relay/internal/observability"
	"sms-relay/internal/provider/mock"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

type farmConfig struct {
	BasePort    int           `envconfig:"MOCK_BASE_PORT" default:"8071"`
	Count       int           `envconfig:"MOCK_PROVIDER_COUNT" default:"3"`
	FailRate    float64       `envconfig:"MOCK_FAIL_RATE" default:"0.1"`
	RejectRate  float64       `envconfig:"MOCK_REJECT_RATE" default:"0.05"`
	Latency     time.Duration `envconfig:"MOCK_LATENCY" default:"30ms"`
	Environment string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	_ = godotenv.Load()

	var cfg farmConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.NewLoggerForEnv(cfg.Environment, cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting mock provider farm",
		zap.Int("count", cfg.Count),
		zap.Float64("fail_rate", cfg.FailRate),
		zap.Float64("reject_rate", cfg.RejectRate),
		zap.Duration("latency", cfg.Latency))

	apps := make([]*fiber.App, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		name := fmt.Sprintf("provider%d", i+1)
		port := cfg.BasePort + i

		srv := mock.NewServer(name, logger, cfg.FailRate, cfg.RejectRate, cfg.Latency)

		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		app.Post("/api/sms/"+name, srv.Handler())
		app.Get("/healthz", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"status": "ok"})
		})
		apps = append(apps, app)

		go func(app *fiber.App, name string, port int) {
			logger.Info("mock provider listening", zap.String("provider", name), zap.Int("port", port))
			if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
				logger.Fatal("mock provider stopped", zap.String("provider", name), zap.Error(err))
			}
		}(app, name, port)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down mock providers")
	for _, app := range apps {
		_ = app.Shutdown()
	}
}
