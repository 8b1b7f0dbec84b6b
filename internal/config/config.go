package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	MetricsPort  string        `envconfig:"METRICS_PORT" default:"9090"`
	Environment  string        `envconfig:"ENVIRONMENT" default:"development"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Redis
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`

	// Providers
	Provider1URL    string `envconfig:"PROVIDER1_URL" default:"http://localhost:8071/api/sms/provider1"`
	Provider2URL    string `envconfig:"PROVIDER2_URL" default:"http://localhost:8072/api/sms/provider2"`
	Provider3URL    string `envconfig:"PROVIDER3_URL" default:"http://localhost:8073/api/sms/provider3"`
	Provider1Weight int    `envconfig:"PROVIDER1_WEIGHT" default:"1"`
	Provider2Weight int    `envconfig:"PROVIDER2_WEIGHT" default:"1"`
	Provider3Weight int    `envconfig:"PROVIDER3_WEIGHT" default:"1"`

	// Rate limiting
	ProviderRateLimit int           `envconfig:"PROVIDER_RATE_LIMIT" default:"50"`
	TotalRateLimit    int           `envconfig:"TOTAL_RATE_LIMIT" default:"200"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1s"`

	// Provider health
	HealthWindow           time.Duration `envconfig:"HEALTH_WINDOW" default:"300s"`
	HealthFailureThreshold float64       `envconfig:"HEALTH_FAILURE_THRESHOLD" default:"0.7"`
	HealthMinSamples       int           `envconfig:"HEALTH_MIN_SAMPLES" default:"10"`

	// Dispatch and retry
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"60s"`
	DispatchTimeout   time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"5s"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"16"`
	DequeueWait       time.Duration `envconfig:"DEQUEUE_WAIT" default:"5s"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"30s"`
	PromoteInterval   time.Duration `envconfig:"PROMOTE_INTERVAL" default:"200ms"`
	PromoteBatch      int           `envconfig:"PROMOTE_BATCH" default:"128"`

	// Admin
	AdminAPIKeyHash string `envconfig:"ADMIN_API_KEY_HASH" default:""`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ProviderRateLimit <= 0 || c.TotalRateLimit <= 0 {
		return fmt.Errorf("rate limits must be positive (provider=%d total=%d)", c.ProviderRateLimit, c.TotalRateLimit)
	}
	if c.HealthFailureThreshold <= 0 || c.HealthFailureThreshold > 1 {
		return fmt.Errorf("HEALTH_FAILURE_THRESHOLD must be in (0,1], got %v", c.HealthFailureThreshold)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.VisibilityTimeout < c.DispatchTimeout {
		return fmt.Errorf("VISIBILITY_TIMEOUT (%v) must cover DISPATCH_TIMEOUT (%v)", c.VisibilityTimeout, c.DispatchTimeout)
	}
	return nil
}

// ProviderURLs returns the configured provider endpoints keyed by provider id.
func (c *Config) ProviderURLs() map[string]string {
	return map[string]string{
		"provider1": c.Provider1URL,
		"provider2": c.Provider2URL,
		"provider3": c.Provider3URL,
	}
}

// ProviderWeights returns the configured WRR weights keyed by provider id.
func (c *Config) ProviderWeights() map[string]int {
	return map[string]int{
		"provider1": c.Provider1Weight,
		"provider2": c.Provider2Weight,
		"provider3": c.Provider3Weight,
	}
}
