package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	IntakeAdmittedTotal    prometheus.Counter
	IntakeRejectedTotal    *prometheus.CounterVec
	DispatchAttemptsTotal  *prometheus.CounterVec
	DispatchDuration       *prometheus.HistogramVec
	RetriesScheduledTotal  prometheus.Counter
	PromotionsTotal        prometheus.Counter
	RequeuedExpiredTotal   prometheus.Counter
	DeadLettersTotal       *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec
	ProviderHealthy        *prometheus.GaugeVec
	RateLimitRejectedTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		IntakeAdmittedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "intake_admitted_total",
				Help: "Total number of SMS requests admitted past the global rate gate",
			},
		),
		IntakeRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intake_rejected_total",
				Help: "Total number of SMS requests rejected at intake",
			},
			[]string{"reason"},
		),
		DispatchAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_attempts_total",
				Help: "Total number of provider dispatch attempts",
			},
			[]string{"provider", "outcome"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_duration_seconds",
				Help:    "Duration of provider POST calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		RetriesScheduledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retries_scheduled_total",
				Help: "Total number of retries placed on the retry schedule",
			},
		),
		PromotionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retry_promotions_total",
				Help: "Total number of due retries promoted back to the dispatch queue",
			},
		),
		RequeuedExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "queue_requeued_expired_total",
				Help: "Total number of in-flight tasks requeued after lease expiry",
			},
		),
		DeadLettersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dead_letters_total",
				Help: "Total number of requests dead-lettered",
			},
			[]string{"reason"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current queue depth by queue segment",
			},
			[]string{"segment"},
		),
		ProviderHealthy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_healthy",
				Help: "Provider health flag (1 healthy, 0 unhealthy)",
			},
			[]string{"provider"},
		),
		RateLimitRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_rejected_total",
				Help: "Total number of rate limiter denials by scope",
			},
			[]string{"scope"},
		),
	}
}

// ServeMetrics exposes the default prometheus registry on its own port so the
// worker binary gets /metrics without carrying an HTTP framework.
func ServeMetrics(port string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	return srv
}
