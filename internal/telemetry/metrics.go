// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	FallbackDepth      prometheus.Histogram
	BreakerTransitions *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	TokensProcessed    *prometheus.CounterVec
	UsageQueueLength   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "radagast",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radagast",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "radagast",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors by kind.",
		}, []string{"provider", "kind"}),

		FallbackDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "radagast",
			Name:      "fallback_depth",
			Help:      "Number of candidates tried before a request settled.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7},
		}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "breaker_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		}, []string{"provider", "state"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections by denying window.",
		}, []string{"window"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radagast",
			Name:      "sessions_active",
			Help:      "Sessions saved minus sessions deleted or expired.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radagast",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radagast",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FallbackDepth,
		m.BreakerTransitions,
		m.RateLimitRejects,
		m.SessionsActive,
		m.TokensProcessed,
		m.UsageQueueLength,
	)

	return m
}
