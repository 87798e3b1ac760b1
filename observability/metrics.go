package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics holds the collectors shared by every HTTP route group.
type HTTPMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	throttles   *prometheus.CounterVec
	idempotency *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpMetrics     *HTTPMetrics
)

// HTTP returns the lazily registered HTTP collectors.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpMetrics = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route group, method and status code.",
			}, []string{"group", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bounty",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP handler latency by route group.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"group", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "http",
				Name:      "throttled_total",
				Help:      "Requests rejected by the per-client rate limiter.",
			}, []string{"group"}),
			idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "http",
				Name:      "idempotency_total",
				Help:      "Requests carrying an Idempotency-Key by outcome (stored, replayed, conflict).",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			httpMetrics.requests,
			httpMetrics.latency,
			httpMetrics.throttles,
			httpMetrics.idempotency,
		)
	})
	return httpMetrics
}

// Observe records one finished request with the status code that was
// written to the client.
func (m *HTTPMetrics) Observe(group, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if group == "" {
		group = "unknown"
	}
	m.requests.WithLabelValues(group, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(group, method).Observe(duration.Seconds())
}

// RecordThrottle counts a request rejected by the rate limiter.
func (m *HTTPMetrics) RecordThrottle(group string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(group).Inc()
}

// RecordIdempotency counts an idempotent request outcome.
func (m *HTTPMetrics) RecordIdempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(outcome).Inc()
}
