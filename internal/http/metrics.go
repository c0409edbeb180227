package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300}

type httpMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rateLimitHits *prometheus.CounterVec
	bodyBytes     *prometheus.CounterVec
}

// newHTTPMetrics registers request metrics with reg, reusing collectors that
// are already registered. A nil reg yields unregistered collectors.
func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "share",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "share",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   latencyBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "share",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route"}),
		bodyBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "share",
			Subsystem: "api",
			Name:      "request_body_bytes_total",
			Help:      "Bytes received in archive and asset uploads",
		}, []string{"route"}),
	}
	if reg == nil {
		return m
	}
	m.requests = reuse(reg, m.requests)
	m.latency = reuse(reg, m.latency)
	m.rateLimitHits = reuse(reg, m.rateLimitHits)
	m.bodyBytes = reuse(reg, m.bodyBytes)
	return m
}

func reuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	return c
}

func (m *httpMetrics) observe(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	m.requests.With(labels).Inc()
	m.latency.With(labels).Observe(duration.Seconds())
}

func (m *httpMetrics) rateLimited(route string) {
	m.rateLimitHits.WithLabelValues(route).Inc()
}

func (m *httpMetrics) received(route string, n int64) {
	if n > 0 {
		m.bodyBytes.WithLabelValues(route).Add(float64(n))
	}
}
