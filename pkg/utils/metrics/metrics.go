package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments used by memoria. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	OracleCalls     *prometheus.CounterVec
	OracleLatency   *prometheus.HistogramVec
	SkippedMemories *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
}

// New creates instruments registered on a dedicated registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OracleCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_calls_total",
			Help:      "Oracle exchanges by exchange name and result.",
		}, []string{"exchange", "result"}),
		OracleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_latency_seconds",
			Help:      "Oracle round-trip latency by exchange name.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"exchange"}),
		SkippedMemories: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_memories_total",
			Help:      "Oracle proposals skipped during batch application by reason.",
		}, []string{"reason"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
	}
}

// ObserveOracle records one oracle exchange
func (m *Metrics) ObserveOracle(exchange string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OracleCalls.WithLabelValues(exchange, result).Inc()
	m.OracleLatency.WithLabelValues(exchange).Observe(d.Seconds())
}

// CountSkipped records a proposal skipped for reason
func (m *Metrics) CountSkipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedMemories.WithLabelValues(reason).Inc()
}

// CountHTTP records one served HTTP request
func (m *Metrics) CountHTTP(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
