// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Streamed sessions can run
// for a long time, so the upper buckets go well past typical API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300}

// Outcome label values for RelayOutcomes.
const (
	OutcomeStream   = "stream"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RelayOutcomes  *prometheus.CounterVec
	RelayBytes     *prometheus.CounterVec
	PumpErrors     *prometheus.CounterVec
	SessionsActive prometheus.Gauge

	knownPrefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// routes are the configured inbound paths (relay route, scrape path) that get
// their own path_prefix label value next to the fixed health endpoints.
func New(routes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request duration in seconds, including streamed bodies.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_relay_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers (cors) or full body (opaque), in seconds.",
			Buckets: defaultBuckets,
		}, []string{"mode"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_upstream_responses_total",
			Help: "Total upstream responses by fetch mode and status code.",
		}, []string{"mode", "status_code"}),

		RelayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_relay_outcomes_total",
			Help: "Relay sessions by outcome path: stream, fallback or error.",
		}, []string{"outcome"}),

		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_relay_bytes_total",
			Help: "Bytes delivered to callers by fetch mode.",
		}, []string{"mode"}),

		PumpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_relay_pump_errors_total",
			Help: "Streams terminated mid-flight, by failing side (read or write).",
		}, []string{"op"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_relay_relay_sessions_active",
			Help: "Number of relay sessions currently open.",
		}),

		knownPrefixes: append([]string{"/healthz", "/relay/status"}, routes...),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelayOutcomes,
		m.RelayBytes,
		m.PumpErrors,
		m.SessionsActive,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
