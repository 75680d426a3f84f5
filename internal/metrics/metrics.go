// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Analysis scripts run for seconds to minutes.
var runBuckets = []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Run outcomes used as the "outcome" label of RunsTotal.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCanceled = "canceled"
	OutcomeError    = "start_error"
)

// Metrics holds all Prometheus metric collectors for the bridge.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RunsActive  *prometheus.GaugeVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finbridge_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finbridge_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including streamed bodies.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finbridge_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finbridge_upstream_request_duration_seconds",
			Help:    "Time until relay upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"route", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finbridge_upstream_responses_total",
			Help: "Total relay upstream responses by route, method and status code.",
		}, []string{"route", "method", "status_code"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finbridge_runner_runs_total",
			Help: "Total analysis script runs by runner and outcome.",
		}, []string{"runner", "outcome"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finbridge_runner_run_duration_seconds",
			Help:    "Wall time of analysis script runs in seconds.",
			Buckets: runBuckets,
		}, []string{"runner"}),

		RunsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finbridge_runner_runs_active",
			Help: "Number of analysis scripts currently running.",
		}, []string{"runner"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RunsTotal,
		m.RunDuration,
		m.RunsActive,
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

// PathLabeler maps request paths onto a fixed set of mount points.
type PathLabeler struct {
	prefixes []string
}

// NewPathLabeler builds a labeler over the given mount points.
// Longer prefixes win so nested mounts get their own label.
func NewPathLabeler(prefixes ...string) *PathLabeler {
	p := append([]string(nil), prefixes...)
	sort.SliceStable(p, func(i, j int) bool { return len(p[i]) > len(p[j]) })
	return &PathLabeler{prefixes: p}
}

// Label returns a bounded path label for Prometheus metrics.
func (l *PathLabeler) Label(path string) string {
	for _, prefix := range l.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
