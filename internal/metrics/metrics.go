// Package metrics provides Prometheus instrumentation for the devtoken
// issuer. All metric collectors are registered via Init and exposed through
// the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TokensIssued counts successfully signed tokens by source ("http", "cli").
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devtoken_tokens_issued_total",
			Help: "Total tokens signed",
		},
		[]string{"source"},
	)

	// EncodeFailures counts failed encodings by reason
	// (invalid_key, unsupported_algorithm, serialization, invalid_request).
	EncodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devtoken_encode_failures_total",
			Help: "Total token encoding failures",
		},
		[]string{"reason"},
	)

	// RequestsTotal counts HTTP requests by path, method, and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devtoken_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"path", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by path and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devtoken_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// ActiveRequests tracks the number of in-flight requests.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devtoken_active_requests",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devtoken_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)

	// ConfigReloads counts config reload attempts by trigger ("file",
	// "signal", "manual") and result ("ok", "error").
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devtoken_config_reloads_total",
			Help: "Total configuration reload attempts",
		},
		[]string{"trigger", "result"},
	)

	// PanicsRecovered counts handler panics turned into 500 responses.
	PanicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devtoken_panics_recovered_total",
			Help: "Total handler panics recovered",
		},
	)
)

// Collectors returns every devtoken collector, for registering on a custom
// registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TokensIssued,
		EncodeFailures,
		RequestsTotal,
		RequestDuration,
		ActiveRequests,
		RateLimitHits,
		ConfigReloads,
		PanicsRecovered,
	}
}

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(Collectors()...)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
