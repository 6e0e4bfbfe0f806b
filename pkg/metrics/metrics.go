// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	MatchRequestsTotal   *prometheus.CounterVec
	MatchLatency         *prometheus.HistogramVec
	MatchCandidateCount  prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	RefreshSubjectsTotal *prometheus.CounterVec
	FetchLatency         *prometheus.HistogramVec
	FetchErrorsTotal     *prometheus.CounterVec
	StaleSubjects        *prometheus.GaugeVec
	CheckpointSavesTotal *prometheus.CounterVec
	CyclesTotal          *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		MatchRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_requests_total",
				Help: "Total match requests by resolution method (id-exact-primary, fuzzy-auto, ...).",
			},
			[]string{"method"},
		),
		MatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "match_latency_seconds",
				Help:    "Match resolution latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		MatchCandidateCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "match_candidate_count",
				Help:    "Number of candidates scored per fuzzy match.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of match-cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of match-cache misses.",
			},
		),
		RefreshSubjectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refresh_subjects_total",
				Help: "Subjects processed per refresh cycle by source and outcome (success, failed, unchanged).",
			},
			[]string{"source", "outcome"},
		),
		FetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_latency_seconds",
				Help:    "Enrichment fetch latency in seconds by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source"},
		),
		FetchErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_errors_total",
				Help: "Enrichment API call failures by source.",
			},
			[]string{"source"},
		),
		StaleSubjects: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stale_subjects",
				Help: "Subjects outside their freshness SLA at cycle start, by source.",
			},
			[]string{"source"},
		),
		CheckpointSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoint_saves_total",
				Help: "Checkpoint save operations by source and status.",
			},
			[]string{"source", "status"},
		),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refresh_cycles_total",
				Help: "Completed refresh cycles by source and terminal state (done, failed, cancelled).",
			},
			[]string{"source", "state"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.MatchRequestsTotal,
		m.MatchLatency,
		m.MatchCandidateCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.RefreshSubjectsTotal,
		m.FetchLatency,
		m.FetchErrorsTotal,
		m.StaleSubjects,
		m.CheckpointSavesTotal,
		m.CyclesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
