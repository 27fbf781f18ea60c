// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HistoryRecords       prometheus.Gauge
	InsertsTotal         prometheus.Counter
	DeletesTotal         prometheus.Counter
	EvictionsTotal       prometheus.Counter
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	RebuildsTotal        *prometheus.CounterVec
	RebuildDuration      prometheus.Histogram
	IndexTokens          *prometheus.GaugeVec
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with the given
// registerer. Tests pass a fresh registry to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
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
		HistoryRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "history_records",
				Help: "Number of records currently retained in the history store.",
			},
		),
		InsertsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "history_inserts_total",
				Help: "Total records inserted into the history store.",
			},
		),
		DeletesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "history_deletes_total",
				Help: "Total records removed by point delete.",
			},
		),
		EvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "history_evictions_total",
				Help: "Total records evicted to stay within the history limit.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by outcome (exact, partial, cached, zero_result, error).",
			},
			[]string{"outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds by stage.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"stage"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "result_cache_hits_total",
				Help: "Total partial-search cache hits, including failure markers.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "result_cache_misses_total",
				Help: "Total partial-search cache misses.",
			},
		),
		RebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_rebuilds_total",
				Help: "Total index rebuild attempts by status (completed, failed, skipped).",
			},
			[]string{"status"},
		),
		RebuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_rebuild_duration_seconds",
				Help:    "Duration of completed index rebuilds in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),
		IndexTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_tokens",
				Help: "Number of distinct tokens per index field after the last rebuild.",
			},
			[]string{"field"},
		),
	}
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.HistoryRecords,
		m.InsertsTotal,
		m.DeletesTotal,
		m.EvictionsTotal,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.RebuildsTotal,
		m.RebuildDuration,
		m.IndexTokens,
	)
	return m
}

// Handler returns the Prometheus scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
