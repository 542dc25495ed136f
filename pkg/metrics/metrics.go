// Package metrics defines the Prometheus metric collectors used across the
// telemetry pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	ViewsTrackedTotal    prometheus.Counter
	ViewDurationSeconds  prometheus.Histogram
	SearchesTrackedTotal *prometheus.CounterVec
	FailedSearchesTotal  prometheus.Counter
	ClickAttributions    prometheus.Counter
	TimeToClickMs        prometheus.Histogram
	AbandonmentsTotal    prometheus.Counter
	BatchFlushesTotal    *prometheus.CounterVec
	BatchFlushSize       prometheus.Histogram
	EventsDroppedTotal   *prometheus.CounterVec
	DeliveryErrorsTotal  *prometheus.CounterVec
	SuggestionCacheHits  prometheus.Counter
	SuggestionCacheMiss  prometheus.Counter
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
		ViewsTrackedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "views_tracked_total",
				Help: "Total view events recorded.",
			},
		),
		ViewDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "view_duration_seconds",
				Help:    "Dwell time per finalized view.",
				Buckets: []float64{2, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		SearchesTrackedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searches_tracked_total",
				Help: "Total search events recorded by classification (initial, refined, paginated).",
			},
			[]string{"type"},
		),
		FailedSearchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "failed_searches_total",
				Help: "Total searches classified as failed.",
			},
		),
		ClickAttributions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "click_attributions_total",
				Help: "Total clicks joined back to a stored search event.",
			},
		),
		TimeToClickMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "time_to_click_milliseconds",
				Help:    "Latency between a search settling and the first result click.",
				Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
		),
		AbandonmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_abandonments_total",
				Help: "Total search episodes abandoned without a click.",
			},
		),
		BatchFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_flushes_total",
				Help: "Total batch flush operations by trigger (size, timer, lifecycle) and status.",
			},
			[]string{"trigger", "status"},
		),
		BatchFlushSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batch_flush_size",
				Help:    "Number of records per flushed batch.",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_dropped_total",
				Help: "Total telemetry events dropped by reason.",
			},
			[]string{"reason"},
		),
		DeliveryErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_errors_total",
				Help: "Total failed deliveries to the persistence collaborator by operation.",
			},
			[]string{"operation"},
		),
		SuggestionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "suggestion_cache_hits_total",
				Help: "Total suggestion lookups served from Redis.",
			},
		),
		SuggestionCacheMiss: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "suggestion_cache_misses_total",
				Help: "Total suggestion lookups that fell through to PostgreSQL.",
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ViewsTrackedTotal,
		m.ViewDurationSeconds,
		m.SearchesTrackedTotal,
		m.FailedSearchesTotal,
		m.ClickAttributions,
		m.TimeToClickMs,
		m.AbandonmentsTotal,
		m.BatchFlushesTotal,
		m.BatchFlushSize,
		m.EventsDroppedTotal,
		m.DeliveryErrorsTotal,
		m.SuggestionCacheHits,
		m.SuggestionCacheMiss,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
