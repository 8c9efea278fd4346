// Package metrics defines the Prometheus metric collectors used across the
// document store and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the document store.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	QueriesTotal         *prometheus.CounterVec
	QueryLatency         *prometheus.HistogramVec
	QueryResultsCount    *prometheus.HistogramVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	DocsWrittenTotal     *prometheus.CounterVec
	TransactionsTotal    *prometheus.CounterVec
	TransactionLatency   prometheus.Histogram
	ShardDocCount        *prometheus.GaugeVec
	ActiveShards         prometheus.Gauge
	ActiveNodes          prometheus.Gauge
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
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queries_total",
				Help: "Total queries executed by outcome (ok, partial, error, timeout).",
			},
			[]string{"outcome"},
		),
		QueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "query_latency_seconds",
				Help:    "Query execution latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		QueryResultsCount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "query_results_count",
				Help:    "Number of documents returned per query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 500},
			},
			[]string{},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		DocsWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_written_total",
				Help: "Total documents written by operation (put, delete).",
			},
			[]string{"op"},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_total",
				Help: "Total transactions by outcome (committed, aborted, timed_out).",
			},
			[]string{"outcome"},
		),
		TransactionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transaction_latency_seconds",
				Help:    "End-to-end transaction latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		ShardDocCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shard_document_count",
				Help: "Number of documents per shard.",
			},
			[]string{"shard_id"},
		),
		ActiveShards: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_shards",
				Help: "Number of active shards.",
			},
		),
		ActiveNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_nodes",
				Help: "Number of nodes registered with the shard manager.",
			},
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
		m.QueriesTotal,
		m.QueryLatency,
		m.QueryResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DocsWrittenTotal,
		m.TransactionsTotal,
		m.TransactionLatency,
		m.ShardDocCount,
		m.ActiveShards,
		m.ActiveNodes,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
