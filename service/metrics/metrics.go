package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Upstream (indexer / RPC) Metrics
	upstreamCallsTotal    *prometheus.CounterVec
	upstreamCallDuration  *prometheus.HistogramVec
	upstreamRateLimitHits *prometheus.CounterVec
	upstreamRetries       *prometheus.CounterVec

	// Pagination Metrics
	pagesLoadedTotal         *prometheus.CounterVec
	pageFetchFailuresTotal   *prometheus.CounterVec
	transactionsKeptTotal    *prometheus.CounterVec
	transactionsSkippedTotal *prometheus.CounterVec
	activeSessions           prometheus.Gauge

	// Metadata Metrics
	metadataLookupsTotal   *prometheus.CounterVec
	metadataCacheHitsTotal prometheus.Counter

	// Search Metrics
	searchesTotal   *prometheus.CounterVec
	searchMatchSize prometheus.Histogram

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		upstreamCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_calls_total",
				Help: "Total number of indexer and RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		upstreamCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_call_duration_seconds",
				Help:    "Duration of indexer and RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		upstreamRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_rate_limit_hits_total",
				Help: "Total number of upstream rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		upstreamRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_retries_total",
				Help: "Total number of upstream retry attempts",
			},
			[]string{"method", "reason"},
		),

		pagesLoadedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pages_loaded_total",
				Help: "Total number of transaction pages loaded, by outcome",
			},
			[]string{"outcome"},
		),
		pageFetchFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "page_fetch_failures_total",
				Help: "Total number of page fetches that stopped pagination",
			},
			[]string{"fetcher"},
		),
		transactionsKeptTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_kept_total",
				Help: "Total number of transactions appended to a session log",
			},
			[]string{"type"},
		),
		transactionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_skipped_total",
				Help: "Total number of fetched transactions left out of a session log",
			},
			[]string{"reason"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_sessions",
				Help: "Number of accounts with a live transaction session",
			},
		),

		metadataLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadata_lookups_total",
				Help: "Total number of token metadata lookups issued, by status",
			},
			[]string{"status"},
		),
		metadataCacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "metadata_cache_hits_total",
				Help: "Total number of metadata resolutions served from cache",
			},
		),

		searchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searches_total",
				Help: "Total number of searches, by query mode",
			},
			[]string{"mode"},
		),
		searchMatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_match_size",
				Help:    "Number of transactions returned by a search",
				Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
			},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Upstream metric helpers

// RecordUpstreamCall records an indexer or RPC call with duration.
func (m *Metrics) RecordUpstreamCall(method, status, endpoint string, duration float64) {
	m.upstreamCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.upstreamCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.upstreamRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordUpstreamRetry records a retry attempt.
func (m *Metrics) RecordUpstreamRetry(method, reason string) {
	m.upstreamRetries.WithLabelValues(method, reason).Inc()
}

// Pagination metric helpers

// RecordPageLoaded records a completed page load. Outcome is "appended" or "exhausted".
func (m *Metrics) RecordPageLoaded(outcome string) {
	m.pagesLoadedTotal.WithLabelValues(outcome).Inc()
}

// RecordPageFetchFailure records a page fetch that failed.
func (m *Metrics) RecordPageFetchFailure(fetcher string) {
	m.pageFetchFailuresTotal.WithLabelValues(fetcher).Inc()
}

// RecordTransactionKept records a transaction appended to a log.
func (m *Metrics) RecordTransactionKept(txType string) {
	m.transactionsKeptTotal.WithLabelValues(txType).Inc()
}

// RecordTransactionsSkipped records transactions left out of a log.
func (m *Metrics) RecordTransactionsSkipped(reason string, count int) {
	m.transactionsSkippedTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordSessionChange records a change in the number of live sessions.
func (m *Metrics) RecordSessionChange(delta float64) {
	m.activeSessions.Add(delta)
}

// Metadata metric helpers

// RecordMetadataLookup records an issued metadata lookup.
func (m *Metrics) RecordMetadataLookup(status string) {
	m.metadataLookupsTotal.WithLabelValues(status).Inc()
}

// RecordMetadataCacheHit records a resolution answered from cache.
func (m *Metrics) RecordMetadataCacheHit() {
	m.metadataCacheHitsTotal.Inc()
}

// Search metric helpers

// RecordSearch records a search and the size of its result.
func (m *Metrics) RecordSearch(mode string, matches int) {
	m.searchesTotal.WithLabelValues(mode).Inc()
	m.searchMatchSize.Observe(float64(matches))
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
