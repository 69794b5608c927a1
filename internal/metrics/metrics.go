// Package metrics exposes Prometheus collectors for the extractor service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	schemaGenerationsTotal     *prometheus.CounterVec
	llmCallsTotal              *prometheus.CounterVec
	progressEventsTotal        *prometheus.CounterVec
	batchesInFlight            prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_pages_fetched_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_fetch_retries_total",
				Help: "Total number of fetch retries after transient failures, labeled by site.",
			},
			[]string{"site"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_records_total",
				Help: "Total number of extraction attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		schemaGenerationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_schema_generations_total",
				Help: "Total number of site schema inferences, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		llmCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_llm_calls_total",
				Help: "Total number of language model calls, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		progressEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_progress_events_total",
				Help: "Total number of batch progress events, labeled by type.",
			},
			[]string{"type"},
		)

		batchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extractor_batches_in_flight",
				Help: "Number of batch scrapes currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extractor_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "extractor_robots_fallback_total",
				Help: "Total robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts a fetched page and its size.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesFetchedTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry counts a retry after a transient failure.
func ObserveFetchRetry(site string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRecord counts an extraction outcome ("ok", "empty", "error").
func ObserveRecord(strategy, outcome string) {
	Init()
	recordsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveSchemaGeneration counts a schema inference ("ok", "error").
func ObserveSchemaGeneration(outcome string) {
	Init()
	schemaGenerationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLLMCall counts a generation or embedding call.
func ObserveLLMCall(op, outcome string) {
	Init()
	llmCallsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveProgressEvent counts a batch progress event.
func ObserveProgressEvent(eventType string) {
	Init()
	progressEventsTotal.WithLabelValues(eventType).Inc()
}

// IncBatchesInFlight increments the in-flight batch gauge.
func IncBatchesInFlight() {
	Init()
	batchesInFlight.Inc()
}

// DecBatchesInFlight decrements the in-flight batch gauge.
func DecBatchesInFlight() {
	Init()
	batchesInFlight.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
