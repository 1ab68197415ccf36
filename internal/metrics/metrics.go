// Package metrics exposes Prometheus collectors for the ranking service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	passesTotal                *prometheus.CounterVec
	passDurationSeconds        prometheus.Histogram
	passRunning                prometheus.Gauge
	categoryResultsTotal       *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	storeRecords               *prometheus.GaugeVec
	snapshotPersistTotal       *prometheus.CounterVec
	capturesTotal              *prometheus.CounterVec
	mailsTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpResponseBytesTotal     *prometheus.CounterVec
	httpRequestsInFlight       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		passesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_passes_total",
				Help: "Total number of crawl passes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		passDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rankwatch_pass_duration_seconds",
				Help:    "Histogram of crawl pass durations.",
				Buckets: []float64{30, 60, 120, 180, 300, 600, 1200},
			},
		)

		passRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rankwatch_pass_running",
				Help: "1 while a crawl pass is in progress.",
			},
		)

		categoryResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_category_results_total",
				Help: "Per-category crawl results, labeled by category and status.",
			},
			[]string{"category", "status"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_fetch_retries_total",
				Help: "Fetch attempts retried after a failure, labeled by category.",
			},
			[]string{"category"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by category.",
			},
			[]string{"category"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankwatch_fetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host fetch limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)

		storeRecords = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rankwatch_store_records",
				Help: "Records held per category history.",
			},
			[]string{"category"},
		)

		snapshotPersistTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_snapshot_persist_total",
				Help: "Snapshot writes, labeled by status.",
			},
			[]string{"status"},
		)

		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_captures_total",
				Help: "Screenshot captures, labeled by status.",
			},
			[]string{"status"},
		)

		mailsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_mails_total",
				Help: "Mails sent, labeled by kind and status.",
			},
			[]string{"kind", "status"},
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		httpResponseBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_response_bytes_total",
				Help: "Response bytes written, labeled by route. Capture downloads dominate.",
			},
			[]string{"route"},
		)

		httpRequestsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "HTTP requests currently being served.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePass records a finished crawl pass.
func ObservePass(outcome string, duration time.Duration) {
	passesTotal.WithLabelValues(outcome).Inc()
	passDurationSeconds.Observe(duration.Seconds())
}

// SetPassRunning flips the running gauge.
func SetPassRunning(running bool) {
	if running {
		passRunning.Set(1)
		return
	}
	passRunning.Set(0)
}

// ObserveCategory records the result of one category within a pass.
func ObserveCategory(category, status string, bytesFetched int) {
	categoryResultsTotal.WithLabelValues(category, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(category).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry counts a retried fetch attempt.
func ObserveFetchRetry(category string) {
	fetchRetriesTotal.WithLabelValues(category).Inc()
}

// ObserveRateLimitDelay records a wait imposed by the fetch limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// SetStoreRecords publishes the history size of a category.
func SetStoreRecords(category string, n int) {
	storeRecords.WithLabelValues(category).Set(float64(n))
}

// ObservePersist counts a snapshot write.
func ObservePersist(err error) {
	snapshotPersistTotal.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveCapture counts a category screenshot.
func ObserveCapture(err error) {
	capturesTotal.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveMail counts a sent (or failed) mail of the given kind.
func ObserveMail(kind string, err error) {
	mailsTotal.WithLabelValues(kind, statusLabel(err)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveHTTPResponseBytes adds n written bytes to route.
func ObserveHTTPResponseBytes(route string, n int64) {
	if n > 0 {
		httpResponseBytesTotal.WithLabelValues(route).Add(float64(n))
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
