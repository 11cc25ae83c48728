// Package metrics provides Prometheus metrics for strmsync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mirror writes
	filesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_files_processed_total",
			Help: "Remote files handled, by class and result",
		},
		[]string{"class", "result"},
	)

	// Scans
	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_scans_total",
			Help: "Full scans run",
		},
		[]string{"status"},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strmsync_scan_duration_seconds",
			Help:    "Full scan duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	scanNewFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strmsync_scan_new_files",
			Help: "New remote files found by the last full scan",
		},
	)

	fetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_fetch_failures_total",
			Help: "Tree exports that could not be fetched, by mount",
		},
		[]string{"mount"},
	)

	fetchCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_fetch_cache_total",
			Help: "Tree export cache lookups, by result",
		},
		[]string{"result"},
	)

	// Index
	indexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strmsync_index_paths",
			Help: "Remote paths recorded in the path index",
		},
	)

	indexFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_index_flushes_total",
			Help: "Index flushes that wrote to the store",
		},
		[]string{"status"},
	)

	// Single-file events
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_events_total",
			Help: "Single-file sync requests, by origin and result",
		},
		[]string{"origin", "result"},
	)

	// HTTP API
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strmsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strmsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strmsync_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFile records the outcome for one remote file.
func RecordFile(class string, success bool) {
	filesProcessedTotal.WithLabelValues(class, result(success)).Inc()
}

// RecordScan records a finished full scan.
func RecordScan(duration time.Duration, newFiles int, success bool) {
	scansTotal.WithLabelValues(result(success)).Inc()
	scanDuration.Observe(duration.Seconds())
	scanNewFiles.Set(float64(newFiles))
}

// RecordFetchFailure records a tree export that could not be fetched.
func RecordFetchFailure(mount string) {
	fetchFailuresTotal.WithLabelValues(mount).Inc()
}

// RecordFetchCache records a tree export cache lookup.
func RecordFetchCache(hit bool) {
	if hit {
		fetchCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	fetchCacheTotal.WithLabelValues("miss").Inc()
}

// SetIndexSize sets the current number of indexed paths.
func SetIndexSize(n int) {
	indexSize.Set(float64(n))
}

// RecordFlush records an index flush that reached the store.
func RecordFlush(success bool) {
	indexFlushesTotal.WithLabelValues(result(success)).Inc()
}

// RecordEvent records a single-file sync request.
func RecordEvent(origin string, success bool) {
	eventsTotal.WithLabelValues(origin, result(success)).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
