// Package metrics exposes Prometheus collectors for the pipeline service.
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
	pagesFetchedTotal          *prometheus.CounterVec
	pagesBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	smtpProbesTotal            *prometheus.CounterVec
	smtpProbeDurationSeconds   prometheus.Histogram
	mxLookupsTotal             *prometheus.CounterVec
	verificationsTotal         *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	rateLimitWaitSeconds       *prometheus.HistogramVec
	runsTotal                  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadpipe_pages_fetched_total",
				Help: "Total number of pages fetched, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pagesBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadpipe_pages_bytes_total",
				Help: "Total number of body bytes fetched, labeled by domain.",
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadpipe_http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadpipe_http_request_duration_seconds",
				Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		smtpProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadpipe_smtp_probes_total",
				Help: "Total number of SMTP RCPT probes, labeled by result class.",
			},
			[]string{"result"},
		)

		smtpProbeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leadpipe_smtp_probe_duration_seconds",
				Help:    "Histogram of full SMTP probe dialog durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
			},
		)

		mxLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadpipe_mx_lookups_total",
				Help: "Total number of MX resolutions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		verificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadpipe_verifications_total",
				Help: "Total number of verification verdicts, labeled by status and reason.",
			},
			[]string{"status", "reason"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadpipe_jobs_total",
				Help: "Total number of jobs processed, labeled by queue and status.",
			},
			[]string{"queue", "status"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leadpipe_queue_depth",
				Help: "Number of pending jobs per queue.",
			},
			[]string{"queue"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leadpipe_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadpipe_rate_limit_wait_seconds",
				Help:    "Histogram of rate limiter acquire wait durations, labeled by scope.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadpipe_runs_total",
				Help: "Total number of runs reaching a terminal status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a page-fetch outcome and its byte count.
func ObserveFetch(domain, outcome string, bytesFetched int) {
	pagesFetchedTotal.WithLabelValues(outcome).Inc()
	if bytesFetched > 0 {
		pagesBytesTotal.WithLabelValues(domain).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the ops HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbe records an SMTP probe result class and dialog duration.
func ObserveProbe(result string, duration time.Duration) {
	smtpProbesTotal.WithLabelValues(result).Inc()
	smtpProbeDurationSeconds.Observe(duration.Seconds())
}

// ObserveMXLookup increments the MX resolution counter for the outcome.
func ObserveMXLookup(outcome string) {
	mxLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveVerification increments the verdict counter.
func ObserveVerification(status, reason string) {
	verificationsTotal.WithLabelValues(status, reason).Inc()
}

// ObserveJob increments the job counter for the given queue and status.
func ObserveJob(queue, status string) {
	jobsTotal.WithLabelValues(queue, status).Inc()
}

// SetQueueDepth records the pending depth of a queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitWait records the duration spent acquiring limiter slots.
func ObserveRateLimitWait(scope string, duration time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

// ObserveRunFinished increments the terminal-run counter.
func ObserveRunFinished(status string) {
	runsTotal.WithLabelValues(status).Inc()
}
