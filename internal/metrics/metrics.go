// Package metrics exposes Prometheus collectors for the harvester service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	remoteCallsTotal           *prometheus.CounterVec
	failuresRecordedTotal      *prometheus.CounterVec
	triggerSkipsTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently executing a task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		remoteCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_remote_calls_total",
				Help: "Remote calls made by data source adapters, labeled by operation and result.",
			},
			[]string{"operation", "result"},
		)

		failuresRecordedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_failures_recorded_total",
				Help: "Failure ledger appends, labeled by job type.",
			},
			[]string{"job_type"},
		)

		triggerSkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_trigger_skips_total",
				Help: "Recurring trigger firings dropped because the job was still running.",
			},
			[]string{"job_type"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRemoteCall counts one adapter call.
func ObserveRemoteCall(operation string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	remoteCallsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveFailureRecorded counts one failure ledger append.
func ObserveFailureRecorded(jobType string) {
	Init()
	failuresRecordedTotal.WithLabelValues(jobType).Inc()
}

// ObserveTriggerSkip counts a recurring firing dropped by skip-if-running.
func ObserveTriggerSkip(jobType string) {
	Init()
	triggerSkipsTotal.WithLabelValues(jobType).Inc()
}
