// Package metrics exposes Prometheus collectors for the job queue, the
// dispatcher, and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genqueue_jobs_enqueued_total",
			Help: "Jobs accepted into the queue, by priority.",
		},
		[]string{"priority"},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genqueue_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by outcome.",
		},
		[]string{"status"},
	)

	JobsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "genqueue_jobs_requeued_total",
			Help: "Jobs sent back to the queue for a retry.",
		},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "genqueue_active_jobs",
			Help: "Jobs currently being processed by this dispatcher.",
		},
	)

	JobProcessingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genqueue_job_processing_seconds",
			Help:    "Wall-clock time spent generating content per job.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genqueue_provider_requests_total",
			Help: "Generation calls per provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	ProviderFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genqueue_provider_fallbacks_total",
			Help: "Jobs completed by a provider other than the first choice.",
		},
		[]string{"provider"},
	)

	CircuitOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genqueue_circuit_open",
			Help: "1 while a provider's circuit breaker is open.",
		},
		[]string{"provider"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genqueue_queue_depth",
			Help: "Queued jobs by priority, refreshed by the dashboard poller.",
		},
		[]string{"priority"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genqueue_http_requests_total",
			Help: "HTTP requests by method, endpoint, and status code.",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genqueue_http_request_duration_seconds",
			Help:    "HTTP request latency by method and endpoint.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordEnqueue(priority string) {
	JobsEnqueued.WithLabelValues(priority).Inc()
}

func RecordFinished(status string) {
	JobsFinished.WithLabelValues(status).Inc()
}

func RecordRequeue() {
	JobsRequeued.Inc()
}

func RecordProviderRequest(provider, outcome string) {
	ProviderRequests.WithLabelValues(provider, outcome).Inc()
}

func RecordFallback(provider string) {
	ProviderFallbacks.WithLabelValues(provider).Inc()
}

func SetCircuitOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	CircuitOpen.WithLabelValues(provider).Set(v)
}

func ObserveProcessing(provider string, seconds float64) {
	JobProcessingSeconds.WithLabelValues(provider).Observe(seconds)
}

func SetQueueDepth(priority string, depth int) {
	QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	HTTPDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
