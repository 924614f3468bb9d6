// Package metrics provides Prometheus metrics for the refinement service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/promptforge/promptforge/internal/task"
)

var (
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptforge_tasks_submitted_total",
			Help: "Total number of refinement tasks submitted",
		},
	)
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptforge_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"status"},
	)
	IterationsRun = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptforge_iterations_total",
			Help: "Total number of completed generate-and-score iterations",
		},
	)
	IterationScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promptforge_iteration_score",
			Help:    "Score distribution across iterations",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)
	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptforge_gateway_calls_total",
			Help: "Total number of model gateway calls",
		},
		[]string{"op", "outcome"},
	)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptforge_cache_lookups_total",
			Help: "Fingerprint cache lookups by outcome",
		},
		[]string{"outcome"},
	)
	LeasesLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promptforge_leases_lost_total",
			Help: "Total number of leases lost mid-run (stale-writer aborts)",
		},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptforge_task_duration_seconds",
			Help:    "End-to-end refinement duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "promptforge_tasks_by_status",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptforge_queue_depth",
			Help: "Current depth of the work queue",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskSubmitted() {
	TasksSubmitted.Inc()
}

func RecordTaskFinished(status task.Status, duration time.Duration) {
	TasksFinished.WithLabelValues(string(status)).Inc()
	TaskDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func RecordIteration(score float64) {
	IterationsRun.Inc()
	IterationScore.Observe(score)
}

func RecordGatewayCall(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	GatewayCalls.WithLabelValues(op, outcome).Inc()
}

func RecordCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	CacheLookups.WithLabelValues(outcome).Inc()
}

func RecordLeaseLost() {
	LeasesLost.Inc()
}

func UpdateTaskGauges(counts map[task.Status]int) {
	TasksByStatus.Reset()
	for status, count := range counts {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func UpdateQueueDepth(depth int64) {
	QueueDepth.Set(float64(depth))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
