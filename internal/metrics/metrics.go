// Package metrics exposes Prometheus collectors for the group monitor.
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

// Outcome labels for applied results.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

var (
	tasksDispatchedTotal       *prometheus.CounterVec
	resultsAppliedTotal        *prometheus.CounterVec
	busyWorkers                prometheus.Gauge
	rateLimitWaitSeconds       *prometheus.HistogramVec
	messagesCollectedTotal     prometheus.Counter
	candidatesTotal            *prometheus.CounterVec
	groupsByState              *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupmonitor_tasks_dispatched_total",
				Help: "Total number of tasks dispatched to workers, labeled by task kind.",
			},
			[]string{"kind"},
		)

		resultsAppliedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupmonitor_results_applied_total",
				Help: "Total number of worker results processed, labeled by result kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		busyWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "groupmonitor_busy_workers",
				Help: "Number of workers with an outstanding task.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "groupmonitor_rate_limit_wait_seconds",
				Help:    "Histogram of platform rate limit back-off durations, labeled by task kind.",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"kind"},
		)

		messagesCollectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "groupmonitor_messages_collected_total",
				Help: "Total number of messages persisted by workers.",
			},
		)

		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "groupmonitor_candidates_total",
				Help: "Total number of candidates offered to pending, labeled by source and whether they were added.",
			},
			[]string{"source", "added"},
		)

		groupsByState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "groupmonitor_groups",
				Help: "Number of groups per lifecycle state as of the last stats read.",
			},
			[]string{"state"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch counts a task handed to a worker.
func ObserveDispatch(kind string) {
	Init()
	tasksDispatchedTotal.WithLabelValues(kind).Inc()
}

// ObserveResult counts a processed result.
func ObserveResult(kind, outcome string) {
	Init()
	resultsAppliedTotal.WithLabelValues(kind, outcome).Inc()
}

// SetBusyWorkers records the number of workers with an outstanding task.
func SetBusyWorkers(n int) {
	Init()
	busyWorkers.Set(float64(n))
}

// ObserveRateLimitWait records a rate limit back-off.
func ObserveRateLimitWait(kind string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// AddMessagesCollected adds n persisted messages.
func AddMessagesCollected(n int) {
	Init()
	if n > 0 {
		messagesCollectedTotal.Add(float64(n))
	}
}

// ObserveCandidate counts a candidate offered by source.
func ObserveCandidate(source string, added bool) {
	Init()
	candidatesTotal.WithLabelValues(source, strconv.FormatBool(added)).Inc()
}

// SetGroupsByState records the per-state group counts.
func SetGroupsByState(counts map[string]int) {
	Init()
	for state, n := range counts {
		groupsByState.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
