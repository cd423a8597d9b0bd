package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drydock_runs_total",
			Help: "Number of runs by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drydock_jobs_total",
			Help: "Number of jobs by kind and status",
		},
		[]string{"kind", "status"},
	)

	// Scheduler metrics
	SchedulesClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drydock_schedules_claimed_total",
			Help: "Total number of schedule claims acquired",
		},
	)

	SchedulesDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drydock_schedules_deferred_total",
			Help: "Total number of claims released due to concurrency caps",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drydock_scheduler_tick_seconds",
			Help:    "Duration of one scheduler tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher metrics
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drydock_dispatch_duration_seconds",
			Help:    "Wall time of one job dispatch by task kind",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	DispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_dispatch_failures_total",
			Help: "Failed job dispatches by error kind",
		},
		[]string{"kind"},
	)

	// Host metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drydock_worker_hosts_total",
			Help: "Number of worker hosts by health",
		},
		[]string{"healthy"},
	)

	HostActiveRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drydock_host_active_runs",
			Help: "Active runs per worker host",
		},
		[]string{"host"},
	)

	// Token metrics
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_llm_tokens_total",
			Help: "Token counts ingested from worker telemetry by model and type",
		},
		[]string{"model", "type"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drydock_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(SchedulesClaimed)
	prometheus.MustRegister(SchedulesDeferred)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(DispatchFailures)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(HostActiveRuns)
	prometheus.MustRegister(TokensTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
