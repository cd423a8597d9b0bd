/*
Package metrics provides Prometheus metrics collection and exposition for Drydock.

All metrics are package-level variables registered at init with the default
registry and exposed through promhttp via Handler(). The Collector refreshes
the state gauges (runs by status, hosts by health, per-host active runs) from
the store on a fixed interval; counters and histograms are updated inline by
the scheduler, dispatcher, and API layers.

# Metrics Catalog

State gauges (refreshed by Collector):

drydock_runs_total{status}:
  - Number of runs by status (pending, running, success, failed, partial, cancelled)

drydock_jobs_total{kind, status}:
  - Number of jobs by task kind and status

drydock_worker_hosts_total{healthy}:
  - Number of worker hosts by health

drydock_host_active_runs{host}:
  - Active runs per worker host

Scheduler:

drydock_schedules_claimed_total:
  - Counter of schedule claims acquired

drydock_schedules_deferred_total:
  - Counter of claims released because a concurrency cap was reached

drydock_scheduler_tick_seconds:
  - Histogram of claim-loop tick duration

Dispatcher:

drydock_dispatch_duration_seconds{kind}:
  - Histogram of wall time per job dispatch

drydock_dispatch_failures_total{kind}:
  - Counter of failed dispatches by error kind

Tokens:

drydock_llm_tokens_total{model, type}:
  - Counter of tokens ingested from worker telemetry (type is prompt or completion)

API:

drydock_api_requests_total{method, status}:
  - Counter of API requests

drydock_api_request_duration_seconds{method}:
  - Histogram of API request duration

# Usage

Recording histogram observations with the Timer helper:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.TickDuration)
	timer.ObserveDurationVec(metrics.DispatchDuration, string(job.Kind))

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Health Endpoints

The package also carries the component health registry used by /health,
/ready, and /live. Components register themselves at startup with
RegisterComponent and report state changes with UpdateComponent. Readiness
requires the store, scheduler, and api components to be registered and
healthy.

# Label Discipline

Labels stay cardinality-bounded: statuses, task kinds, and host names. Run
and job identifiers never appear as label values; per-run detail lives in
the store and in structured logs.
*/
package metrics
