/*
Package metrics provides Prometheus metrics, health checks, and the hourly
aggregation job for the publishing pipeline.

# Core Components

Prometheus Collectors:
  - kapp_assets_total{status}: assets by lifecycle status
  - kapp_publish_attempts_total{outcome} and kapp_publish_duration_seconds
  - kapp_wallets_total / kapp_wallets_in_use / kapp_wallets_unlocked_total
  - kapp_queue_depth{state}, kapp_jobs_enqueued_total,
    kapp_jobs_deduplicated_total
  - kapp_poll_cycle_duration_seconds, kapp_health_sweep_duration_seconds,
    kapp_assets_rescued_total{stage}
  - kapp_api_requests_total{method,status}, kapp_api_request_duration_seconds

Timer:
  - Lightweight helper for timing operations into histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PollCycleDuration)

Health Checker:
  - Component health registry with /healthz, /readyz and liveness handlers.
  - Critical components for readiness: database, redis, workers.

Collector:
  - Samples the asset store, wallet pool, and job queue into gauges every
    15 seconds.

Rollup:
  - Cron job at the top of every hour persisting an aggregate row into the
    metrics_hourly table via the asset store.

# Integration Points

This package integrates with:

  - pkg/worker: attempt outcomes and publish durations
  - pkg/poller, pkg/monitor: cycle timers and rescue counters
  - pkg/api: request metrics, /metrics and /healthz endpoints
  - pkg/assetstore: hourly rollup persistence
*/
package metrics
