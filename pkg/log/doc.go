/*
Package log provides structured logging for KAPP using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All records include a timestamp and
the service name; pipeline components add asset_id, worker_id, event and
duration fields.

# File Output

When Config.LogDir is set, records are additionally written to rolling
files via lumberjack:

  - kapp.log: all records at the configured level, 14-day retention
  - kapp-error.log: error-and-above only, 30-day retention

Both files are compressed on rotation. Console/stdout output remains
active alongside the files so container deployments keep stdout logs.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		LogDir:     "/var/log/kapp",
	})

Component loggers:

	pollerLog := log.WithComponent("poller")
	pollerLog.Info().Int("enqueued", n).Msg("poll cycle complete")

	assetLog := log.WithAssetID(42)
	assetLog.Error().Err(err).Str("event", "publish_failed").Msg("attempt failed")

# Integration Points

This package integrates with:

  - pkg/worker: per-job logs with asset_id and worker_id
  - pkg/poller, pkg/monitor: cycle logs and sweep warnings
  - pkg/queue: enqueue/dedup decisions
  - pkg/service, pkg/api: ingress request logs
*/
package log
