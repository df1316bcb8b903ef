/*
Package metrics provides Prometheus instrumentation and health
reporting for the Perch aggregation engine.

# Metrics

State gauges (refreshed by the Collector from registry queries):
  - perch_servers_total{health}
  - perch_sessions_total{status}
  - perch_subscribers_total

Engine counters and histograms (incremented at the call sites):
  - perch_discovery_packets_total{type}
  - perch_servers_removed_total{reason}
  - perch_snapshot_duration_seconds, perch_snapshot_failures_total
  - perch_stream_events_total{kind}, perch_stream_reconnects_total,
    perch_stream_failures_total
  - perch_events_applied_total{type}, perch_events_dropped_total
  - perch_notifications_dropped_total
  - perch_command_duration_seconds{command},
    perch_command_errors_total{command,kind}

All metrics are registered in init; Handler() exposes them for the
monitor command's /metrics endpoint.

# Health

The aggregator's health is computed, not registered: Report derives it
from whether the discovery listener is bound (DiscoveryListening /
DiscoveryFailed / DiscoveryStopped) and from the fleet counts of the
tracked registry (TrackFleet).

	down      discovery cannot listen; the aggregator is blind
	degraded  any discovered server is unhealthy (failed snapshots or
	          a dead event stream), or no registry is tracked yet
	ok        everything reachable; an empty fleet is still ok

HealthHandler (/healthz) serves the report, 503 only when down.
ReadyHandler (/readyz) gates on the engine itself — listener bound and
registry tracked; unhealthy backends never block readiness, reporting
them is the job.

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SnapshotDuration)
*/
package metrics
