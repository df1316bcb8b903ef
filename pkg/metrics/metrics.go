package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Aggregate state metrics
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perch_servers_total",
			Help: "Discovered backend servers by health",
		},
		[]string{"health"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perch_sessions_total",
			Help: "Known sessions by status",
		},
		[]string{"status"},
	)

	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perch_subscribers_total",
			Help: "Active change-notification subscribers",
		},
	)

	// Discovery metrics
	DiscoveryPacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perch_discovery_packets_total",
			Help: "Discovery datagrams received by type (announce, shutdown, invalid)",
		},
		[]string{"type"},
	)

	ServersRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perch_servers_removed_total",
			Help: "Servers removed by reason (shutdown, stale)",
		},
		[]string{"reason"},
	)

	// Snapshot reconciliation metrics
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perch_snapshot_duration_seconds",
			Help:    "Time taken to fetch and absorb one server snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perch_snapshot_failures_total",
			Help: "Snapshot fetches that failed",
		},
	)

	// Event stream metrics
	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perch_stream_events_total",
			Help: "Decoded event-stream events by kind",
		},
		[]string{"kind"},
	)

	StreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perch_stream_reconnects_total",
			Help: "Event-stream reconnection attempts",
		},
	)

	StreamFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perch_stream_failures_total",
			Help: "Event-stream supervisors that exhausted their attempt budget",
		},
	)

	// Registry metrics
	EventsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perch_events_applied_total",
			Help: "Updates applied to the registry by type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perch_events_dropped_total",
			Help: "Updates dropped because their session or server was unknown",
		},
	)

	NotificationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perch_notifications_dropped_total",
			Help: "Change notifications dropped on slow subscriber channels",
		},
	)

	// Command metrics
	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perch_command_duration_seconds",
			Help:    "Command duration in seconds by command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	CommandErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perch_command_errors_total",
			Help: "Failed commands by command and error kind",
		},
		[]string{"command", "kind"},
	)
)

func init() {
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(SubscribersTotal)
	prometheus.MustRegister(DiscoveryPacketsTotal)
	prometheus.MustRegister(ServersRemovedTotal)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(SnapshotFailuresTotal)
	prometheus.MustRegister(StreamEventsTotal)
	prometheus.MustRegister(StreamReconnectsTotal)
	prometheus.MustRegister(StreamFailuresTotal)
	prometheus.MustRegister(EventsAppliedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(NotificationsDroppedTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(CommandErrorsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
