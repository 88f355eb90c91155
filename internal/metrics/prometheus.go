// Package metrics provides Prometheus exporters for application metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the badge engine and the realtime layer.
var (
	// Badge engine.
	BadgesAwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badges_awarded_total",
			Help: "Total number of badges awarded",
		},
		[]string{"badge_code", "rule_type"},
	)

	BadgeEvaluationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_evaluation_errors_total",
			Help: "Total badge evaluation failures by reason",
		},
		[]string{"reason"},
	)

	ActiveBadgeHolders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_badge_holders",
			Help: "Current number of users holding each badge",
		},
		[]string{"badge_code"},
	)

	BadgeBatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_batch_runs_total",
			Help: "Total batch badge sweeps by outcome",
		},
		[]string{"status"},
	)

	BadgeBatchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "badge_batch_duration_seconds",
			Help:    "Time taken to sweep all users for badges",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
		},
	)

	BadgeBatchLastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "badge_batch_last_run_timestamp",
			Help: "Unix timestamp of the last batch badge sweep",
		},
	)

	// Realtime layer.
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Current number of registered realtime sessions",
		},
	)

	RealtimeActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_active_users",
			Help: "Current number of distinct authenticated users online",
		},
	)

	RealtimeRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_rooms",
			Help: "Current number of rooms with at least one member",
		},
	)

	RealtimeEventsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_enqueued_total",
			Help: "Total events queued for room delivery",
		},
		[]string{"type", "priority"},
	)

	RealtimeEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Total events dropped before delivery",
		},
		[]string{"reason"},
	)

	RealtimeEventsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Total events handed to session send buffers",
		},
		[]string{"type"},
	)

	RealtimeSessionsSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_sessions_swept_total",
			Help: "Total sessions removed by the stale sweeper",
		},
		[]string{"reason"},
	)

	RealtimeMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_process_memory_bytes",
			Help: "Resident memory of the process at the last metrics snapshot",
		},
	)
)

// RecordBadgeAwarded records a badge award event.
func RecordBadgeAwarded(badgeCode, ruleType string) {
	BadgesAwardedTotal.WithLabelValues(badgeCode, ruleType).Inc()
}

// RecordBadgeEvaluationError records a failed badge evaluation.
func RecordBadgeEvaluationError(reason string) {
	BadgeEvaluationErrorsTotal.WithLabelValues(reason).Inc()
}

// SetActiveBadgeHolders sets the number of holders for a badge.
func SetActiveBadgeHolders(badgeCode string, count int) {
	ActiveBadgeHolders.WithLabelValues(badgeCode).Set(float64(count))
}

// RecordBadgeBatchRun records a batch sweep outcome and its duration.
func RecordBadgeBatchRun(status string, seconds float64) {
	BadgeBatchRunsTotal.WithLabelValues(status).Inc()
	BadgeBatchDurationSeconds.Observe(seconds)
	BadgeBatchLastRunTimestamp.SetToCurrentTime()
}

// SetRealtimeGauges publishes the registry counters.
func SetRealtimeGauges(connections, activeUsers, rooms int) {
	RealtimeConnections.Set(float64(connections))
	RealtimeActiveUsers.Set(float64(activeUsers))
	RealtimeRooms.Set(float64(rooms))
}

// RecordEventEnqueued records an event entering a room queue.
func RecordEventEnqueued(eventType string, urgent bool) {
	priority := "normal"
	if urgent {
		priority = "urgent"
	}
	RealtimeEventsEnqueuedTotal.WithLabelValues(eventType, priority).Inc()
}

// RecordEventDropped records an event lost before delivery.
func RecordEventDropped(reason string) {
	RealtimeEventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordEventDelivered records an event handed to a session.
func RecordEventDelivered(eventType string) {
	RealtimeEventsDeliveredTotal.WithLabelValues(eventType).Inc()
}

// RecordSessionsSwept records sessions removed by the sweeper.
func RecordSessionsSwept(reason string, count int) {
	RealtimeSessionsSweptTotal.WithLabelValues(reason).Add(float64(count))
}

// SetMemoryBytes sets the resident memory gauge.
func SetMemoryBytes(bytes uint64) {
	RealtimeMemoryBytes.Set(float64(bytes))
}
