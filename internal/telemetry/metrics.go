/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SilenceTriggersTotal counts silence triggers that fired.
	SilenceTriggersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidar_silence_triggers_total",
		Help: "Silence triggers that fired and advanced playback.",
	})

	// SilenceTriggersSuppressed counts triggers suppressed by the AFK gate.
	SilenceTriggersSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidar_silence_triggers_suppressed_total",
		Help: "Silence triggers suppressed because the AFK gate was active.",
	})

	// SkipsTotal counts user-initiated skips and jumps.
	SkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidar_skips_total",
		Help: "User-initiated skip and jump requests applied.",
	})

	// WatchSecondsTotal accumulates persisted watch time.
	WatchSecondsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidar_watch_seconds_total",
		Help: "Watched seconds persisted to the progress ledger.",
	})

	// AudioLevel is the current decayed audio display level.
	AudioLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidar_audio_level",
		Help: "Decayed audio display level from the silence monitor.",
	})

	// OrchestratorState is the current state machine state as an ordinal.
	OrchestratorState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidar_orchestrator_state",
		Help: "Orchestrator state: 0 idle, 1 starting, 2 monitoring, 3 paused, 4 afk_paused, 5 stopping.",
	})

	// QueueLength is the current queue size.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidar_queue_length",
		Help: "Items in the active play queue.",
	})

	// QueueIndex is the current queue position.
	QueueIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidar_queue_index",
		Help: "Current position in the active play queue.",
	})

	// AfkActive is 1 while the AFK gate is active.
	AfkActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidar_afk_active",
		Help: "Whether the AFK gate is active.",
	})

	// APIRequestsTotal counts control API requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidar_api_requests_total",
		Help: "Control API requests by method, endpoint, and status.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes control API latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidar_api_request_duration_seconds",
		Help:    "Control API request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight API requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidar_api_active_connections",
		Help: "In-flight control API requests.",
	})

	// DatabaseQueryDuration observes gorm operation latency.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidar_db_query_duration_seconds",
		Help:    "Database operation duration by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed gorm operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidar_db_errors_total",
		Help: "Database operation errors by operation and kind.",
	}, []string{"operation", "kind"})

	// DatabaseConnectionsActive gauges open connections in the pool.
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidar_db_connections_active",
		Help: "Open database connections.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
