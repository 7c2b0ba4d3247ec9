/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autojoin"

// Scheduling pass metrics
var (
	SchedulerPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "passes_total",
		Help:      "Scheduling passes by outcome.",
	}, []string{"trigger", "result"})

	SchedulerPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one scheduling pass.",
		Buckets:   prometheus.DefBuckets,
	})

	SchedulerTriggersCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "triggers_coalesced_total",
		Help:      "Pass requests folded into an already pending pass.",
	})

	SchedulerEventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "events_skipped_total",
		Help:      "Fetched events that produced no open alarm, by reason.",
	}, []string{"reason"})

	SchedulerMeetingsScheduled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "meetings_scheduled",
		Help:      "Entries in the current meeting snapshot.",
	})

	SchedulerLastPassTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful pass.",
	})
)

// Alarm and tab metrics
var (
	AlarmReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alarms",
		Name:      "reconcile_total",
		Help:      "Open alarms added, cancelled or kept during reconciliation.",
	}, []string{"action"})

	AlarmsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alarms",
		Name:      "fired_total",
		Help:      "Alarms fired, by kind and result.",
	}, []string{"kind", "result"})

	AlarmsPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "alarms",
		Name:      "pending",
		Help:      "Pending alarms by kind.",
	}, []string{"kind"})

	TabOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tabs",
		Name:      "operations_total",
		Help:      "Browser tab operations by result.",
	}, []string{"operation", "result"})
)

// Calendar metrics
var (
	CalendarRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "calendar",
		Name:      "request_duration_seconds",
		Help:      "Calendar list requests by result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	CalendarEventsFetched = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "calendar",
		Name:      "events_fetched",
		Help:      "Events returned by the most recent scheduling fetch.",
	})
)

// Event bus metrics
var (
	EventBusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "publish_total",
		Help:      "Events published to the distributed bus by backend and result.",
	}, []string{"backend", "result"})
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Control API requests.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Control API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "active_connections",
		Help:      "In-flight control API requests.",
	})

	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "websocket_connections",
		Help:      "Open event stream connections.",
	})
)

// Database metrics
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "query_duration_seconds",
		Help:      "Store query latency.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "errors_total",
		Help:      "Store query errors.",
	}, []string{"operation", "error_type"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "connections_active",
		Help:      "Open store connections.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
