// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ViolationsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seb_violations_recorded_total",
			Help: "Violations accepted into the ledger",
		},
		[]string{"type", "counted"},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seb_session_transitions_total",
			Help: "Exam session state transitions",
		},
		[]string{"transition"},
	)

	DetectorFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seb_detector_findings_total",
			Help: "Violations raised by server-side detectors",
		},
		[]string{"detector", "reason"},
	)

	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seb_violation_delivery_retries_total",
			Help: "Retried deliveries of detector violations to the ledger",
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seb_violation_delivery_failures_total",
			Help: "Detector violations dropped after retries ran out",
		},
	)

	ActiveMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seb_active_monitors",
			Help: "Session monitors currently running",
		},
	)

	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seb_websocket_connections",
			Help: "Open websocket connections",
		},
		[]string{"channel"}, // "proctor", "student"
	)

	AuditWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seb_audit_write_errors_total",
			Help: "Audit events that could not be persisted",
		},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seb_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
