// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Integration for Production Observability
// This package provides comprehensive instrumentation for:
// - Event pipeline throughput and latency
// - Detection findings and incident lifecycle
// - Rate limit decisions
// - Store (BadgerDB) health and degraded-mode operation
// - Response action execution

var (
	// Pipeline Metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_processed_total",
			Help: "Total number of security events accepted into the pipeline",
		},
		[]string{"event_type"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_rejected_total",
			Help: "Total number of security events rejected before processing",
		},
		[]string{"reason"}, // "rate_limited", "validation", "parse"
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bastion_pipeline_duration_seconds",
			Help:    "End-to-end event processing duration (ingest to incident decision)",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Detection Metrics
	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_detection_duration_seconds",
			Help:    "Per-detector scoring duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	Findings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_findings_total",
			Help: "Total number of threat findings emitted by detectors",
		},
		[]string{"threat_type", "severity"},
	)

	DetectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_detection_errors_total",
			Help: "Total number of detector evaluation errors",
		},
		[]string{"detector"},
	)

	ProfileUpdatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_profile_updates_dropped_total",
			Help: "Total number of behavior profile updates dropped due to a full queue",
		},
	)

	// Incident Metrics
	IncidentsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_incidents_opened_total",
			Help: "Total number of incidents opened",
		},
		[]string{"threat_type", "severity"},
	)

	IncidentsCorrelated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_incidents_correlated_total",
			Help: "Total number of findings attached to an existing open incident",
		},
	)

	IncidentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_incident_transitions_total",
			Help: "Total number of incident state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	IncidentsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_incidents_open",
			Help: "Current number of incidents not yet resolved or marked false positive",
		},
	)

	// Response Action Metrics
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_actions_executed_total",
			Help: "Total number of response action executions",
		},
		[]string{"action_type", "result"}, // result: "success", "failure", "exhausted"
	)

	ActionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_action_retries_total",
			Help: "Total number of response action retry attempts",
		},
		[]string{"action_type"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_action_duration_seconds",
			Help:    "Response action execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)

	// Rate Limit Metrics
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_rate_limit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"policy", "decision"}, // decision: "allow", "deny", "fail_open", "fail_closed"
	)

	RateLimitBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_rate_limit_blocks_active",
			Help: "Current number of administratively blocked rate limit keys",
		},
	)

	// Session Metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_sessions_active",
			Help: "Current number of active sessions",
		},
	)

	SessionValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_session_validations_total",
			Help: "Total number of session validation checks",
		},
		[]string{"result"}, // "valid", "valid_with_anomalies", "invalid", "expired", "revoked"
	)

	SessionAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_session_anomalies_total",
			Help: "Total number of session anomaly flags raised",
		},
		[]string{"anomaly"}, // "new_ip", "new_device", "ip_churn", "mfa_required"
	)

	SessionEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_session_evictions_total",
			Help: "Total number of sessions evicted by the concurrent-session cap",
		},
	)

	// Store Metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_store_op_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)

	StoreOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_store_op_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"operation", "error_type"}, // error_type: "timeout", "conflict", "breaker_open", "io"
	)

	StoreDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_store_degraded_total",
			Help: "Total number of operations served in degraded (fail-open) mode",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Audit Metrics
	AuditRecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_audit_records_written_total",
			Help: "Total number of audit records persisted",
		},
		[]string{"event_type"},
	)

	AuditRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_audit_records_dropped_total",
			Help: "Total number of audit records dropped due to a full write queue",
		},
	)

	// Ingestion (NATS) Metrics
	IngestMessagesConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_ingest_messages_consumed_total",
			Help: "Total number of messages consumed from the ingest bus",
		},
	)

	IngestMessagesPoisoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_ingest_messages_poisoned_total",
			Help: "Total number of messages routed to the poison queue",
		},
	)

	IngestParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_ingest_parse_failures_total",
			Help: "Total number of ingest messages that failed to deserialize",
		},
	)

	IngestMessagesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_ingest_messages_published_total",
			Help: "Total number of messages published to the ingest bus",
		},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastion_api_active_requests",
			Help: "Current number of active API requests",
		},
	)
)

// RecordEventProcessed records a successfully processed pipeline event.
func RecordEventProcessed(eventType string, pipelineDuration time.Duration) {
	EventsProcessed.WithLabelValues(eventType).Inc()
	PipelineDuration.Observe(pipelineDuration.Seconds())
}

// RecordEventRejected records an event rejected before detection ran.
func RecordEventRejected(reason string) {
	EventsRejected.WithLabelValues(reason).Inc()
}

// RecordDetection records a single detector evaluation.
func RecordDetection(detector string, duration time.Duration, err error) {
	DetectionDuration.WithLabelValues(detector).Observe(duration.Seconds())
	if err != nil {
		DetectionErrors.WithLabelValues(detector).Inc()
	}
}

// RecordFinding records a threat finding emitted by a detector.
func RecordFinding(threatType, severity string) {
	Findings.WithLabelValues(threatType, severity).Inc()
}

// RecordIncidentOpened records a newly opened incident.
func RecordIncidentOpened(threatType, severity string) {
	IncidentsOpened.WithLabelValues(threatType, severity).Inc()
	IncidentsOpen.Inc()
}

// RecordIncidentTransition records an incident state change. Transitions into
// a terminal state decrement the open-incident gauge.
func RecordIncidentTransition(from, to string, terminal bool) {
	IncidentTransitions.WithLabelValues(from, to).Inc()
	if terminal {
		IncidentsOpen.Dec()
	}
}

// RecordAction records a response action execution outcome.
func RecordAction(actionType, result string, duration time.Duration) {
	ActionsExecuted.WithLabelValues(actionType, result).Inc()
	ActionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordActionRetry records a single retry attempt for a response action.
func RecordActionRetry(actionType string) {
	ActionRetries.WithLabelValues(actionType).Inc()
}

// RecordRateLimitDecision records the outcome of a rate limit check.
func RecordRateLimitDecision(policy, decision string) {
	RateLimitDecisions.WithLabelValues(policy, decision).Inc()
}

// RecordSessionValidation records a session validation outcome and any
// anomaly flags raised during the check.
func RecordSessionValidation(result string, anomalies []string) {
	SessionValidations.WithLabelValues(result).Inc()
	for _, a := range anomalies {
		SessionAnomalies.WithLabelValues(a).Inc()
	}
}

// RecordStoreOp records a store operation with its duration and error class.
func RecordStoreOp(operation string, duration time.Duration, err error) {
	StoreOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		StoreOpErrors.WithLabelValues(operation, classifyStoreError(err)).Inc()
	}
}

// RecordStoreDegraded records an operation answered in fail-open mode.
func RecordStoreDegraded() {
	StoreDegraded.Inc()
}

// RecordAuditWrite records a persisted audit record.
func RecordAuditWrite(eventType string) {
	AuditRecordsWritten.WithLabelValues(eventType).Inc()
}

// RecordIngestPublished records a message accepted by the ingest bus.
func RecordIngestPublished() {
	IngestMessagesPublished.Inc()
}

// RecordIngestConsumed records a message delivered to the pipeline handler.
func RecordIngestConsumed() {
	IngestMessagesConsumed.Inc()
}

// RecordIngestPoisoned records a message routed to the poison queue.
func RecordIngestPoisoned() {
	IngestMessagesPoisoned.Inc()
}

// RecordIngestParseFailure records an ingest message that failed to deserialize.
func RecordIngestParseFailure() {
	IngestParseFailures.Inc()
}

// RecordAPIRequest records an API request with status and duration.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// UpdateCircuitBreakerState sets the breaker state gauge and counts the transition.
func UpdateCircuitBreakerState(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

func classifyStoreError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "conflict"):
		return "conflict"
	case strings.Contains(msg, "circuit breaker") || strings.Contains(msg, "too many requests"):
		return "breaker_open"
	default:
		return "io"
	}
}
