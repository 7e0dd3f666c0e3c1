// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

/*
Package metrics provides Prometheus metrics collection and export for observability.

This package instruments the security pipeline end to end, exposing metrics for
throughput, detection latency, incident lifecycle, response actions, rate limit
decisions, and store health.

# Metrics Endpoint

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:8080/metrics

# Available Metrics

Pipeline:
  - bastion_events_processed_total: Events accepted into the pipeline (counter)
    Labels: event_type
  - bastion_events_rejected_total: Events rejected before processing (counter)
    Labels: reason (rate_limited, validation, parse)
  - bastion_pipeline_duration_seconds: Ingest-to-decision latency (histogram)

Detection:
  - bastion_detection_duration_seconds: Per-detector scoring time (histogram)
    Labels: detector
  - bastion_findings_total: Threat findings emitted (counter)
    Labels: threat_type, severity
  - bastion_detection_errors_total: Detector evaluation errors (counter)
    Labels: detector

Incidents:
  - bastion_incidents_opened_total: Incidents opened (counter)
    Labels: threat_type, severity
  - bastion_incidents_correlated_total: Findings attached to open incidents (counter)
  - bastion_incident_transitions_total: State transitions (counter)
    Labels: from_state, to_state
  - bastion_incidents_open: Incidents not yet closed (gauge)

Response actions:
  - bastion_actions_executed_total: Action outcomes (counter)
    Labels: action_type, result (success, failure, exhausted)
  - bastion_action_retries_total: Retry attempts (counter)
    Labels: action_type

Rate limiting:
  - bastion_rate_limit_decisions_total: Check outcomes (counter)
    Labels: policy, decision (allow, deny, fail_open, fail_closed)

Store:
  - bastion_store_op_duration_seconds: Store operation latency (histogram)
    Labels: operation
  - bastion_store_degraded_total: Operations served in fail-open mode (counter)
  - bastion_circuit_breaker_state: Breaker state per store (gauge)
    Values: 0=closed, 1=half-open, 2=open

# Thread Safety

All metric recording functions are thread-safe and designed for concurrent use
from multiple goroutines. The Prometheus client library handles synchronization
internally.

# Cardinality Management

To prevent high cardinality issues:

  - Endpoint labels use chi route patterns, not raw paths
  - Error types are limited to predefined constants
  - Actor and IP labels are never used on any metric

# See Also

  - internal/middleware: HTTP middleware with metrics integration
  - internal/detection: Detection engine instrumentation
  - https://prometheus.io/docs/practices/naming/: Metric naming conventions
*/
package metrics
