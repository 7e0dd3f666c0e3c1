// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package audit provides the tamper-evident audit trail for every decision
// the pipeline takes: rate limit denials, detection findings, incident
// lifecycle transitions, response action executions, and manual operator
// interventions.
//
// Every record carries a CorrelationID equal to the EventID of the
// SecurityEvent that triggered the decision, so the full causal chain for
// one event can be reconstructed with a single query.
package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// EventType categorizes audit records.
type EventType string

const (
	// Rate limiting
	EventTypeRateLimitDenied  EventType = "ratelimit.denied"
	EventTypeRateLimitBlocked EventType = "ratelimit.blocked"
	EventTypeRateLimitReset   EventType = "ratelimit.reset"

	// Detection
	EventTypeDetectionFinding EventType = "detection.finding"
	EventTypeDetectorChanged  EventType = "detection.detector_changed"

	// Incident lifecycle
	EventTypeIncidentOpened        EventType = "incident.opened"
	EventTypeIncidentCorrelated    EventType = "incident.correlated"
	EventTypeIncidentTransition    EventType = "incident.transition"
	EventTypeIncidentResolved      EventType = "incident.resolved"
	EventTypeIncidentFalsePositive EventType = "incident.false_positive"

	// Response actions
	EventTypeActionExecuted  EventType = "incident.action_executed"
	EventTypeActionFailed    EventType = "incident.action_failed"
	EventTypeActionExhausted EventType = "incident.action_exhausted"

	// Sessions
	EventTypeSessionCreated EventType = "session.created"
	EventTypeSessionRevoked EventType = "session.revoked"
	EventTypeSessionEvicted EventType = "session.evicted"
	EventTypeSessionAnomaly EventType = "session.anomaly"

	// Administration
	EventTypeAdminAction EventType = "admin.action"
)

// Severity indicates the severity level of an audit record.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome indicates whether an action succeeded or failed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record represents a single audit trail entry.
type Record struct {
	// ID is a unique identifier for this record.
	ID string `json:"id"`

	// Timestamp when the record was created.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the record.
	Type EventType `json:"type"`

	// Severity of the record.
	Severity Severity `json:"severity"`

	// Outcome indicates success or failure.
	Outcome Outcome `json:"outcome"`

	// Actor who performed or triggered the action. For automated
	// decisions this is the pipeline component; for manual operations
	// the operator.
	Actor Actor `json:"actor"`

	// Target of the action (optional): an incident, session, or key.
	Target *Target `json:"target,omitempty"`

	// Action describes what was done.
	Action string `json:"action"`

	// Description provides human-readable details.
	Description string `json:"description"`

	// Metadata contains record-specific details.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// CorrelationID is the EventID of the SecurityEvent that led to this
	// record. Manual operations without a triggering event leave it empty.
	CorrelationID string `json:"correlation_id,omitempty"`

	// RequestID from the originating HTTP request, if any.
	RequestID string `json:"request_id,omitempty"`
}

// Actor represents who performed an action.
type Actor struct {
	// ID is the unique identifier (user ID, operator ID, component name).
	ID string `json:"id"`

	// Type of actor (user, operator, system).
	Type string `json:"type"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty"`
}

// Target represents the object of an action.
type Target struct {
	// ID of the target resource.
	ID string `json:"id"`

	// Type of target (incident, session, ratelimit_key, detector).
	Type string `json:"type"`
}

// Store defines the interface for audit record persistence.
type Store interface {
	// Save persists an audit record.
	Save(ctx context.Context, rec *Record) error

	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// Query retrieves records matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter QueryFilter) (int64, error)
}

// QueryFilter defines filtering options for audit queries.
type QueryFilter struct {
	// Types filters by record types.
	Types []EventType `json:"types,omitempty"`

	// ActorID filters by actor ID.
	ActorID string `json:"actor_id,omitempty"`

	// CorrelationID filters by the triggering event's ID.
	CorrelationID string `json:"correlation_id,omitempty"`

	// StartTime is the beginning of the time range.
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime is the end of the time range.
	EndTime *time.Time `json:"end_time,omitempty"`

	// Limit is the maximum number of results.
	Limit int `json:"limit,omitempty"`

	// Offset for pagination.
	Offset int `json:"offset,omitempty"`
}

// DefaultQueryFilter returns a sensible default filter.
func DefaultQueryFilter() QueryFilter {
	return QueryFilter{Limit: 100}
}

// SystemActor returns an Actor representing an automated pipeline component.
func SystemActor(component string) Actor {
	return Actor{
		ID:   component,
		Type: "system",
		Name: "Bastion",
	}
}

// OperatorActor returns an Actor representing a human operator.
func OperatorActor(operatorID string) Actor {
	return Actor{
		ID:   operatorID,
		Type: "operator",
	}
}
