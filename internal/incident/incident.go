// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package incident correlates threat findings into incidents and drives
// automated and manual response. Repeated findings for the same actor
// and threat type within the correlation window attach to the existing
// open incident instead of opening a new one.
package incident

import (
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/bastion/internal/models"
)

// Status is an incident lifecycle state.
type Status string

const (
	StatusOpen          Status = "open"
	StatusTriaged       Status = "triaged"
	StatusContained     Status = "contained"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Action types executed by playbooks and operators.
const (
	ActionBlockIP            = "block_ip"
	ActionRevokeSession      = "revoke_session"
	ActionRevokeUserSessions = "revoke_user_sessions"
	ActionRequireMFA         = "require_mfa"
	ActionNotify             = "notify"
)

// isContainmentAction reports whether a successful run of the action
// actually contains the threat. Notifications and MFA flags inform or
// harden; only actions that cut the actor's access count.
func isContainmentAction(actionType string) bool {
	switch actionType {
	case ActionBlockIP, ActionRevokeSession, ActionRevokeUserSessions:
		return true
	}
	return false
}

// Action outcomes recorded on the incident.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
	OutcomeSkipped   = "skipped"
)

var (
	// ErrNotFound reports an unknown incident ID.
	ErrNotFound = errors.New("incident not found")

	// ErrTerminal reports an operation on a resolved or false-positive
	// incident.
	ErrTerminal = errors.New("incident is in a terminal state")
)

// validTransitions maps each state to the states it may move to.
// Resolution is always a manual operation; containment is reached as
// soon as one containment action succeeds, automated or manual.
var validTransitions = map[Status][]Status{
	StatusOpen:          {StatusTriaged, StatusContained, StatusResolved, StatusFalsePositive},
	StatusTriaged:       {StatusContained, StatusResolved, StatusFalsePositive},
	StatusContained:     {StatusResolved, StatusFalsePositive},
	StatusResolved:      {},
	StatusFalsePositive: {},
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActionRecord captures one response action run against an incident.
type ActionRecord struct {
	Type       string    `json:"type"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Manual     bool      `json:"manual,omitempty"`
	OperatorID string    `json:"operator_id,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Incident is a correlated group of findings for one actor and threat
// type, with the response actions taken against it. CorrelationID is
// the event ID of the finding that opened the incident, tying every
// subsequent log line and audit record back to the triggering event.
type Incident struct {
	ID            string            `json:"id"`
	Status        Status            `json:"status"`
	ThreatType    models.ThreatType `json:"threat_type"`
	Severity      models.Severity   `json:"severity"`
	MaxScore      float64           `json:"max_score"`
	ActorID       string            `json:"actor_id"`
	SourceIP      string            `json:"source_ip"`
	SessionID     string            `json:"session_id,omitempty"`
	CorrelationID string            `json:"correlation_id"`
	Playbook      string            `json:"playbook,omitempty"`
	FindingCount  int               `json:"finding_count"`
	Description   string            `json:"description,omitempty"`
	Actions       []ActionRecord    `json:"actions,omitempty"`
	Resolution    string            `json:"resolution,omitempty"`
	ResolvedBy    string            `json:"resolved_by,omitempty"`
	OpenedAt      time.Time         `json:"opened_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
}

// transition moves the incident to next, enforcing the lifecycle.
func (i *Incident) transition(next Status, now time.Time) error {
	if i.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, i.Status)
	}
	if !i.Status.CanTransition(next) {
		return fmt.Errorf("invalid transition %s -> %s", i.Status, next)
	}
	i.Status = next
	i.UpdatedAt = now
	if next.Terminal() {
		closed := now
		i.ClosedAt = &closed
	}
	return nil
}

// absorb folds another finding into the incident. Severity only ever
// escalates from new findings; downgrades are a deliberate operator
// action. Reports whether the severity changed.
func (i *Incident) absorb(f *models.Finding, now time.Time) bool {
	i.FindingCount++
	i.UpdatedAt = now
	if f.Score > i.MaxScore {
		i.MaxScore = f.Score
	}
	if f.SessionID != "" && i.SessionID == "" {
		i.SessionID = f.SessionID
	}
	if f.Severity > i.Severity {
		i.Severity = f.Severity
		return true
	}
	return false
}
