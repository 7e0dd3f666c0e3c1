// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package models

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Event types recognized by the pipeline. Producers may emit additional
// types; detectors simply ignore types they do not handle.
const (
	EventAuthLogin        = "auth.login"
	EventAuthLoginFailed  = "auth.login_failed"
	EventAuthLogout       = "auth.logout"
	EventAuthMFAChallenge = "auth.mfa_challenge"
	EventAuthMFASuccess   = "auth.mfa_success"
	EventAuthMFAFailed    = "auth.mfa_failed"
	EventSessionCreated   = "session.created"
	EventSessionActivity  = "session.activity"
	EventAPIRequest       = "api.request"
	EventPasswordChange   = "account.password_change"
	EventPrivilegeChange  = "account.privilege_change"
)

// SecurityEvent is the unit of work flowing through the pipeline. Every
// event carries a unique EventID which doubles as the correlation ID on
// all log lines and audit records produced while handling it.
type SecurityEvent struct {
	EventID    string            `json:"event_id" validate:"required,uuid4"`
	EventType  string            `json:"event_type" validate:"required,min=1,max=128"`
	Timestamp  time.Time         `json:"timestamp" validate:"required"`
	ActorID    string            `json:"actor_id" validate:"required,min=1,max=256"`
	SourceIP   string            `json:"source_ip" validate:"required,ip"`
	UserAgent  string            `json:"user_agent" validate:"max=1024"`
	SessionID  string            `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewSecurityEvent constructs an event with a fresh UUID and the current time.
func NewSecurityEvent(eventType, actorID, sourceIP string) *SecurityEvent {
	return &SecurityEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		ActorID:   actorID,
		SourceIP:  sourceIP,
	}
}

// Attr returns a named attribute, or "" when absent.
func (e *SecurityEvent) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// SetAttr sets a named attribute, allocating the map on first use.
func (e *SecurityEvent) SetAttr(key, value string) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
}

// Geo returns the event's latitude/longitude attributes when both are
// present and parseable. ok is false otherwise.
func (e *SecurityEvent) Geo() (lat, lon float64, ok bool) {
	latStr, lonStr := e.Attr("geo_lat"), e.Attr("geo_lon")
	if latStr == "" || lonStr == "" {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(latStr, "%f", &lat); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(lonStr, "%f", &lon); err != nil {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

// IsAuthFailure reports whether the event represents a failed
// authentication attempt.
func (e *SecurityEvent) IsAuthFailure() bool {
	return e.EventType == EventAuthLoginFailed || e.EventType == EventAuthMFAFailed
}

// ParsedIP returns the parsed source IP, or nil when malformed.
func (e *SecurityEvent) ParsedIP() net.IP {
	return net.ParseIP(e.SourceIP)
}
