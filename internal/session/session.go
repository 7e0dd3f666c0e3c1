// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package session tracks active sessions, their device and network
// signature, and per-user concurrency limits. Validation is deliberately
// permissive: a session with anomalies (new IP, new device, IP churn)
// remains valid and the anomalies flow to the detection engine as
// signals. Rejecting in the hot path would lock out legitimate users on
// changing networks.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Security levels in ascending order of assurance.
const (
	LevelPassword = "password"
	LevelMFA      = "mfa"
)

// Anomaly names reported by Validate.
const (
	AnomalyNewIP       = "new_ip"
	AnomalyNewDevice   = "new_device"
	AnomalyIPChurn     = "ip_churn"
	AnomalyMFARequired = "mfa_required"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned when a session has timed out.
	ErrExpired = errors.New("session expired")
)

// IPObservation is one entry in a session's IP history.
type IPObservation struct {
	IP     string    `json:"ip"`
	SeenAt time.Time `json:"seen_at"`
}

// Session is the tracked state for one authenticated session.
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`

	// UserID is the authenticated user.
	UserID string `json:"user_id"`

	// DeviceFingerprint is the SHA-256 device signature presented at
	// creation. Encrypted at rest when a secrets provider is configured.
	DeviceFingerprint string `json:"device_fingerprint"`

	// IPHistory holds recent IP observations, oldest first, bounded by
	// the configured history limit.
	IPHistory []IPObservation `json:"ip_history"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// SecurityLevel is the assurance level the session authenticated at.
	SecurityLevel string `json:"security_level"`

	// MFARequired is set by incident response; validation reports
	// mfa_required until the session re-authenticates at LevelMFA.
	MFARequired bool `json:"mfa_required,omitempty"`
}

// HasIP reports whether the session has seen this IP before.
func (s *Session) HasIP(ip string) bool {
	for _, obs := range s.IPHistory {
		if obs.IP == ip {
			return true
		}
	}
	return false
}

// RecordIP appends an observation, trimming oldest entries past the cap.
func (s *Session) RecordIP(ip string, now time.Time, limit int) {
	s.IPHistory = append(s.IPHistory, IPObservation{IP: ip, SeenAt: now})
	if limit > 0 && len(s.IPHistory) > limit {
		s.IPHistory = s.IPHistory[len(s.IPHistory)-limit:]
	}
}

// DistinctIPsSince counts distinct IPs observed within the window.
func (s *Session) DistinctIPsSince(cutoff time.Time) int {
	seen := make(map[string]struct{})
	for _, obs := range s.IPHistory {
		if !obs.SeenAt.Before(cutoff) {
			seen[obs.IP] = struct{}{}
		}
	}
	return len(seen)
}

// Validation is the outcome of a session check.
type Validation struct {
	// Valid reports whether the request may proceed. Anomalies do not
	// invalidate a session.
	Valid bool `json:"valid"`

	// Anomalies lists detected deviations for the detection engine.
	Anomalies []string `json:"anomalies,omitempty"`

	// UserID and SecurityLevel of the validated session, when valid.
	UserID        string `json:"user_id,omitempty"`
	SecurityLevel string `json:"security_level,omitempty"`
}

// Fingerprint derives a device fingerprint from client attributes. The
// components are normalized so equivalent clients hash identically.
func Fingerprint(components ...string) string {
	normalized := make([]string, 0, len(components))
	for _, c := range components {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(c)))
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:])
}

// newSessionID generates a cryptographically random session identifier.
func newSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
