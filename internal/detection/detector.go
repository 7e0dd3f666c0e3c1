// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package detection composes rule-based, statistical, and reputation
// detectors into per-event threat findings. Detector scores for the same
// threat type aggregate by maximum, not sum: one strong signal dominates
// and unrelated weak signals cannot escalate each other.
package detection

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/models"
)

// errInvalidDetectorConfig rejects runtime reconfiguration with
// out-of-range values.
var errInvalidDetectorConfig = errors.New("detection: invalid detector configuration")

// Detector names as registered with the engine.
const (
	DetectorBruteForce     = "brute_force"
	DetectorBehavioral     = "behavioral"
	DetectorIPReputation   = "ip_reputation"
	DetectorSessionAnomaly = "session_anomaly"
)

// AttrSessionAnomalies is the event attribute carrying comma-separated
// session anomaly names, set by the pipeline after session validation.
const AttrSessionAnomalies = "session_anomalies"

// Detector is a single detection rule.
type Detector interface {
	// Name identifies the detector in the registry and in metrics.
	Name() string

	// ThreatType is the threat classification this detector scores.
	ThreatType() models.ThreatType

	// Check scores the event. Returns nil when nothing is suspicious.
	Check(ctx context.Context, event *models.SecurityEvent) (*models.Finding, error)

	// Configure updates the detector configuration at runtime.
	Configure(config json.RawMessage) error

	// Enabled reports whether this detector participates in scoring.
	Enabled() bool

	// SetEnabled enables or disables the detector.
	SetEnabled(enabled bool)
}

// newFinding builds a finding for an event with score-derived fields left
// to the engine (severity is assigned after aggregation).
func newFinding(event *models.SecurityEvent, threatType models.ThreatType, score float64, details map[string]string) *models.Finding {
	return &models.Finding{
		ThreatType: threatType,
		Score:      score,
		EventID:    event.EventID,
		ActorID:    event.ActorID,
		SourceIP:   event.SourceIP,
		SessionID:  event.SessionID,
		DetectedAt: time.Now().UTC(),
		Details:    details,
	}
}
