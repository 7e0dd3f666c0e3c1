// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package models

import (
	"fmt"
	"time"
)

// ThreatType identifies the class of threat a detector looks for.
type ThreatType string

const (
	ThreatBruteForce   ThreatType = "brute_force"
	ThreatBehavioral   ThreatType = "behavioral"
	ThreatIPReputation ThreatType = "ip_reputation"
)

// Severity orders threat findings and incidents. The zero value is
// SeverityNone, meaning a score below the actionable floor.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON serializes severities as their lowercase names.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses a severity from its lowercase name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	str := string(data)
	if len(str) >= 2 && str[0] == '"' && str[len(str)-1] == '"' {
		str = str[1 : len(str)-1]
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity name to its ordered value.
func ParseSeverity(name string) (Severity, error) {
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

// SeverityThresholds maps aggregate scores to severity labels. Thresholds
// are inclusive lower bounds and must be strictly increasing.
type SeverityThresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

// Classify maps a score in [0, 1] to a severity.
func (t SeverityThresholds) Classify(score float64) Severity {
	switch {
	case score >= t.Critical:
		return SeverityCritical
	case score >= t.High:
		return SeverityHigh
	case score >= t.Medium:
		return SeverityMedium
	case score >= t.Low:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// Finding is a scored threat assessment produced by the detection engine
// for a single event. Detector-specific evidence lands in Details.
type Finding struct {
	ThreatType ThreatType        `json:"threat_type"`
	Score      float64           `json:"score"`
	Severity   Severity          `json:"severity"`
	EventID    string            `json:"event_id"`
	ActorID    string            `json:"actor_id"`
	SourceIP   string            `json:"source_ip"`
	SessionID  string            `json:"session_id,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
	Details    map[string]string `json:"details,omitempty"`
}

// Actionable reports whether the finding crosses the actionable floor.
func (f *Finding) Actionable() bool {
	return f.Severity > SeverityNone
}
