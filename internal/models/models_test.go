// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestNewSecurityEvent(t *testing.T) {
	e := NewSecurityEvent(EventAuthLogin, "user-1", "203.0.113.5")

	if e.EventID == "" {
		t.Error("EventID should be generated")
	}
	if e.EventType != EventAuthLogin {
		t.Errorf("EventType = %q", e.EventType)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if e.Timestamp.Location() != time.UTC {
		t.Error("Timestamp should be UTC")
	}
}

func TestEventAttributes(t *testing.T) {
	e := NewSecurityEvent(EventAPIRequest, "user-1", "203.0.113.5")

	if got := e.Attr("missing"); got != "" {
		t.Errorf("Attr on nil map = %q, want empty", got)
	}

	e.SetAttr("endpoint", "/api/v1/things")
	if got := e.Attr("endpoint"); got != "/api/v1/things" {
		t.Errorf("Attr = %q", got)
	}
}

func TestEventGeo(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon string
		wantOK   bool
	}{
		{"valid", "52.52", "13.405", true},
		{"missing lon", "52.52", "", false},
		{"garbage", "north", "east", false},
		{"out of range lat", "95.0", "13.405", false},
		{"out of range lon", "52.52", "200.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewSecurityEvent(EventAuthLogin, "u", "203.0.113.5")
			if tt.lat != "" {
				e.SetAttr("geo_lat", tt.lat)
			}
			if tt.lon != "" {
				e.SetAttr("geo_lon", tt.lon)
			}
			_, _, ok := e.Geo()
			if ok != tt.wantOK {
				t.Errorf("Geo() ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestIsAuthFailure(t *testing.T) {
	e := NewSecurityEvent(EventAuthLoginFailed, "u", "203.0.113.5")
	if !e.IsAuthFailure() {
		t.Error("login_failed should be an auth failure")
	}
	e.EventType = EventAuthLogin
	if e.IsAuthFailure() {
		t.Error("login should not be an auth failure")
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityNone < SeverityLow && SeverityLow < SeverityMedium &&
		SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Error("severity values must be strictly ordered")
	}
}

func TestParseSeverity(t *testing.T) {
	for _, name := range []string{"none", "low", "medium", "high", "critical"} {
		sev, err := ParseSeverity(name)
		if err != nil {
			t.Errorf("ParseSeverity(%q): %v", name, err)
		}
		if sev.String() != name {
			t.Errorf("round trip %q -> %q", name, sev.String())
		}
	}

	if _, err := ParseSeverity("extreme"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestSeverityJSON(t *testing.T) {
	f := Finding{
		ThreatType: ThreatBruteForce,
		Score:      0.9,
		Severity:   SeverityHigh,
	}

	data, err := json.Marshal(&f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Finding
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Severity != SeverityHigh {
		t.Errorf("Severity = %v, want high", decoded.Severity)
	}
}

func TestSeverityThresholdsClassify(t *testing.T) {
	th := SeverityThresholds{Low: 0.4, Medium: 0.6, High: 0.8, Critical: 0.95}

	tests := []struct {
		score float64
		want  Severity
	}{
		{0.0, SeverityNone},
		{0.39, SeverityNone},
		{0.4, SeverityLow},
		{0.59, SeverityLow},
		{0.6, SeverityMedium},
		{0.8, SeverityHigh},
		{0.95, SeverityCritical},
		{1.0, SeverityCritical},
	}

	for _, tt := range tests {
		if got := th.Classify(tt.score); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestFindingActionable(t *testing.T) {
	f := Finding{Severity: SeverityNone}
	if f.Actionable() {
		t.Error("severity none should not be actionable")
	}
	f.Severity = SeverityLow
	if !f.Actionable() {
		t.Error("severity low should be actionable")
	}
}
