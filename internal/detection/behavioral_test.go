// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/profile"
)

type fakeProfiles struct {
	profiles map[string]*profile.Profile
	err      error
}

func (f *fakeProfiles) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.profiles[userID]; ok {
		return p, nil
	}
	return profile.New(userID), nil
}

func behavioralConfig() config.BehavioralConfig {
	return config.BehavioralConfig{
		Enabled:       true,
		MinEvents:     20,
		HourWeight:    0.3,
		GeoWeight:     0.4,
		DeviceWeight:  0.3,
		GeoDistanceKM: 500,
	}
}

// berlinProfile builds a baseline: 25 events at 09:00 UTC from Berlin
// on a single known device.
func berlinProfile(t *testing.T, userID string) *profile.Profile {
	t.Helper()
	p := profile.New(userID)
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		p.Observe(profile.Observation{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			SourceIP:  "192.0.2.10",
			DeviceFP:  "laptop-fp",
			HasGeo:    true,
			Lat:       52.52,
			Lon:       13.405,
		})
	}
	return p
}

func baselineEvent(userID string) *models.SecurityEvent {
	ev := models.NewSecurityEvent(models.EventAuthLogin, userID, "192.0.2.10")
	ev.Timestamp = time.Date(2026, 8, 28, 9, 15, 0, 0, time.UTC)
	ev.SetAttr("device_fingerprint", "laptop-fp")
	ev.SetAttr("geo_lat", "52.52")
	ev.SetAttr("geo_lon", "13.405")
	return ev
}

func TestBehavioralSkipsUntrustedProfiles(t *testing.T) {
	d := NewBehavioralDetector(behavioralConfig(), &fakeProfiles{})

	ev := baselineEvent("newcomer")
	ev.Timestamp = time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC)
	ev.SetAttr("device_fingerprint", "never-seen")

	finding, err := d.Check(context.Background(), ev)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding != nil {
		t.Fatal("untrusted profile must not be scored")
	}
}

func TestBehavioralNormalActivityScoresNothing(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*profile.Profile{
		"alice": berlinProfile(t, "alice"),
	}}
	d := NewBehavioralDetector(behavioralConfig(), profiles)

	finding, err := d.Check(context.Background(), baselineEvent("alice"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding != nil {
		t.Fatalf("baseline activity scored %v", finding.Score)
	}
}

func TestBehavioralDeviationsAddUpAndCap(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*profile.Profile{
		"alice": berlinProfile(t, "alice"),
	}}
	d := NewBehavioralDetector(behavioralConfig(), profiles)
	ctx := context.Background()

	// Unknown device only.
	ev := baselineEvent("alice")
	ev.SetAttr("device_fingerprint", "burner-fp")
	finding, err := d.Check(ctx, ev)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding == nil || finding.Score != 0.3 {
		t.Fatalf("unknown device: got %+v, want score 0.3", finding)
	}
	if finding.Details["unknown_device"] != "true" {
		t.Fatal("missing unknown_device detail")
	}

	// Unusual hour, distant geo, and unknown device together cap at
	// 0.9 rather than summing to 1.0.
	ev = baselineEvent("alice")
	ev.Timestamp = time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC)
	ev.SetAttr("device_fingerprint", "burner-fp")
	ev.SetAttr("geo_lat", "35.68") // Tokyo
	ev.SetAttr("geo_lon", "139.69")
	finding, err = d.Check(ctx, ev)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding == nil {
		t.Fatal("expected finding for full deviation")
	}
	if finding.Score != 0.9 {
		t.Fatalf("Score = %v, want capped 0.9", finding.Score)
	}
	if finding.Details["unusual_hour"] != "3" {
		t.Fatalf("unusual_hour = %q", finding.Details["unusual_hour"])
	}
	dist, err := strconv.ParseFloat(finding.Details["geo_distance_km"], 64)
	if err != nil || dist < 8000 {
		t.Fatalf("geo_distance_km = %q, want ~8900", finding.Details["geo_distance_km"])
	}
}

func TestBehavioralAnonymousEventsSkipped(t *testing.T) {
	d := NewBehavioralDetector(behavioralConfig(), &fakeProfiles{})
	ev := models.NewSecurityEvent(models.EventAPIRequest, "", "192.0.2.10")

	finding, err := d.Check(context.Background(), ev)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if finding != nil {
		t.Fatal("anonymous event must not be scored")
	}
}

func TestBehavioralProfileErrorPropagates(t *testing.T) {
	d := NewBehavioralDetector(behavioralConfig(), &fakeProfiles{err: errors.New("store down")})

	_, err := d.Check(context.Background(), baselineEvent("alice"))
	if err == nil {
		t.Fatal("expected profile load error")
	}
}
