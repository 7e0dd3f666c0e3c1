// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/profile"
)

// rareHourShare marks a login hour as unusual when the profile has seen
// less than this fraction of activity in it.
const rareHourShare = 0.02

// behavioralScoreCap keeps behavioral deviation below the critical
// band on its own. Deviation is circumstantial evidence: it escalates
// an incident but should not trigger hard containment without a
// corroborating signal.
const behavioralScoreCap = 0.9

// ProfileSource supplies per-user behavior baselines.
type ProfileSource interface {
	Get(ctx context.Context, userID string) (*profile.Profile, error)
}

// BehavioralDetector scores deviation from a user's learned baseline:
// unusual login hour, geographic displacement from the activity
// centroid, and unknown devices. Users without an established baseline
// are never scored.
type BehavioralDetector struct {
	mu       sync.RWMutex
	config   config.BehavioralConfig
	profiles ProfileSource
	enabled  bool
}

// NewBehavioralDetector creates the detector over a profile source.
func NewBehavioralDetector(cfg config.BehavioralConfig, profiles ProfileSource) *BehavioralDetector {
	return &BehavioralDetector{
		config:   cfg,
		profiles: profiles,
		enabled:  cfg.Enabled,
	}
}

// Name identifies the detector.
func (d *BehavioralDetector) Name() string { return DetectorBehavioral }

// ThreatType is the threat classification this detector scores.
func (d *BehavioralDetector) ThreatType() models.ThreatType { return models.ThreatBehavioral }

// Check scores the event against the actor's baseline. The baseline
// reflects activity before this event: profile updates are applied
// asynchronously after scoring, so an attacker's own actions cannot
// normalize themselves mid-burst.
func (d *BehavioralDetector) Check(ctx context.Context, event *models.SecurityEvent) (*models.Finding, error) {
	if event.ActorID == "" {
		return nil, nil
	}

	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	prof, err := d.profiles.Get(ctx, event.ActorID)
	if err != nil {
		return nil, fmt.Errorf("behavioral: load profile for %s: %w", event.ActorID, err)
	}
	if !prof.Trusted(cfg.MinEvents) {
		return nil, nil
	}

	score := 0.0
	details := map[string]string{
		"detector":       DetectorBehavioral,
		"profile_events": strconv.FormatFloat(prof.EventCount, 'f', 1, 64),
	}

	hour := event.Timestamp.UTC().Hour()
	if share := prof.HourShare(hour); share < rareHourShare {
		score += cfg.HourWeight
		details["unusual_hour"] = strconv.Itoa(hour)
		details["hour_share"] = strconv.FormatFloat(share, 'f', 4, 64)
	}

	if lat, lon, ok := event.Geo(); ok {
		if dist := prof.DistanceFromCentroidKM(lat, lon); dist > cfg.GeoDistanceKM && prof.GeoWeight > 0 {
			score += cfg.GeoWeight
			details["geo_distance_km"] = strconv.FormatFloat(dist, 'f', 0, 64)
		}
	}

	if fp := event.Attr("device_fingerprint"); fp != "" && !prof.KnowsDevice(fp) {
		score += cfg.DeviceWeight
		details["unknown_device"] = "true"
	}

	if score <= 0 {
		return nil, nil
	}
	if score > behavioralScoreCap {
		score = behavioralScoreCap
	}
	return newFinding(event, models.ThreatBehavioral, score, details), nil
}

// Configure replaces the detector configuration.
func (d *BehavioralDetector) Configure(raw json.RawMessage) error {
	var cfg config.BehavioralConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}
	if cfg.MinEvents < 0 || cfg.HourWeight < 0 || cfg.GeoWeight < 0 || cfg.DeviceWeight < 0 || cfg.GeoDistanceKM <= 0 {
		return errInvalidDetectorConfig
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
	d.enabled = cfg.Enabled
	return nil
}

// Enabled reports whether this detector participates in scoring.
func (d *BehavioralDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *BehavioralDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
