// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"context"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/models"
)

// counter sizing for the per-identifier failure windows
const (
	bruteForceBuckets = 10
	bruteForceMaxKeys = 100_000
)

// BruteForceDetector counts authentication failures per actor and per
// source IP over a rolling window. It fires deterministically at the
// threshold with score 1.0: low false-positive, suitable for hard
// containment playbooks.
type BruteForceDetector struct {
	mu      sync.RWMutex
	config  config.BruteForceConfig
	windows *counterStore
	enabled bool
}

// NewBruteForceDetector creates the detector with its failure windows.
func NewBruteForceDetector(cfg config.BruteForceConfig) *BruteForceDetector {
	return &BruteForceDetector{
		config:  cfg,
		windows: newCounterStore(cfg.Window, bruteForceBuckets, bruteForceMaxKeys),
		enabled: cfg.Enabled,
	}
}

// Name identifies the detector.
func (d *BruteForceDetector) Name() string { return DetectorBruteForce }

// ThreatType is the threat classification this detector scores.
func (d *BruteForceDetector) ThreatType() models.ThreatType { return models.ThreatBruteForce }

// Check records an authentication failure and fires when either the
// actor or the source IP reaches the threshold within the window.
func (d *BruteForceDetector) Check(ctx context.Context, event *models.SecurityEvent) (*models.Finding, error) {
	if !event.IsAuthFailure() {
		return nil, nil
	}

	d.mu.RLock()
	cfg := d.config
	windows := d.windows
	d.mu.RUnlock()

	var actorFailures, ipFailures int64
	if event.ActorID != "" {
		actorFailures = windows.IncrementAndCount("actor:" + event.ActorID)
	}
	if event.SourceIP != "" {
		ipFailures = windows.IncrementAndCount("ip:" + event.SourceIP)
	}

	failures := actorFailures
	if ipFailures > failures {
		failures = ipFailures
	}
	if failures < int64(cfg.Threshold) {
		return nil, nil
	}

	return newFinding(event, models.ThreatBruteForce, 1.0, map[string]string{
		"detector":       DetectorBruteForce,
		"actor_failures": strconv.FormatInt(actorFailures, 10),
		"ip_failures":    strconv.FormatInt(ipFailures, 10),
		"threshold":      strconv.Itoa(cfg.Threshold),
		"window":         cfg.Window.String(),
	}), nil
}

// Configure replaces the detector configuration. Changing the window
// rebuilds the failure counters, losing in-window history.
func (d *BruteForceDetector) Configure(raw json.RawMessage) error {
	var cfg config.BruteForceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}
	if cfg.Threshold <= 0 || cfg.Window <= 0 {
		return errInvalidDetectorConfig
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.Window != d.config.Window {
		d.windows = newCounterStore(cfg.Window, bruteForceBuckets, bruteForceMaxKeys)
	}
	d.config = cfg
	d.enabled = cfg.Enabled
	return nil
}

// Enabled reports whether this detector participates in scoring.
func (d *BruteForceDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *BruteForceDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
