// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/models"
)

const (
	ipReputationBuckets = 10
	ipReputationMaxKeys = 100_000
)

// IPReputationDetector scores source IPs against a static denylist,
// denylisted CIDR ranges, and identity velocity (many distinct actors
// from one IP in a short window, the shape of credential stuffing).
type IPReputationDetector struct {
	mu       sync.RWMutex
	config   config.IPReputationConfig
	denylist map[string]struct{}
	cidrs    []*net.IPNet
	velocity *uniqueStore
	enabled  bool
}

// NewIPReputationDetector creates the detector. Malformed denylist
// entries are rejected up front rather than silently skipped.
func NewIPReputationDetector(cfg config.IPReputationConfig) (*IPReputationDetector, error) {
	d := &IPReputationDetector{
		velocity: newUniqueStore(cfg.VelocityWindow, ipReputationBuckets, ipReputationMaxKeys),
		enabled:  cfg.Enabled,
	}
	if err := d.applyConfig(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Name identifies the detector.
func (d *IPReputationDetector) Name() string { return DetectorIPReputation }

// ThreatType is the threat classification this detector scores.
func (d *IPReputationDetector) ThreatType() models.ThreatType { return models.ThreatIPReputation }

// Check scores the event's source IP. Denylist, CIDR, and velocity
// contributions are additive, capped at 1.0.
func (d *IPReputationDetector) Check(ctx context.Context, event *models.SecurityEvent) (*models.Finding, error) {
	if event.SourceIP == "" {
		return nil, nil
	}

	d.mu.RLock()
	cfg := d.config
	denylist := d.denylist
	cidrs := d.cidrs
	velocity := d.velocity
	d.mu.RUnlock()

	score := 0.0
	details := map[string]string{"detector": DetectorIPReputation}

	if _, listed := denylist[event.SourceIP]; listed {
		score += cfg.DenylistWeight
		details["denylisted"] = "true"
	} else if parsed := event.ParsedIP(); parsed != nil {
		for _, cidr := range cidrs {
			if cidr.Contains(parsed) {
				score += cfg.CIDRWeight
				details["denylisted_range"] = cidr.String()
				break
			}
		}
	}

	if event.ActorID != "" && cfg.VelocityLimit > 0 {
		actors := velocity.AddAndCount(event.SourceIP, event.ActorID)
		if actors > cfg.VelocityLimit {
			score += cfg.VelocityWeight
			details["distinct_actors"] = strconv.Itoa(actors)
			details["velocity_limit"] = strconv.Itoa(cfg.VelocityLimit)
		}
	}

	if score <= 0 {
		return nil, nil
	}
	if score > 1.0 {
		score = 1.0
	}
	return newFinding(event, models.ThreatIPReputation, score, details), nil
}

// Configure replaces the detector configuration, recompiling the
// denylist. Changing the velocity window rebuilds the velocity
// counters, losing in-window history.
func (d *IPReputationDetector) Configure(raw json.RawMessage) error {
	var cfg config.IPReputationConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyConfig(cfg)
}

// applyConfig compiles and installs cfg. Callers hold the write lock
// except during construction.
func (d *IPReputationDetector) applyConfig(cfg config.IPReputationConfig) error {
	if cfg.DenylistWeight < 0 || cfg.CIDRWeight < 0 || cfg.VelocityWeight < 0 || cfg.VelocityLimit < 0 {
		return errInvalidDetectorConfig
	}

	denylist := make(map[string]struct{}, len(cfg.Denylist))
	for _, ip := range cfg.Denylist {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("ip_reputation: invalid denylist entry %q", ip)
		}
		denylist[ip] = struct{}{}
	}

	cidrs := make([]*net.IPNet, 0, len(cfg.DenylistCIDRs))
	for _, raw := range cfg.DenylistCIDRs {
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return fmt.Errorf("ip_reputation: invalid denylist range %q: %w", raw, err)
		}
		cidrs = append(cidrs, network)
	}

	if cfg.VelocityWindow != d.config.VelocityWindow {
		d.velocity = newUniqueStore(cfg.VelocityWindow, ipReputationBuckets, ipReputationMaxKeys)
	}
	d.config = cfg
	d.denylist = denylist
	d.cidrs = cidrs
	d.enabled = cfg.Enabled
	return nil
}

// Enabled reports whether this detector participates in scoring.
func (d *IPReputationDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *IPReputationDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
