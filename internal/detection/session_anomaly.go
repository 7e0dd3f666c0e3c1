// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/session"
)

// sessionAnomalyCap keeps stacked session anomalies below 1.0; they
// share the behavioral threat type with the profile detector and
// aggregate with it by maximum.
const sessionAnomalyCap = 0.95

// defaultAnomalyWeights scores each session anomaly name. Unknown
// anomaly names contribute nothing.
func defaultAnomalyWeights() map[string]float64 {
	return map[string]float64{
		session.AnomalyNewIP:       0.2,
		session.AnomalyNewDevice:   0.3,
		session.AnomalyIPChurn:     0.4,
		session.AnomalyMFARequired: 0.2,
	}
}

// SessionAnomalyDetector scores anomalies observed during session
// validation, carried on the event by the pipeline. It turns session
// observations into findings so they flow through the same severity
// and incident machinery as every other signal.
type SessionAnomalyDetector struct {
	mu      sync.RWMutex
	weights map[string]float64
	enabled bool
}

// NewSessionAnomalyDetector creates the detector with default weights.
func NewSessionAnomalyDetector() *SessionAnomalyDetector {
	return &SessionAnomalyDetector{
		weights: defaultAnomalyWeights(),
		enabled: true,
	}
}

// Name identifies the detector.
func (d *SessionAnomalyDetector) Name() string { return DetectorSessionAnomaly }

// ThreatType is the threat classification this detector scores.
func (d *SessionAnomalyDetector) ThreatType() models.ThreatType { return models.ThreatBehavioral }

// Check sums the weights of the anomalies attached to the event.
func (d *SessionAnomalyDetector) Check(ctx context.Context, event *models.SecurityEvent) (*models.Finding, error) {
	raw := event.Attr(AttrSessionAnomalies)
	if raw == "" {
		return nil, nil
	}

	d.mu.RLock()
	weights := d.weights
	d.mu.RUnlock()

	score := 0.0
	var matched []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if w, ok := weights[name]; ok && w > 0 {
			score += w
			matched = append(matched, name)
		}
	}
	if score <= 0 {
		return nil, nil
	}
	if score > sessionAnomalyCap {
		score = sessionAnomalyCap
	}

	sort.Strings(matched)
	return newFinding(event, models.ThreatBehavioral, score, map[string]string{
		"detector":  DetectorSessionAnomaly,
		"anomalies": strings.Join(matched, ","),
	}), nil
}

// Configure replaces the anomaly weight table. Omitted anomalies score
// zero after reconfiguration.
func (d *SessionAnomalyDetector) Configure(raw json.RawMessage) error {
	var weights map[string]float64
	if err := json.Unmarshal(raw, &weights); err != nil {
		return err
	}
	for _, w := range weights {
		if w < 0 || w > 1 {
			return errInvalidDetectorConfig
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.weights = weights
	return nil
}

// Enabled reports whether this detector participates in scoring.
func (d *SessionAnomalyDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *SessionAnomalyDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}
