// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/models"
)

// ProfileEnqueuer accepts events for asynchronous baseline updates.
type ProfileEnqueuer interface {
	Enqueue(event *models.SecurityEvent)
}

// Engine runs registered detectors against each event and aggregates
// their scores into findings. Per threat type the aggregate is the
// maximum detector score; detectors for different threat types produce
// independent findings.
type Engine struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	order     []string

	thresholds models.SeverityThresholds
	audit      *audit.Logger
	profiles   ProfileEnqueuer
	enabled    bool

	metricsMu sync.Mutex
	stats     EngineMetrics
}

// EngineMetrics is a point-in-time snapshot of engine activity.
type EngineMetrics struct {
	EventsProcessed uint64                     `json:"events_processed"`
	FindingsTotal   uint64                     `json:"findings_total"`
	Detectors       map[string]DetectorMetrics `json:"detectors"`
}

// DetectorMetrics tracks a single detector's activity.
type DetectorMetrics struct {
	Checks    uint64    `json:"checks"`
	Findings  uint64    `json:"findings"`
	Errors    uint64    `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
	LastErrAt time.Time `json:"last_error_at,omitempty"`
}

// DetectorStatus describes a registered detector for the admin API.
type DetectorStatus struct {
	Name       string            `json:"name"`
	ThreatType models.ThreatType `json:"threat_type"`
	Enabled    bool              `json:"enabled"`
}

// NewEngine creates an engine with no detectors registered. The profile
// enqueuer may be nil when no behavioral baseline is maintained.
func NewEngine(cfg config.DetectionConfig, auditLog *audit.Logger, profiles ProfileEnqueuer) *Engine {
	return &Engine{
		detectors: make(map[string]Detector),
		thresholds: models.SeverityThresholds{
			Low:      cfg.SeverityLow,
			Medium:   cfg.SeverityMedium,
			High:     cfg.SeverityHigh,
			Critical: cfg.SeverityCritical,
		},
		audit:    auditLog,
		profiles: profiles,
		enabled:  cfg.Enabled,
		stats:    EngineMetrics{Detectors: make(map[string]DetectorMetrics)},
	}
}

// RegisterDetector adds a detector. Detectors run in registration
// order. Registering a duplicate name is an error.
func (e *Engine) RegisterDetector(d Detector) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := d.Name()
	if _, exists := e.detectors[name]; exists {
		return fmt.Errorf("detection: detector %q already registered", name)
	}
	e.detectors[name] = d
	e.order = append(e.order, name)
	return nil
}

// ProcessEvent runs all enabled detectors against the event and returns
// aggregated findings with severities assigned. The event is enqueued
// for profile updates only after scoring, so detectors always see the
// baseline as it stood before this event.
func (e *Engine) ProcessEvent(ctx context.Context, event *models.SecurityEvent) ([]*models.Finding, error) {
	e.mu.RLock()
	enabled := e.enabled
	detectors := make([]Detector, 0, len(e.order))
	for _, name := range e.order {
		detectors = append(detectors, e.detectors[name])
	}
	thresholds := e.thresholds
	e.mu.RUnlock()

	if !enabled {
		return nil, nil
	}

	log := logging.Ctx(ctx)

	// Highest-scoring finding per threat type wins.
	best := make(map[models.ThreatType]*models.Finding)
	for _, d := range detectors {
		if !d.Enabled() {
			continue
		}
		finding := e.runDetector(ctx, log, d, event)
		if finding == nil {
			continue
		}
		if prev, ok := best[finding.ThreatType]; !ok || finding.Score > prev.Score {
			best[finding.ThreatType] = finding
		}
	}

	findings := make([]*models.Finding, 0, len(best))
	for _, f := range best {
		f.Severity = thresholds.Classify(f.Score)
		findings = append(findings, f)
		metrics.RecordFinding(string(f.ThreatType), f.Severity.String())
		if f.Actionable() {
			e.audit.LogFinding(ctx, f)
			log.Warn().
				Str("threat_type", string(f.ThreatType)).
				Float64("score", f.Score).
				Str("severity", f.Severity.String()).
				Str("event_id", f.EventID).
				Str("actor_id", f.ActorID).
				Msg("Threat finding")
		}
	}

	if e.profiles != nil {
		e.profiles.Enqueue(event)
	}

	e.metricsMu.Lock()
	e.stats.EventsProcessed++
	e.stats.FindingsTotal += uint64(len(findings))
	e.metricsMu.Unlock()

	return findings, nil
}

// runDetector checks one detector, isolating its failures: a detector
// error is recorded and logged but never blocks the event or the other
// detectors.
func (e *Engine) runDetector(ctx context.Context, log *zerolog.Logger, d Detector, event *models.SecurityEvent) *models.Finding {
	start := time.Now()
	finding, err := d.Check(ctx, event)
	metrics.RecordDetection(d.Name(), time.Since(start), err)

	e.metricsMu.Lock()
	dm := e.stats.Detectors[d.Name()]
	dm.Checks++
	if err != nil {
		dm.Errors++
		dm.LastError = err.Error()
		dm.LastErrAt = time.Now().UTC()
	} else if finding != nil {
		dm.Findings++
	}
	e.stats.Detectors[d.Name()] = dm
	e.metricsMu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("detector", d.Name()).Msg("Detector check failed")
		return nil
	}
	return finding
}

// ListDetectors returns registered detectors in registration order.
func (e *Engine) ListDetectors() []DetectorStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	statuses := make([]DetectorStatus, 0, len(e.order))
	for _, name := range e.order {
		d := e.detectors[name]
		statuses = append(statuses, DetectorStatus{
			Name:       d.Name(),
			ThreatType: d.ThreatType(),
			Enabled:    d.Enabled(),
		})
	}
	return statuses
}

// ConfigureDetector applies a new configuration to a registered
// detector and audits the change.
func (e *Engine) ConfigureDetector(ctx context.Context, name string, raw json.RawMessage) error {
	e.mu.RLock()
	d, ok := e.detectors[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("detection: unknown detector %q", name)
	}
	if err := d.Configure(raw); err != nil {
		return err
	}
	e.auditDetectorChange(ctx, name, "configured")
	return nil
}

// SetDetectorEnabled toggles a registered detector and audits the
// change.
func (e *Engine) SetDetectorEnabled(ctx context.Context, name string, enabled bool) error {
	e.mu.RLock()
	d, ok := e.detectors[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("detection: unknown detector %q", name)
	}
	d.SetEnabled(enabled)
	change := "disabled"
	if enabled {
		change = "enabled"
	}
	e.auditDetectorChange(ctx, name, change)
	return nil
}

func (e *Engine) auditDetectorChange(ctx context.Context, name, change string) {
	e.audit.LogDetectorChanged(ctx, logging.OperatorIDFromContext(ctx), name, change)
}

// Enabled reports whether the engine processes events at all.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// SetEnabled enables or disables the whole engine.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// Metrics returns a deep copy of the engine activity snapshot.
func (e *Engine) Metrics() EngineMetrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	out := e.stats
	out.Detectors = make(map[string]DetectorMetrics, len(e.stats.Detectors))
	for name, dm := range e.stats.Detectors {
		out.Detectors[name] = dm
	}
	return out
}
