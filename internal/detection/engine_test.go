// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/models"
)

// stubDetector returns a fixed finding or error for every event.
type stubDetector struct {
	name       string
	threatType models.ThreatType
	score      float64
	err        error
	enabled    bool
	configured json.RawMessage
}

func (d *stubDetector) Name() string                  { return d.name }
func (d *stubDetector) ThreatType() models.ThreatType { return d.threatType }
func (d *stubDetector) Enabled() bool                 { return d.enabled }
func (d *stubDetector) SetEnabled(enabled bool)       { d.enabled = enabled }

func (d *stubDetector) Configure(raw json.RawMessage) error {
	d.configured = raw
	return nil
}

func (d *stubDetector) Check(ctx context.Context, event *models.SecurityEvent) (*models.Finding, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.score <= 0 {
		return nil, nil
	}
	return newFinding(event, d.threatType, d.score, map[string]string{"detector": d.name}), nil
}

type recordingEnqueuer struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (r *recordingEnqueuer) Enqueue(event *models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func engineAudit(t *testing.T) *audit.Logger {
	t.Helper()
	l := audit.NewLogger(nil, &audit.Config{Enabled: false, BufferSize: 1})
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func engineConfig() config.DetectionConfig {
	return config.DetectionConfig{
		Enabled:          true,
		SeverityLow:      0.4,
		SeverityMedium:   0.6,
		SeverityHigh:     0.8,
		SeverityCritical: 0.95,
	}
}

func TestEngineAggregatesByMaxPerThreatType(t *testing.T) {
	e := NewEngine(engineConfig(), engineAudit(t), nil)

	// Two behavioral detectors with different scores and one brute
	// force detector. Behavioral keeps only the stronger signal.
	mustRegister(t, e, &stubDetector{name: "weak", threatType: models.ThreatBehavioral, score: 0.3, enabled: true})
	mustRegister(t, e, &stubDetector{name: "strong", threatType: models.ThreatBehavioral, score: 0.7, enabled: true})
	mustRegister(t, e, &stubDetector{name: "bf", threatType: models.ThreatBruteForce, score: 1.0, enabled: true})

	findings, err := e.ProcessEvent(context.Background(), models.NewSecurityEvent(models.EventAuthLoginFailed, "alice", "192.0.2.10"))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}

	byType := make(map[models.ThreatType]*models.Finding)
	for _, f := range findings {
		byType[f.ThreatType] = f
	}
	behavioral := byType[models.ThreatBehavioral]
	if behavioral == nil || behavioral.Score != 0.7 {
		t.Fatalf("behavioral finding = %+v, want max score 0.7", behavioral)
	}
	if behavioral.Severity != models.SeverityMedium {
		t.Fatalf("behavioral severity = %s, want medium", behavioral.Severity)
	}
	bruteForce := byType[models.ThreatBruteForce]
	if bruteForce == nil || bruteForce.Severity != models.SeverityCritical {
		t.Fatalf("brute force finding = %+v, want critical", bruteForce)
	}
}

func TestEngineSeverityFloor(t *testing.T) {
	e := NewEngine(engineConfig(), engineAudit(t), nil)
	mustRegister(t, e, &stubDetector{name: "weak", threatType: models.ThreatBehavioral, score: 0.2, enabled: true})

	findings, err := e.ProcessEvent(context.Background(), models.NewSecurityEvent(models.EventAPIRequest, "alice", "192.0.2.10"))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	if findings[0].Severity != models.SeverityNone {
		t.Fatalf("Severity = %s, want none", findings[0].Severity)
	}
	if findings[0].Actionable() {
		t.Fatal("sub-floor finding must not be actionable")
	}
}

func TestEngineSkipsDisabledDetectors(t *testing.T) {
	e := NewEngine(engineConfig(), engineAudit(t), nil)
	mustRegister(t, e, &stubDetector{name: "off", threatType: models.ThreatBruteForce, score: 1.0, enabled: false})

	findings, err := e.ProcessEvent(context.Background(), models.NewSecurityEvent(models.EventAuthLoginFailed, "alice", "192.0.2.10"))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("disabled detector produced findings: %d", len(findings))
	}
}

func TestEngineDisabledProcessesNothing(t *testing.T) {
	e := NewEngine(engineConfig(), engineAudit(t), nil)
	mustRegister(t, e, &stubDetector{name: "bf", threatType: models.ThreatBruteForce, score: 1.0, enabled: true})
	e.SetEnabled(false)

	findings, err := e.ProcessEvent(context.Background(), models.NewSecurityEvent(models.EventAuthLoginFailed, "alice", "192.0.2.10"))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if findings != nil {
		t.Fatal("disabled engine produced findings")
	}
	if e.Metrics().EventsProcessed != 0 {
		t.Fatal("disabled engine counted events")
	}
}

func TestEngineIsolatesDetectorErrors(t *testing.T) {
	e := NewEngine(engineConfig(), engineAudit(t), nil)
	mustRegister(t, e, &stubDetector{name: "broken", threatType: models.ThreatBehavioral, err: errors.New("boom"), enabled: true})
	mustRegister(t, e, &stubDetector{name: "bf", threatType: models.ThreatBruteForce, score: 1.0, enabled: true})

	findings, err := e.ProcessEvent(context.Background(), models.NewSecurityEvent(models.EventAuthLoginFailed, "alice", "192.0.2.10"))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(findings) != 1 || findings[0].ThreatType != models.ThreatBruteForce {
		t.Fatalf("findings = %+v, want brute force only", findings)
	}

	stats := e.Metrics()
	broken := stats.Detectors["broken"]
	if broken.Errors != 1 || broken.LastError != "boom" {
		t.Fatalf("broken detector stats = %+v", broken)
	}
}

func TestEngineEnqueuesProfileUpdateAfterScoring(t *testing.T) {
	enq := &recordingEnqueuer{}
	e := NewEngine(engineConfig(), engineAudit(t), enq)
	mustRegister(t, e, &stubDetector{name: "bf", threatType: models.ThreatBruteForce, score: 1.0, enabled: true})

	ev := models.NewSecurityEvent(models.EventAuthLoginFailed, "alice", "192.0.2.10")
	if _, err := e.ProcessEvent(context.Background(), ev); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if enq.count() != 1 {
		t.Fatalf("enqueued = %d, want 1", enq.count())
	}
}

func TestEngineRegistryOperations(t *testing.T) {
	e := NewEngine(engineConfig(), engineAudit(t), nil)
	ctx := context.Background()
	d := &stubDetector{name: "bf", threatType: models.ThreatBruteForce, enabled: true}
	mustRegister(t, e, d)

	if err := e.RegisterDetector(&stubDetector{name: "bf"}); err == nil {
		t.Fatal("duplicate registration must fail")
	}

	list := e.ListDetectors()
	if len(list) != 1 || list[0].Name != "bf" || !list[0].Enabled {
		t.Fatalf("ListDetectors = %+v", list)
	}

	if err := e.SetDetectorEnabled(ctx, "bf", false); err != nil {
		t.Fatalf("SetDetectorEnabled: %v", err)
	}
	if d.Enabled() {
		t.Fatal("detector still enabled")
	}
	if err := e.SetDetectorEnabled(ctx, "missing", true); err == nil {
		t.Fatal("unknown detector must fail")
	}

	raw := json.RawMessage(`{"threshold": 10}`)
	if err := e.ConfigureDetector(ctx, "bf", raw); err != nil {
		t.Fatalf("ConfigureDetector: %v", err)
	}
	if string(d.configured) != string(raw) {
		t.Fatalf("configured = %s", d.configured)
	}
	if err := e.ConfigureDetector(ctx, "missing", raw); err == nil {
		t.Fatal("unknown detector must fail")
	}
}

func TestEngineMetricsSnapshot(t *testing.T) {
	e := NewEngine(engineConfig(), engineAudit(t), nil)
	mustRegister(t, e, &stubDetector{name: "bf", threatType: models.ThreatBruteForce, score: 1.0, enabled: true})

	for i := 0; i < 3; i++ {
		if _, err := e.ProcessEvent(context.Background(), models.NewSecurityEvent(models.EventAuthLoginFailed, "alice", "192.0.2.10")); err != nil {
			t.Fatalf("ProcessEvent: %v", err)
		}
	}

	stats := e.Metrics()
	if stats.EventsProcessed != 3 || stats.FindingsTotal != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Detectors["bf"].Checks != 3 || stats.Detectors["bf"].Findings != 3 {
		t.Fatalf("detector stats = %+v", stats.Detectors["bf"])
	}

	// Snapshot is a copy; mutating it does not touch the engine.
	stats.Detectors["bf"] = DetectorMetrics{}
	if e.Metrics().Detectors["bf"].Checks != 3 {
		t.Fatal("snapshot shares state with engine")
	}
}

func mustRegister(t *testing.T, e *Engine, d Detector) {
	t.Helper()
	if err := e.RegisterDetector(d); err != nil {
		t.Fatalf("RegisterDetector(%s): %v", d.Name(), err)
	}
}
