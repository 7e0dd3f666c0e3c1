// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/bastion/internal/models"
)

// mockStore collects saved records in memory.
type mockStore struct {
	mu      sync.Mutex
	records []*Record
	saveErr error
}

func (m *mockStore) Save(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, errors.New("not found")
}

func (m *mockStore) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if matches(rec, filter) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *mockStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	recs, _ := m.Query(ctx, filter)
	return int64(len(recs)), nil
}

func (m *mockStore) saved() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

func newTestLogger(store Store) *Logger {
	return NewLogger(store, &Config{Enabled: true, BufferSize: 64, RetentionDays: 90})
}

func TestLogAssignsIDAndTimestamp(t *testing.T) {
	ms := &mockStore{}
	l := newTestLogger(ms)

	l.Log(&Record{Type: EventTypeAdminAction, Actor: SystemActor("test")})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs := ms.saved()
	if len(recs) != 1 {
		t.Fatalf("saved %d records, want 1", len(recs))
	}
	if recs[0].ID == "" {
		t.Error("ID should be assigned")
	}
	if recs[0].Timestamp.IsZero() {
		t.Error("Timestamp should be assigned")
	}
}

func TestLogDisabledDropsRecords(t *testing.T) {
	ms := &mockStore{}
	l := newTestLogger(ms)
	l.SetEnabled(false)

	l.Log(&Record{Type: EventTypeAdminAction})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(ms.saved()) != 0 {
		t.Error("disabled logger should not persist records")
	}
}

func TestCloseDrainsBuffer(t *testing.T) {
	ms := &mockStore{}
	l := newTestLogger(ms)

	for i := 0; i < 20; i++ {
		l.Log(&Record{Type: EventTypeDetectionFinding, Actor: SystemActor("detection")})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(ms.saved()); got != 20 {
		t.Errorf("saved %d records after close, want 20", got)
	}
}

func TestFlushIntervalBatchesWrites(t *testing.T) {
	ms := &mockStore{}
	l := NewLogger(ms, &Config{Enabled: true, BufferSize: 64, FlushInterval: 10 * time.Millisecond})

	for i := 0; i < 5; i++ {
		l.Log(&Record{Type: EventTypeDetectionFinding, Actor: SystemActor("detection")})
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(ms.saved()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("saved %d records before deadline, want 5", len(ms.saved()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCloseFlushesPendingBatch(t *testing.T) {
	ms := &mockStore{}
	// An hour-long interval: only Close can get the batch written.
	l := NewLogger(ms, &Config{Enabled: true, BufferSize: 64, FlushInterval: time.Hour})

	for i := 0; i < 20; i++ {
		l.Log(&Record{Type: EventTypeDetectionFinding, Actor: SystemActor("detection")})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(ms.saved()); got != 20 {
		t.Errorf("saved %d records after close, want 20", got)
	}
}

func TestLogFindingSetsCorrelationID(t *testing.T) {
	ms := &mockStore{}
	l := newTestLogger(ms)

	f := &models.Finding{
		ThreatType: models.ThreatBruteForce,
		Score:      0.9,
		Severity:   models.SeverityHigh,
		EventID:    "evt-abc",
		ActorID:    "user-1",
		SourceIP:   "203.0.113.5",
		DetectedAt: time.Now(),
	}
	l.LogFinding(context.Background(), f)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs := ms.saved()
	if len(recs) != 1 {
		t.Fatalf("saved %d records, want 1", len(recs))
	}
	if recs[0].CorrelationID != "evt-abc" {
		t.Errorf("CorrelationID = %q, want evt-abc", recs[0].CorrelationID)
	}
	if recs[0].Type != EventTypeDetectionFinding {
		t.Errorf("Type = %q", recs[0].Type)
	}
	if recs[0].Severity != SeverityError {
		t.Errorf("Severity = %q, want error (high finding)", recs[0].Severity)
	}
}

func TestLogActionOutcomes(t *testing.T) {
	ms := &mockStore{}
	l := newTestLogger(ms)
	ctx := context.Background()

	l.LogAction(ctx, "evt-1", "inc-1", "block_ip", 1, nil)
	l.LogAction(ctx, "evt-1", "inc-1", "block_ip", 2, errors.New("firewall unreachable"))
	l.LogActionExhausted(ctx, "evt-1", "inc-1", "block_ip", 4, errors.New("firewall unreachable"))
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs := ms.saved()
	if len(recs) != 3 {
		t.Fatalf("saved %d records, want 3", len(recs))
	}
	if recs[0].Type != EventTypeActionExecuted || recs[0].Outcome != OutcomeSuccess {
		t.Errorf("first record = %q/%q", recs[0].Type, recs[0].Outcome)
	}
	if recs[1].Type != EventTypeActionFailed || recs[1].Outcome != OutcomeFailure {
		t.Errorf("second record = %q/%q", recs[1].Type, recs[1].Outcome)
	}
	if recs[2].Type != EventTypeActionExhausted || recs[2].Severity != SeverityCritical {
		t.Errorf("third record = %q/%q", recs[2].Type, recs[2].Severity)
	}
}

func TestLogAdminActionUsesOperatorActor(t *testing.T) {
	ms := &mockStore{}
	l := newTestLogger(ms)

	l.LogAdminAction(context.Background(), "ops@example.com", "resolve",
		"Incident manually resolved", &Target{ID: "inc-9", Type: "incident"}, nil)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs := ms.saved()
	if len(recs) != 1 {
		t.Fatalf("saved %d records, want 1", len(recs))
	}
	if recs[0].Actor.Type != "operator" || recs[0].Actor.ID != "ops@example.com" {
		t.Errorf("Actor = %+v, want operator ops@example.com", recs[0].Actor)
	}
}

func TestMatchesFilter(t *testing.T) {
	now := time.Now()
	rec := &Record{
		Type:          EventTypeIncidentOpened,
		Actor:         SystemActor("incident"),
		CorrelationID: "evt-1",
		Timestamp:     now,
	}

	if !matches(rec, QueryFilter{}) {
		t.Error("empty filter should match")
	}
	if !matches(rec, QueryFilter{Types: []EventType{EventTypeIncidentOpened}}) {
		t.Error("type filter should match")
	}
	if matches(rec, QueryFilter{Types: []EventType{EventTypeAdminAction}}) {
		t.Error("mismatched type should not match")
	}
	if matches(rec, QueryFilter{ActorID: "someone-else"}) {
		t.Error("mismatched actor should not match")
	}
	if !matches(rec, QueryFilter{CorrelationID: "evt-1"}) {
		t.Error("correlation filter should match")
	}

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	if !matches(rec, QueryFilter{StartTime: &past, EndTime: &future}) {
		t.Error("time range should match")
	}
	if matches(rec, QueryFilter{EndTime: &past}) {
		t.Error("record after end time should not match")
	}
}
