// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/store"
)

func testBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := store.Open(config.StoreConfig{
		InMemory:           true,
		OpTimeout:          time.Second,
		BreakerMaxFailures: 5,
		BreakerOpenTimeout: time.Second,
		BreakerMaxHalfOpen: 2,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return NewBadgerStore(s, 30)
}

func saveRecords(t *testing.T, bs *BadgerStore, base time.Time, n int, corrID string) []*Record {
	t.Helper()
	ctx := context.Background()
	recs := make([]*Record, 0, n)
	for i := 0; i < n; i++ {
		rec := &Record{
			ID:            fmt.Sprintf("rec-%03d", i),
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			Type:          EventTypeDetectionFinding,
			Severity:      SeverityInfo,
			Outcome:       OutcomeSuccess,
			Actor:         SystemActor("detection"),
			Description:   fmt.Sprintf("finding %d", i),
			CorrelationID: corrID,
		}
		if err := bs.Save(ctx, rec); err != nil {
			t.Fatalf("save record %d: %v", i, err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestBadgerStoreSaveAndGet(t *testing.T) {
	bs := testBadgerStore(t)
	ctx := context.Background()

	rec := &Record{
		ID:            "rec-get",
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		Type:          EventTypeIncidentOpened,
		Severity:      SeverityWarning,
		Outcome:       OutcomeSuccess,
		Actor:         SystemActor("incident"),
		Target:        &Target{ID: "inc-1", Type: "incident"},
		Action:        "open",
		Description:   "Incident opened for brute_force",
		CorrelationID: "evt-1",
	}
	if err := bs.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := bs.Get(ctx, "rec-get")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != rec.Type || got.CorrelationID != rec.CorrelationID {
		t.Errorf("got %+v, want %+v", got, rec)
	}
	if got.Target == nil || got.Target.ID != "inc-1" {
		t.Errorf("Target not round-tripped: %+v", got.Target)
	}
}

func TestBadgerStoreGetMissing(t *testing.T) {
	bs := testBadgerStore(t)
	if _, err := bs.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestBadgerStoreQueryNewestFirst(t *testing.T) {
	bs := testBadgerStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	saveRecords(t, bs, base, 5, "")

	recs, err := bs.Query(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp.After(recs[i-1].Timestamp) {
			t.Errorf("records not newest-first at index %d", i)
		}
	}
	if recs[0].ID != "rec-004" {
		t.Errorf("newest record = %s, want rec-004", recs[0].ID)
	}
}

func TestBadgerStoreQueryByCorrelation(t *testing.T) {
	bs := testBadgerStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	saveRecords(t, bs, base, 3, "evt-corr")

	// An unrelated record that must not appear
	other := &Record{
		ID:            "rec-other",
		Timestamp:     base.Add(10 * time.Minute),
		Type:          EventTypeAdminAction,
		Severity:      SeverityInfo,
		Outcome:       OutcomeSuccess,
		Actor:         OperatorActor("ops@example.com"),
		CorrelationID: "evt-unrelated",
	}
	if err := bs.Save(context.Background(), other); err != nil {
		t.Fatalf("save: %v", err)
	}

	recs, err := bs.Query(context.Background(), QueryFilter{CorrelationID: "evt-corr"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for _, rec := range recs {
		if rec.CorrelationID != "evt-corr" {
			t.Errorf("record %s has correlation %q", rec.ID, rec.CorrelationID)
		}
	}
}

func TestBadgerStoreQueryLimitOffset(t *testing.T) {
	bs := testBadgerStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	saveRecords(t, bs, base, 10, "")

	page1, err := bs.Query(context.Background(), QueryFilter{Limit: 4})
	if err != nil {
		t.Fatalf("query page1: %v", err)
	}
	if len(page1) != 4 {
		t.Fatalf("page1 has %d records, want 4", len(page1))
	}

	page2, err := bs.Query(context.Background(), QueryFilter{Limit: 4, Offset: 4})
	if err != nil {
		t.Fatalf("query page2: %v", err)
	}
	if len(page2) != 4 {
		t.Fatalf("page2 has %d records, want 4", len(page2))
	}
	if page1[0].ID == page2[0].ID {
		t.Error("pages should not overlap")
	}
}

func TestBadgerStoreQueryTypeFilter(t *testing.T) {
	bs := testBadgerStore(t)
	ctx := base2Records(t, bs)

	recs, err := bs.Query(ctx, QueryFilter{Types: []EventType{EventTypeSessionRevoked}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Type != EventTypeSessionRevoked {
		t.Errorf("Type = %q", recs[0].Type)
	}
}

func base2Records(t *testing.T, bs *BadgerStore) context.Context {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	recs := []*Record{
		{ID: "r1", Timestamp: now.Add(-2 * time.Minute), Type: EventTypeSessionCreated,
			Actor: SystemActor("session"), Severity: SeverityInfo, Outcome: OutcomeSuccess},
		{ID: "r2", Timestamp: now.Add(-time.Minute), Type: EventTypeSessionRevoked,
			Actor: SystemActor("session"), Severity: SeverityInfo, Outcome: OutcomeSuccess},
	}
	for _, rec := range recs {
		if err := bs.Save(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", rec.ID, err)
		}
	}
	return ctx
}

func TestBadgerStoreCount(t *testing.T) {
	bs := testBadgerStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	saveRecords(t, bs, base, 7, "")

	count, err := bs.Count(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}

	actorCount, err := bs.Count(context.Background(), QueryFilter{ActorID: "nobody"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if actorCount != 0 {
		t.Errorf("actor count = %d, want 0", actorCount)
	}
}
