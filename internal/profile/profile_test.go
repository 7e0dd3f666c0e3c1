// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package profile

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/store"
)

func TestObserveBuildsBaseline(t *testing.T) {
	p := New("user-1")
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		p.Observe(Observation{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			SourceIP:  "198.51.100.1",
			DeviceFP:  "device-a",
			HasGeo:    true,
			Lat:       52.52,
			Lon:       13.40,
		})
	}

	if !p.Trusted(10) {
		t.Error("profile with 10 observations should be trusted at min_events=10")
	}
	if got := p.HourShare(9); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("HourShare(9) = %f, want 1.0", got)
	}
	if got := p.HourShare(3); got != 0 {
		t.Errorf("HourShare(3) = %f, want 0", got)
	}
	if !p.KnowsDevice("device-a") {
		t.Error("observed device should be known")
	}
	if p.KnowsDevice("device-b") {
		t.Error("unobserved device should be unknown")
	}
	if !p.KnowsIP("198.51.100.1") {
		t.Error("observed IP should be known")
	}

	// Centroid converges on the observed location.
	if d := p.DistanceFromCentroidKM(52.52, 13.40); d > 1 {
		t.Errorf("distance from own centroid = %f km, want ~0", d)
	}
	// Lisbon is far from Berlin.
	if d := p.DistanceFromCentroidKM(38.72, -9.14); d < 2000 {
		t.Errorf("distance Berlin->Lisbon = %f km, want > 2000", d)
	}
}

func TestDecayHalvesWeights(t *testing.T) {
	p := New("user-2")
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.Observe(Observation{Timestamp: now, SourceIP: "10.0.0.1", DeviceFP: "device-a"})

	if p.EventCount != 1 {
		t.Fatalf("EventCount = %f, want 1", p.EventCount)
	}

	p.Decay(now.Add(24*time.Hour), 24*time.Hour)
	if math.Abs(p.EventCount-0.5) > 1e-9 {
		t.Errorf("EventCount after one half-life = %f, want 0.5", p.EventCount)
	}
	if math.Abs(p.HourCounts[12]-0.5) > 1e-9 {
		t.Errorf("HourCounts[12] = %f, want 0.5", p.HourCounts[12])
	}
}

func TestDecayDropsStaleDevices(t *testing.T) {
	p := New("user-3")
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.Observe(Observation{Timestamp: now, DeviceFP: "old-device"})

	// Five half-lives leave ~3% weight, under the floor.
	p.Decay(now.Add(5*24*time.Hour), 24*time.Hour)
	if p.KnowsDevice("old-device") {
		t.Error("decayed-out device should no longer be known")
	}
	if _, ok := p.Devices["old-device"]; ok {
		t.Error("decayed-out device should be removed from the map")
	}
}

func TestDistanceNoBaseline(t *testing.T) {
	p := New("user-4")
	if d := p.DistanceFromCentroidKM(52.52, 13.40); d != 0 {
		t.Errorf("distance without geo baseline = %f, want 0", d)
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.StoreConfig{
		InMemory:           true,
		OpTimeout:          time.Second,
		BreakerMaxFailures: 100,
		BreakerOpenTimeout: time.Second,
		BreakerMaxHalfOpen: 2,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpdaterAppliesObservations(t *testing.T) {
	u := NewUpdater(testStore(t), config.ProfileConfig{
		QueueSize:     16,
		Workers:       1,
		DecayHalfLife: 30 * 24 * time.Hour,
	})

	for i := 0; i < 5; i++ {
		event := models.NewSecurityEvent(models.EventAuthLogin, "user-5", "198.51.100.7")
		event.SetAttr("device_fingerprint", "device-x")
		u.Enqueue(event)
	}
	u.Close() // Drains the queue

	p, err := u.Get(context.Background(), "user-5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.EventCount < 4.9 {
		t.Errorf("EventCount = %f, want ~5", p.EventCount)
	}
	if !p.KnowsDevice("device-x") {
		t.Error("device should be known after updates")
	}
	if !p.KnowsIP("198.51.100.7") {
		t.Error("IP should be known after updates")
	}
}

func TestUpdaterUnknownUserProfile(t *testing.T) {
	u := NewUpdater(testStore(t), config.ProfileConfig{QueueSize: 4, Workers: 1})
	defer u.Close()

	p, err := u.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.EventCount != 0 {
		t.Errorf("fresh profile EventCount = %f, want 0", p.EventCount)
	}
	if p.UserID != "nobody" {
		t.Errorf("UserID = %q", p.UserID)
	}
}

func TestEnqueueIgnoresAnonymousEvents(t *testing.T) {
	u := NewUpdater(testStore(t), config.ProfileConfig{QueueSize: 1, Workers: 1})
	defer u.Close()

	u.Enqueue(nil)
	u.Enqueue(models.NewSecurityEvent(models.EventAPIRequest, "", "10.0.0.1"))
	// Nothing to assert beyond not panicking; anonymous events carry no
	// profile identity.
}
