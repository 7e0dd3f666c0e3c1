// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"testing"
	"time"
)

func TestSlidingCounterCounts(t *testing.T) {
	c := newSlidingCounter(time.Minute, 6)
	for i := 1; i <= 5; i++ {
		if got := c.IncrementAndCount(); got != int64(i) {
			t.Fatalf("increment %d: got %d", i, got)
		}
	}
	if got := c.Count(); got != 5 {
		t.Fatalf("Count() = %d, want 5", got)
	}
}

func TestSlidingCounterExpires(t *testing.T) {
	c := newSlidingCounter(100*time.Millisecond, 4)
	c.IncrementAndCount()
	c.IncrementAndCount()

	time.Sleep(150 * time.Millisecond)

	if got := c.Count(); got != 0 {
		t.Fatalf("Count() after window = %d, want 0", got)
	}
}

func TestCounterStorePerKey(t *testing.T) {
	s := newCounterStore(time.Minute, 6, 0)
	s.IncrementAndCount("a")
	s.IncrementAndCount("a")
	s.IncrementAndCount("b")

	if got := s.Count("a"); got != 2 {
		t.Fatalf("Count(a) = %d, want 2", got)
	}
	if got := s.Count("b"); got != 1 {
		t.Fatalf("Count(b) = %d, want 1", got)
	}
	if got := s.Count("missing"); got != 0 {
		t.Fatalf("Count(missing) = %d, want 0", got)
	}
}

func TestCounterStoreEvictsAtCapacity(t *testing.T) {
	s := newCounterStore(time.Minute, 6, 2)
	s.IncrementAndCount("a")
	s.IncrementAndCount("b")
	s.IncrementAndCount("c")

	s.mu.Lock()
	n := len(s.counters)
	s.mu.Unlock()
	if n != 2 {
		t.Fatalf("counters = %d, want 2", n)
	}
}

func TestUniqueStoreCountsDistinct(t *testing.T) {
	s := newUniqueStore(time.Minute, 6, 0)
	if got := s.AddAndCount("ip", "alice"); got != 1 {
		t.Fatalf("first add = %d, want 1", got)
	}
	if got := s.AddAndCount("ip", "alice"); got != 1 {
		t.Fatalf("duplicate add = %d, want 1", got)
	}
	if got := s.AddAndCount("ip", "bob"); got != 2 {
		t.Fatalf("second value = %d, want 2", got)
	}
	if got := s.AddAndCount("other", "carol"); got != 1 {
		t.Fatalf("separate key = %d, want 1", got)
	}
}

func TestUniqueCounterExpires(t *testing.T) {
	u := newUniqueCounter(100*time.Millisecond, 4)
	u.AddAndCount("alice")
	u.AddAndCount("bob")

	time.Sleep(150 * time.Millisecond)

	if got := u.AddAndCount("carol"); got != 1 {
		t.Fatalf("count after window = %d, want 1", got)
	}
}
