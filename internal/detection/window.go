// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package detection

import (
	"sync"
	"time"
)

// slidingCounter is a bucketed sliding-window counter. The window is
// divided into buckets summed on read; expired buckets are zeroed as the
// window advances.
//
// Increment is O(1), Count is O(buckets).
type slidingCounter struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time
}

func newSlidingCounter(window time.Duration, numBuckets int) *slidingCounter {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &slidingCounter{
		buckets:    make([]int64, numBuckets),
		bucketSize: window / time.Duration(numBuckets),
		numBuckets: numBuckets,
		lastUpdate: time.Now(),
	}
}

// IncrementAndCount adds one and returns the window total.
func (c *slidingCounter) IncrementAndCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance()
	c.buckets[c.current]++

	var total int64
	for _, n := range c.buckets {
		total += n
	}
	return total
}

// Count returns the window total without recording anything.
func (c *slidingCounter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance()
	var total int64
	for _, n := range c.buckets {
		total += n
	}
	return total
}

// advance zeroes buckets that fell out of the window. Lock held.
func (c *slidingCounter) advance() {
	now := time.Now()
	elapsed := int(now.Sub(c.lastUpdate) / c.bucketSize)
	if elapsed <= 0 {
		return
	}

	if elapsed >= c.numBuckets {
		for i := range c.buckets {
			c.buckets[i] = 0
		}
		c.current = 0
	} else {
		for i := 0; i < elapsed; i++ {
			c.current = (c.current + 1) % c.numBuckets
			c.buckets[c.current] = 0
		}
	}
	c.lastUpdate = now
}

// counterStore holds per-key sliding counters with a key cap. At
// capacity an arbitrary counter is evicted; detection windows are short
// so losing one counter briefly under-counts rather than breaking.
type counterStore struct {
	mu         sync.Mutex
	counters   map[string]*slidingCounter
	window     time.Duration
	numBuckets int
	maxKeys    int
}

func newCounterStore(window time.Duration, numBuckets, maxKeys int) *counterStore {
	return &counterStore{
		counters:   make(map[string]*slidingCounter),
		window:     window,
		numBuckets: numBuckets,
		maxKeys:    maxKeys,
	}
}

// IncrementAndCount records one observation for the key and returns the
// key's window total.
func (s *counterStore) IncrementAndCount(key string) int64 {
	s.mu.Lock()
	counter, ok := s.counters[key]
	if !ok {
		if s.maxKeys > 0 && len(s.counters) >= s.maxKeys {
			s.evictOne()
		}
		counter = newSlidingCounter(s.window, s.numBuckets)
		s.counters[key] = counter
	}
	s.mu.Unlock()

	return counter.IncrementAndCount()
}

// Count returns the key's window total.
func (s *counterStore) Count(key string) int64 {
	s.mu.Lock()
	counter, ok := s.counters[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return counter.Count()
}

// evictOne removes an arbitrary counter. Lock held.
func (s *counterStore) evictOne() {
	for key := range s.counters {
		delete(s.counters, key)
		return
	}
}

// uniqueCounter tracks distinct values per bucket within a window.
type uniqueCounter struct {
	mu         sync.Mutex
	buckets    []map[string]struct{}
	bucketSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time
}

func newUniqueCounter(window time.Duration, numBuckets int) *uniqueCounter {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	buckets := make([]map[string]struct{}, numBuckets)
	for i := range buckets {
		buckets[i] = make(map[string]struct{})
	}
	return &uniqueCounter{
		buckets:    buckets,
		bucketSize: window / time.Duration(numBuckets),
		numBuckets: numBuckets,
		lastUpdate: time.Now(),
	}
}

// AddAndCount records a value and returns the distinct count in the window.
func (u *uniqueCounter) AddAndCount(value string) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.advance()
	u.buckets[u.current][value] = struct{}{}

	merged := make(map[string]struct{})
	for _, bucket := range u.buckets {
		for v := range bucket {
			merged[v] = struct{}{}
		}
	}
	return len(merged)
}

func (u *uniqueCounter) advance() {
	now := time.Now()
	elapsed := int(now.Sub(u.lastUpdate) / u.bucketSize)
	if elapsed <= 0 {
		return
	}

	if elapsed >= u.numBuckets {
		for i := range u.buckets {
			u.buckets[i] = make(map[string]struct{})
		}
		u.current = 0
	} else {
		for i := 0; i < elapsed; i++ {
			u.current = (u.current + 1) % u.numBuckets
			u.buckets[u.current] = make(map[string]struct{})
		}
	}
	u.lastUpdate = now
}

// uniqueStore holds per-key unique-value counters with a key cap.
type uniqueStore struct {
	mu         sync.Mutex
	counters   map[string]*uniqueCounter
	window     time.Duration
	numBuckets int
	maxKeys    int
}

func newUniqueStore(window time.Duration, numBuckets, maxKeys int) *uniqueStore {
	return &uniqueStore{
		counters:   make(map[string]*uniqueCounter),
		window:     window,
		numBuckets: numBuckets,
		maxKeys:    maxKeys,
	}
}

// AddAndCount records value under key and returns the key's distinct count.
func (s *uniqueStore) AddAndCount(key, value string) int {
	s.mu.Lock()
	counter, ok := s.counters[key]
	if !ok {
		if s.maxKeys > 0 && len(s.counters) >= s.maxKeys {
			for k := range s.counters {
				delete(s.counters, k)
				break
			}
		}
		counter = newUniqueCounter(s.window, s.numBuckets)
		s.counters[key] = counter
	}
	s.mu.Unlock()

	return counter.AddAndCount(value)
}
