// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package store provides the shared BadgerDB state store used by every
// pipeline component: rate limit counters, sessions, behavior profiles,
// incidents, and audit records.
//
// All access goes through View and Update, which enforce a per-operation
// deadline and route through a circuit breaker. When the store is
// unhealthy the breaker opens and operations fail fast with
// ErrUnavailable, letting callers apply their configured degraded
// behavior (rate limiters fail open, detectors skip history-based
// scoring) instead of stalling the pipeline.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable is returned when the store cannot serve the operation:
	// the circuit breaker is open or the operation deadline was exceeded.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrContention is returned when an update transaction kept
	// conflicting with concurrent writers after all retries. The store
	// is healthy; the key is saturated.
	ErrContention = errors.New("store: transaction contention")
)

// Conflicting update transactions are retried before ErrContention
// surfaces. The backoff doubles per attempt and is capped so the worst
// case stays well inside the operation deadline.
const (
	conflictMaxAttempts = 10
	conflictBackoffBase = time.Millisecond
	conflictBackoffCap  = 16 * time.Millisecond
)

// Store wraps a BadgerDB instance with operation deadlines, a circuit
// breaker, and metrics. A single Store is shared across the process.
type Store struct {
	db      *badger.DB
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration

	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// Open creates (or opens) the store at the configured path.
func Open(cfg config.StoreConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts.NumCompactors = 2
	// Badger's own logger is noisy; state changes are logged here instead
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{
		db:      db,
		timeout: cfg.OpTimeout,
		gcDone:  make(chan struct{}),
	}

	s.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "store",
		MaxRequests: cfg.BreakerMaxHalfOpen,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		// Missing keys and write contention are normal outcomes on a
		// healthy store; only infrastructure failures count toward
		// tripping the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrContention) ||
				errors.Is(err, badger.ErrConflict)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("component", "store").
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state change")
			metrics.UpdateCircuitBreakerState(name, from.String(), to.String())
		},
	})

	gcCtx, cancel := context.WithCancel(context.Background())
	s.gcCancel = cancel
	go s.runGC(gcCtx, cfg.GCInterval)

	logging.Info().
		Str("component", "store").
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Dur("op_timeout", cfg.OpTimeout).
		Msg("store opened")

	return s, nil
}

// runGC periodically reclaims value-log space. Badger returns ErrNoRewrite
// when nothing needed collecting, which is not an error.
func (s *Store) runGC(ctx context.Context, interval time.Duration) {
	defer close(s.gcDone)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Str("component", "store").Msg("value log GC failed")
			}
		}
	}
}

// Close stops background work and closes the database.
func (s *Store) Close() error {
	s.gcCancel()
	<-s.gcDone
	return s.db.Close()
}

// View runs a read-only transaction under the breaker and deadline.
// The name labels metrics and log lines for this operation.
func (s *Store) View(ctx context.Context, name string, fn func(txn *badger.Txn) error) error {
	return s.execute(ctx, name, func() error {
		return s.db.View(fn)
	})
}

// Update runs a read-write transaction under the breaker and deadline.
// The closure executes atomically; a transaction that conflicts with a
// concurrent writer is retried against the new state, so fn may run more
// than once and must reset any captured variables at its top. Updates
// that still conflict after all retries return ErrContention.
func (s *Store) Update(ctx context.Context, name string, fn func(txn *badger.Txn) error) error {
	return s.execute(ctx, name, func() error {
		backoff := conflictBackoffBase
		for attempt := 1; attempt <= conflictMaxAttempts; attempt++ {
			err := s.db.Update(fn)
			if !errors.Is(err, badger.ErrConflict) {
				return err
			}
			if attempt == conflictMaxAttempts {
				break
			}
			time.Sleep(backoff)
			if backoff *= 2; backoff > conflictBackoffCap {
				backoff = conflictBackoffCap
			}
		}
		return fmt.Errorf("%w: %s after %d attempts", ErrContention, name, conflictMaxAttempts)
	})
}

func (s *Store) execute(ctx context.Context, name string, op func() error) error {
	start := time.Now()

	_, err := s.breaker.Execute(func() (any, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- op() }()

		select {
		case err := <-done:
			return nil, err
		case <-opCtx.Done():
			return nil, opCtx.Err()
		}
	})

	metrics.RecordStoreOp(name, time.Since(start), err)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s deadline exceeded", ErrUnavailable, name)
	default:
		return err
	}
}

// GetJSON reads and unmarshals the value at key into out.
func (s *Store) GetJSON(ctx context.Context, name, key string, out any) error {
	return s.View(ctx, name, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// SetJSON marshals v and writes it at key, with an optional TTL.
func (s *Store) SetJSON(ctx context.Context, name, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Update(ctx, name, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Delete removes the value at key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, name, key string) error {
	return s.Update(ctx, name, func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// IteratePrefix calls fn for each key/value under prefix in a single
// read-only transaction. Returning an error from fn stops iteration.
func (s *Store) IteratePrefix(ctx context.Context, name, prefix string, fn func(key string, val []byte) error) error {
	return s.View(ctx, name, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountPrefix returns the number of keys under prefix.
func (s *Store) CountPrefix(ctx context.Context, name, prefix string) (int, error) {
	count := 0
	err := s.View(ctx, name, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Degraded reports whether the store is currently failing fast.
func (s *Store) Degraded() bool {
	return s.breaker.State() != gobreaker.StateClosed
}
