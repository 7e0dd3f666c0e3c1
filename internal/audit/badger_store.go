// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/store"
)

// Key prefixes for BadgerDB storage. Records are keyed by an inverted
// nanosecond timestamp so prefix iteration yields newest-first order.
const (
	recordKeyPrefix = "audit:"
	corrKeyPrefix   = "audit_corr:"
	idKeyPrefix     = "audit_id:"
)

// BadgerStore implements Store on the shared state store. Records expire
// via TTL after the configured retention period.
type BadgerStore struct {
	store     *store.Store
	retention time.Duration
}

// NewBadgerStore creates a badger-backed audit store.
func NewBadgerStore(s *store.Store, retentionDays int) *BadgerStore {
	return &BadgerStore{
		store:     s,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// recordKey orders records newest-first under the audit: prefix.
func recordKey(ts time.Time, id string) string {
	inverted := uint64(1<<63) - uint64(ts.UnixNano())
	return recordKeyPrefix + strconv.FormatUint(inverted, 16) + ":" + id
}

// Save persists a record plus its correlation and ID indexes.
func (b *BadgerStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	primary := recordKey(rec.Timestamp, rec.ID)
	if err := b.store.SetJSON(ctx, "audit_save", primary, json.RawMessage(data), b.retention); err != nil {
		return err
	}

	// Index by record ID for direct lookup
	if err := b.store.SetJSON(ctx, "audit_save", idKeyPrefix+rec.ID, primary, b.retention); err != nil {
		return err
	}

	// Index by correlation ID for causal-chain queries
	if rec.CorrelationID != "" {
		corrKey := corrKeyPrefix + rec.CorrelationID + ":" + rec.ID
		if err := b.store.SetJSON(ctx, "audit_save", corrKey, primary, b.retention); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a record by ID.
func (b *BadgerStore) Get(ctx context.Context, id string) (*Record, error) {
	var primary string
	if err := b.store.GetJSON(ctx, "audit_get", idKeyPrefix+id, &primary); err != nil {
		return nil, err
	}

	var rec Record
	if err := b.store.GetJSON(ctx, "audit_get", primary, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Query retrieves records matching the filter, newest first.
func (b *BadgerStore) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var results []Record
	skipped := 0

	collect := func(key string, val []byte) error {
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return nil // Skip undecodable entries rather than failing the query
		}
		if !matches(&rec, filter) {
			return nil
		}
		if skipped < filter.Offset {
			skipped++
			return nil
		}
		results = append(results, rec)
		if len(results) >= filter.Limit {
			return errQueryDone
		}
		return nil
	}

	var err error
	if filter.CorrelationID != "" {
		err = b.queryByCorrelation(ctx, filter, collect)
	} else {
		err = b.store.IteratePrefix(ctx, "audit_query", recordKeyPrefix, collect)
	}
	if err != nil && !errors.Is(err, errQueryDone) {
		return nil, err
	}
	return results, nil
}

var errQueryDone = errors.New("audit: query limit reached")

// queryByCorrelation resolves the correlation index, then loads records.
func (b *BadgerStore) queryByCorrelation(ctx context.Context, filter QueryFilter, collect func(string, []byte) error) error {
	var primaries []string
	err := b.store.IteratePrefix(ctx, "audit_query", corrKeyPrefix+filter.CorrelationID+":", func(key string, val []byte) error {
		var primary string
		if err := json.Unmarshal(val, &primary); err != nil {
			return nil
		}
		primaries = append(primaries, primary)
		return nil
	})
	if err != nil {
		return err
	}
	// Primary keys sort newest-first by construction
	sort.Strings(primaries)

	for _, primary := range primaries {
		var raw json.RawMessage
		if err := b.store.GetJSON(ctx, "audit_query", primary, &raw); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // Record expired; index entry outlived it
			}
			return err
		}
		if err := collect(primary, raw); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records matching the filter.
func (b *BadgerStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	var count int64
	err := b.store.IteratePrefix(ctx, "audit_count", recordKeyPrefix, func(key string, val []byte) error {
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return nil
		}
		if matches(&rec, filter) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// matches applies the filter to a single record.
func matches(rec *Record, filter QueryFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if rec.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ActorID != "" && rec.Actor.ID != filter.ActorID {
		return false
	}
	if filter.CorrelationID != "" && rec.CorrelationID != filter.CorrelationID {
		return false
	}
	if filter.StartTime != nil && rec.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && rec.Timestamp.After(*filter.EndTime) {
		return false
	}
	return true
}
