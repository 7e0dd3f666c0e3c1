// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/config"
)

// Counters only record allowed requests, so a stored count never exceeds
// the policy limit. Each algorithm runs inside one store transaction:
// read, decide, conditionally increment. The transaction retries on
// conflict, so each closure resets its captured state on entry.

// fixedWindow counts allowed requests per aligned window. Cheapest
// strategy, but permits a burst of up to 2x the limit across a window
// boundary.
func (l *Limiter) fixedWindow(ctx context.Context, key string, policy config.RateLimitPolicyConfig, now time.Time) (Decision, error) {
	windowStart := now.Truncate(policy.Window)
	resetAt := windowStart.Add(policy.Window)
	storageKey := fmt.Sprintf("%s%s:%s:%d", fixedKeyPrefix, policy.Name, key, windowStart.Unix())

	var count int64
	allowed := false

	err := l.store.Update(ctx, "ratelimit_check", func(txn *badger.Txn) error {
		allowed = false

		var err error
		count, err = readCounter(txn, storageKey)
		if err != nil {
			return err
		}

		if count >= policy.Limit {
			return nil
		}

		count++
		allowed = true
		entry := badger.NewEntry([]byte(storageKey), []byte(strconv.FormatInt(count, 10))).
			WithTTL(time.Until(resetAt) + policy.Window)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Allowed:   allowed,
		Policy:    policy.Name,
		Remaining: maxInt64(0, policy.Limit-count),
		ResetAt:   resetAt,
	}
	if !allowed {
		decision.RetryAfter = time.Until(resetAt)
	}
	return decision, nil
}

// slidingWindow weights the previous aligned window by the unelapsed
// fraction of the current one. Bounds the boundary-burst problem without
// storing per-request timestamps.
func (l *Limiter) slidingWindow(ctx context.Context, key string, policy config.RateLimitPolicyConfig, now time.Time) (Decision, error) {
	currentStart := now.Truncate(policy.Window)
	previousStart := currentStart.Add(-policy.Window)
	resetAt := currentStart.Add(policy.Window)

	currentKey := fmt.Sprintf("%s%s:%s:%d", slidingKeyPrefix, policy.Name, key, currentStart.Unix())
	previousKey := fmt.Sprintf("%s%s:%s:%d", slidingKeyPrefix, policy.Name, key, previousStart.Unix())

	// Fraction of the current window already elapsed.
	elapsed := float64(now.Sub(currentStart)) / float64(policy.Window)

	var current, weighted int64
	allowed := false

	err := l.store.Update(ctx, "ratelimit_check", func(txn *badger.Txn) error {
		allowed = false

		var err error
		current, err = readCounter(txn, currentKey)
		if err != nil {
			return err
		}
		previous, err := readCounter(txn, previousKey)
		if err != nil {
			return err
		}

		weighted = current + int64(float64(previous)*(1.0-elapsed))
		if weighted >= policy.Limit {
			return nil
		}

		current++
		weighted++
		allowed = true
		entry := badger.NewEntry([]byte(currentKey), []byte(strconv.FormatInt(current, 10))).
			WithTTL(2 * policy.Window)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Allowed:   allowed,
		Policy:    policy.Name,
		Remaining: maxInt64(0, policy.Limit-weighted),
		ResetAt:   resetAt,
	}
	if !allowed {
		decision.RetryAfter = time.Until(resetAt)
	}
	return decision, nil
}

// bucketState is the persisted token bucket.
type bucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// tokenBucket refills at limit/window and holds at most burst tokens
// (burst defaults to the limit). Smooths steady-state traffic while
// permitting short bursts.
func (l *Limiter) tokenBucket(ctx context.Context, key string, policy config.RateLimitPolicyConfig, now time.Time) (Decision, error) {
	capacity := policy.Burst
	if capacity <= 0 {
		capacity = policy.Limit
	}
	refillPerSec := float64(policy.Limit) / policy.Window.Seconds()
	storageKey := bucketKeyPrefix + policy.Name + ":" + key

	var state bucketState
	allowed := false

	err := l.store.Update(ctx, "ratelimit_check", func(txn *badger.Txn) error {
		allowed = false

		item, err := txn.Get([]byte(storageKey))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			state = bucketState{Tokens: float64(capacity), LastRefill: now}
		default:
			return err
		}

		// Refill for elapsed time, clamped to capacity.
		elapsed := now.Sub(state.LastRefill).Seconds()
		if elapsed > 0 {
			state.Tokens += elapsed * refillPerSec
			if state.Tokens > float64(capacity) {
				state.Tokens = float64(capacity)
			}
			state.LastRefill = now
		}

		if state.Tokens >= 1 {
			state.Tokens--
			allowed = true
		}

		data, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(storageKey), data).WithTTL(2 * policy.Window)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Allowed:   allowed,
		Policy:    policy.Name,
		Remaining: int64(state.Tokens),
		ResetAt:   now.Add(timeToFull(state.Tokens, float64(capacity), refillPerSec)),
	}
	if !allowed {
		decision.RetryAfter = timeToNextToken(state.Tokens, refillPerSec)
	}
	return decision, nil
}

// readCounter reads an integer counter, treating a missing key as zero.
func readCounter(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var count int64
	err = item.Value(func(val []byte) error {
		parsed, perr := strconv.ParseInt(string(val), 10, 64)
		if perr != nil {
			return perr
		}
		count = parsed
		return nil
	})
	return count, err
}

// timeToNextToken is how long until one full token has refilled.
func timeToNextToken(tokens, refillPerSec float64) time.Duration {
	deficit := 1.0 - tokens
	if deficit <= 0 || refillPerSec <= 0 {
		return 0
	}
	return time.Duration(deficit / refillPerSec * float64(time.Second))
}

// timeToFull is how long until the bucket refills to capacity.
func timeToFull(tokens, capacity, refillPerSec float64) time.Duration {
	deficit := capacity - tokens
	if deficit <= 0 || refillPerSec <= 0 {
		return 0
	}
	return time.Duration(deficit / refillPerSec * float64(time.Second))
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
