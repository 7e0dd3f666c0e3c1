// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package ratelimit throttles security events per actor, source IP, or
// both, using named policies backed by atomic counters in the state store.
// Each check is a single read-modify-write transaction so concurrent
// checkers on different instances cannot both pass the same limit.
//
// When the store is degraded the limiter fails open by default: rate
// limiting is a defense-in-depth control, not the sole gate, so
// availability wins. Policies that guard sensitive event types can opt
// into fail-closed instead.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/store"
)

// Storage key prefixes. Counter keys are namespaced per policy and
// algorithm; administrative blocks live under their own prefix so a block
// wins regardless of policy state.
const (
	fixedKeyPrefix   = "rl_fw:"
	slidingKeyPrefix = "rl_sw:"
	bucketKeyPrefix  = "rl_tb:"
	blockKeyPrefix   = "rl_block:"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`

	// Policy is the name of the policy that produced this decision.
	Policy string `json:"policy,omitempty"`

	// Remaining is the number of requests left in the current window.
	Remaining int64 `json:"remaining"`

	// ResetAt is when the current window ends.
	ResetAt time.Time `json:"reset_at"`

	// RetryAfter is how long a denied caller should wait. Zero when allowed.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Degraded marks decisions made while the store was unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// blockEntry is an administrative deny that overrides every policy.
type blockEntry struct {
	Subject   string    `json:"subject"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Limiter evaluates named rate limit policies against security events.
type Limiter struct {
	store *store.Store
	audit *audit.Logger

	mu     sync.RWMutex
	config config.RateLimitConfig

	// degraded latches store availability so recovery is logged once
	// per outage. Degradation itself is logged on every affected check.
	degraded atomic.Bool
}

// NewLimiter creates a rate limiter over the shared state store.
func NewLimiter(s *store.Store, auditLog *audit.Logger, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		store:  s,
		audit:  auditLog,
		config: cfg,
	}
}

// Check evaluates the event against administrative blocks and every
// matching policy. The first deny short-circuits; the returned Decision
// carries retry information for the caller's throttle response.
func (l *Limiter) Check(ctx context.Context, event *models.SecurityEvent) (Decision, error) {
	l.mu.RLock()
	cfg := l.config
	l.mu.RUnlock()

	if !cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()

	// Administrative blocks win over any policy.
	for _, subject := range blockSubjects(event) {
		blocked, entry := l.checkBlock(ctx, subject)
		if !blocked {
			continue
		}
		retry := time.Until(entry.ExpiresAt)
		l.audit.LogRateLimitDenied(ctx, event.EventID, "block:"+entry.Reason, subject, event.ActorID)
		metrics.RecordRateLimitDecision("block", "deny")
		return Decision{
			Allowed:    false,
			Policy:     "block",
			ResetAt:    entry.ExpiresAt,
			RetryAfter: retry,
		}, nil
	}

	// When every policy allows, the caller gets the tightest of their
	// decisions so throttle headers reflect the binding constraint.
	final := Decision{Allowed: true}
	matched := false

	for _, policy := range cfg.Policies {
		if !policyApplies(policy, event.EventType) {
			continue
		}

		key, ok := policyKey(policy, event)
		if !ok {
			continue // Event lacks the identity this policy keys on
		}

		decision, err := l.checkPolicy(ctx, key, policy, now)
		if err != nil {
			decision = l.policyErrorDecision(policy, err)
		} else {
			l.markHealthy()
		}

		if !decision.Allowed {
			l.audit.LogRateLimitDenied(ctx, event.EventID, policy.Name, key, event.ActorID)
			metrics.RecordRateLimitDecision(policy.Name, "deny")
			return decision, nil
		}
		metrics.RecordRateLimitDecision(policy.Name, "allow")

		if !matched || decision.Remaining < final.Remaining {
			matched = true
			remember := decision.Degraded || final.Degraded
			final = decision
			final.Degraded = remember
		} else if decision.Degraded {
			final.Degraded = true
		}
	}

	return final, nil
}

// CheckKey evaluates a single named policy against an explicit identifier.
// Used by the administrative check endpoint, which supplies its own key.
func (l *Limiter) CheckKey(ctx context.Context, key, policyName string) (Decision, error) {
	l.mu.RLock()
	cfg := l.config
	l.mu.RUnlock()

	if !cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	for _, policy := range cfg.Policies {
		if policy.Name != policyName {
			continue
		}
		decision, err := l.checkPolicy(ctx, key, policy, time.Now())
		if err != nil {
			decision = l.policyErrorDecision(policy, err)
		} else {
			l.markHealthy()
		}
		if decision.Allowed {
			metrics.RecordRateLimitDecision(policy.Name, "allow")
		} else {
			metrics.RecordRateLimitDecision(policy.Name, "deny")
		}
		return decision, nil
	}

	return Decision{}, fmt.Errorf("ratelimit: unknown policy %q", policyName)
}

// Block denies all requests for a subject until the duration elapses.
// Invoked by incident response (block_ip) and the admin surface.
func (l *Limiter) Block(ctx context.Context, subject, reason string, duration time.Duration) error {
	if duration <= 0 {
		return errors.New("ratelimit: block duration must be positive")
	}

	now := time.Now()
	entry := blockEntry{
		Subject:   subject,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: now.Add(duration),
	}
	if err := l.store.SetJSON(ctx, "ratelimit_block", blockKeyPrefix+subject, &entry, duration); err != nil {
		return fmt.Errorf("ratelimit: block %s: %w", subject, err)
	}

	logging.Warn().
		Str("subject", subject).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("Rate limit key blocked")

	l.audit.LogRateLimitBlocked(ctx, logging.CorrelationIDFromContext(ctx), subject, reason, duration)
	l.refreshBlockGauge(ctx)
	return nil
}

// Reset clears the administrative block and all policy counters for a
// subject. Used by incident response when containment is lifted.
func (l *Limiter) Reset(ctx context.Context, subject string) error {
	if err := l.store.Delete(ctx, "ratelimit_reset", blockKeyPrefix+subject); err != nil {
		return fmt.Errorf("ratelimit: reset block %s: %w", subject, err)
	}

	l.mu.RLock()
	policies := l.config.Policies
	l.mu.RUnlock()

	for _, policy := range policies {
		if err := l.resetPolicyCounters(ctx, policy, subject); err != nil {
			return fmt.Errorf("ratelimit: reset %s counters for %s: %w", policy.Name, subject, err)
		}
	}

	logging.Info().Str("subject", subject).Msg("Rate limit state reset")
	l.audit.LogRateLimitReset(ctx, subject)
	l.refreshBlockGauge(ctx)
	return nil
}

// BlockedSubjects lists currently active administrative blocks.
func (l *Limiter) BlockedSubjects(ctx context.Context) ([]string, error) {
	var subjects []string
	err := l.store.IteratePrefix(ctx, "ratelimit_blocks", blockKeyPrefix, func(key string, val []byte) error {
		subjects = append(subjects, key[len(blockKeyPrefix):])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subjects, nil
}

// SetEnabled toggles the limiter at runtime.
func (l *Limiter) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Enabled = enabled
}

// checkPolicy dispatches the policy's algorithm.
func (l *Limiter) checkPolicy(ctx context.Context, key string, policy config.RateLimitPolicyConfig, now time.Time) (Decision, error) {
	switch policy.Algorithm {
	case "fixed_window":
		return l.fixedWindow(ctx, key, policy, now)
	case "sliding_window":
		return l.slidingWindow(ctx, key, policy, now)
	case "token_bucket":
		return l.tokenBucket(ctx, key, policy, now)
	default:
		return Decision{}, fmt.Errorf("ratelimit: unknown algorithm %q", policy.Algorithm)
	}
}

// policyErrorDecision maps a failed counter transaction onto a decision.
// Contention after retries is not degradation: the store is healthy and
// the key is saturated with concurrent writers, so the only answer
// consistent with the limit is a denial.
func (l *Limiter) policyErrorDecision(policy config.RateLimitPolicyConfig, err error) Decision {
	if errors.Is(err, store.ErrContention) {
		metrics.RecordRateLimitDecision(policy.Name, "contended")
		return Decision{
			Allowed:    false,
			Policy:     policy.Name,
			RetryAfter: time.Second,
		}
	}
	return l.degradedDecision(policy, err)
}

// degradedDecision applies the policy's fail-open/fail-closed stance when
// the store cannot be consulted. Every degraded decision logs, so an
// outage's blast radius is countable from the log stream.
func (l *Limiter) degradedDecision(policy config.RateLimitPolicyConfig, err error) Decision {
	l.degraded.Store(true)
	logging.Warn().
		Err(err).
		Str("policy", policy.Name).
		Bool("fail_closed", policy.FailClosed).
		Msg("Rate limiter degraded: store unavailable")

	if policy.FailClosed {
		metrics.RecordRateLimitDecision(policy.Name, "fail_closed")
		return Decision{
			Allowed:    false,
			Policy:     policy.Name,
			RetryAfter: policy.Window,
			Degraded:   true,
		}
	}

	metrics.RecordRateLimitDecision(policy.Name, "fail_open")
	return Decision{Allowed: true, Policy: policy.Name, Degraded: true}
}

// markHealthy resets the degradation latch after a successful store op.
func (l *Limiter) markHealthy() {
	if l.degraded.CompareAndSwap(true, false) {
		logging.Info().Msg("Rate limiter recovered: store available")
	}
}

// checkBlock reports whether the subject has an active administrative block.
func (l *Limiter) checkBlock(ctx context.Context, subject string) (bool, *blockEntry) {
	var entry blockEntry
	err := l.store.GetJSON(ctx, "ratelimit_block_check", blockKeyPrefix+subject, &entry)
	if err != nil {
		// Missing or degraded: no block. Blocks are best effort on top of
		// the policy counters.
		return false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		return false, nil
	}
	return true, &entry
}

// resetPolicyCounters deletes every counter a policy holds for a subject.
func (l *Limiter) resetPolicyCounters(ctx context.Context, policy config.RateLimitPolicyConfig, subject string) error {
	prefixes := []string{
		fixedKeyPrefix + policy.Name + ":" + subject,
		slidingKeyPrefix + policy.Name + ":" + subject,
		bucketKeyPrefix + policy.Name + ":" + subject,
	}

	for _, prefix := range prefixes {
		var keys []string
		err := l.store.IteratePrefix(ctx, "ratelimit_reset", prefix, func(key string, val []byte) error {
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := l.store.Delete(ctx, "ratelimit_reset", key); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshBlockGauge recounts active blocks. Expired entries fall out of
// the count on the next refresh via badger TTL.
func (l *Limiter) refreshBlockGauge(ctx context.Context) {
	count, err := l.store.CountPrefix(ctx, "ratelimit_blocks", blockKeyPrefix)
	if err != nil {
		return
	}
	metrics.RateLimitBlocks.Set(float64(count))
}

// policyApplies reports whether a policy covers the event type. An empty
// EventTypes list means the policy applies to everything.
func policyApplies(policy config.RateLimitPolicyConfig, eventType string) bool {
	if len(policy.EventTypes) == 0 {
		return true
	}
	for _, t := range policy.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// policyKey builds the counter identity for an event under a policy.
func policyKey(policy config.RateLimitPolicyConfig, event *models.SecurityEvent) (string, bool) {
	switch policy.KeyBy {
	case "actor":
		if event.ActorID == "" {
			return "", false
		}
		return "actor:" + event.ActorID, true
	case "ip":
		if event.SourceIP == "" {
			return "", false
		}
		return "ip:" + event.SourceIP, true
	case "actor_ip":
		if event.ActorID == "" && event.SourceIP == "" {
			return "", false
		}
		return "actor:" + event.ActorID + "+ip:" + event.SourceIP, true
	default:
		return "", false
	}
}

// blockSubjects lists the block identities an event can match.
func blockSubjects(event *models.SecurityEvent) []string {
	var subjects []string
	if event.SourceIP != "" {
		subjects = append(subjects, "ip:"+event.SourceIP)
	}
	if event.ActorID != "" {
		subjects = append(subjects, "actor:"+event.ActorID)
	}
	return subjects
}
