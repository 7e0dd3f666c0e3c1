// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/secrets"
	"github.com/tomtom215/bastion/internal/store"
)

// Key prefixes for BadgerDB storage
const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "session_user:"
)

// fingerprintPurpose is the key-derivation purpose for fingerprints at rest.
const fingerprintPurpose = "session_fingerprint"

// Manager owns session lifecycle: creation with concurrency limits,
// validation with anomaly reporting, and revocation for incident response.
// Every mutating check runs as one store transaction so concurrent
// requests cannot both pass a limit.
type Manager struct {
	store   *store.Store
	secrets secrets.Provider
	audit   *audit.Logger
	config  config.SessionConfig
}

// NewManager creates a session manager over the shared state store.
// The secrets provider may be nil; fingerprints are then stored plain.
func NewManager(s *store.Store, sp secrets.Provider, auditLog *audit.Logger, cfg config.SessionConfig) *Manager {
	return &Manager{
		store:   s,
		secrets: sp,
		audit:   auditLog,
		config:  cfg,
	}
}

// Create establishes a session after successful authentication. When the
// user is at the concurrent-session cap the least-recently-active session
// is evicted rather than rejecting the new one: most recent device wins.
func (m *Manager) Create(ctx context.Context, userID, ip, deviceFP, level string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}
	if level == "" {
		level = LevelPassword
	}

	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:                id,
		UserID:            userID,
		DeviceFingerprint: deviceFP,
		CreatedAt:         now,
		LastActivity:      now,
		SecurityLevel:     level,
	}
	if ip != "" {
		sess.RecordIP(ip, now, m.config.IPHistoryLimit)
	}

	var evicted []string
	err = m.store.Update(ctx, "session_create", func(txn *badger.Txn) error {
		evicted = evicted[:0] // The transaction retries on conflict

		existing, err := m.userSessionsTxn(txn, userID)
		if err != nil {
			return err
		}

		if m.config.MaxConcurrent > 0 && len(existing) >= m.config.MaxConcurrent {
			sort.Slice(existing, func(i, j int) bool {
				return existing[i].LastActivity.Before(existing[j].LastActivity)
			})
			for len(existing) >= m.config.MaxConcurrent {
				victim := existing[0]
				existing = existing[1:]
				if err := deleteSessionTxn(txn, victim); err != nil {
					return err
				}
				evicted = append(evicted, victim.ID)
			}
		}

		return m.putSessionTxn(txn, sess)
	})
	if err != nil {
		return nil, err
	}

	for _, victimID := range evicted {
		metrics.SessionEvictions.Inc()
		m.audit.LogSessionEvent(ctx, audit.EventTypeSessionEvicted,
			logging.CorrelationIDFromContext(ctx), victimID, userID,
			"Evicted by concurrent session limit")
	}

	m.audit.LogSessionEvent(ctx, audit.EventTypeSessionCreated,
		logging.CorrelationIDFromContext(ctx), sess.ID, userID, "Session created")
	m.refreshActiveGauge(ctx)

	return sess, nil
}

// Validate checks a session and records the request's IP and device.
// Anomalies never invalidate the session; they are reported so the
// detection engine can score them. Runs as one store transaction.
func (m *Manager) Validate(ctx context.Context, sessionID, ip, deviceFP string) (Validation, error) {
	var (
		result  Validation
		userID  string
		expired bool
	)

	err := m.store.Update(ctx, "session_validate", func(txn *badger.Txn) error {
		result, expired = Validation{}, false // The transaction retries on conflict

		sess, err := m.getSessionTxn(txn, sessionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if m.isExpired(sess, now) {
			expired = true
			userID = sess.UserID
			return deleteSessionTxn(txn, sess)
		}

		result.Anomalies = m.detectAnomalies(sess, ip, deviceFP, now)

		if ip != "" && !sess.HasIP(ip) {
			sess.RecordIP(ip, now, m.config.IPHistoryLimit)
		}
		sess.LastActivity = now

		result.Valid = true
		result.UserID = sess.UserID
		result.SecurityLevel = sess.SecurityLevel
		return m.putSessionTxn(txn, sess)
	})

	switch {
	case errors.Is(err, ErrNotFound):
		metrics.RecordSessionValidation("not_found", nil)
		return Validation{}, ErrNotFound
	case err != nil:
		return Validation{}, err
	case expired:
		metrics.RecordSessionValidation("expired", nil)
		m.audit.LogSessionEvent(ctx, audit.EventTypeSessionRevoked,
			logging.CorrelationIDFromContext(ctx), sessionID, userID, "Session expired")
		m.refreshActiveGauge(ctx)
		return Validation{}, ErrExpired
	}

	metrics.RecordSessionValidation("valid", result.Anomalies)
	if len(result.Anomalies) > 0 {
		m.audit.LogSessionEvent(ctx, audit.EventTypeSessionAnomaly,
			logging.CorrelationIDFromContext(ctx), sessionID, result.UserID,
			"Anomalies: "+strings.Join(result.Anomalies, ", "))
	}
	return result, nil
}

// Get returns a session by ID without touching its activity time.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess *Session
	err := m.store.View(ctx, "session_get", func(txn *badger.Txn) error {
		var err error
		sess, err = m.getSessionTxn(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.isExpired(sess, time.Now().UTC()) {
		return nil, ErrExpired
	}
	return sess, nil
}

// ListUser returns all live sessions for a user.
func (m *Manager) ListUser(ctx context.Context, userID string) ([]*Session, error) {
	var sessions []*Session
	err := m.store.View(ctx, "session_list", func(txn *badger.Txn) error {
		var err error
		sessions, err = m.userSessionsTxn(txn, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Revoke terminates a single session. Used by incident response
// (revoke_session) and explicit logout.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	var userID string
	err := m.store.Update(ctx, "session_revoke", func(txn *badger.Txn) error {
		sess, err := m.getSessionTxn(txn, sessionID)
		if err != nil {
			return err
		}
		userID = sess.UserID
		return deleteSessionTxn(txn, sess)
	})
	if errors.Is(err, ErrNotFound) {
		return nil // Already gone
	}
	if err != nil {
		return err
	}

	m.audit.LogSessionEvent(ctx, audit.EventTypeSessionRevoked,
		logging.CorrelationIDFromContext(ctx), sessionID, userID, "Revoked: "+reason)
	m.refreshActiveGauge(ctx)
	return nil
}

// RevokeUser terminates every session for a user. Used by incident
// response (revoke_user_sessions). Returns the number revoked.
func (m *Manager) RevokeUser(ctx context.Context, userID, reason string) (int, error) {
	var revoked []string
	err := m.store.Update(ctx, "session_revoke_user", func(txn *badger.Txn) error {
		revoked = revoked[:0] // The transaction retries on conflict

		sessions, err := m.userSessionsTxn(txn, userID)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if err := deleteSessionTxn(txn, sess); err != nil {
				return err
			}
			revoked = append(revoked, sess.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range revoked {
		m.audit.LogSessionEvent(ctx, audit.EventTypeSessionRevoked,
			logging.CorrelationIDFromContext(ctx), id, userID, "Revoked: "+reason)
	}
	m.refreshActiveGauge(ctx)

	logging.Info().
		Str("user_id", userID).
		Int("count", len(revoked)).
		Str("reason", reason).
		Msg("User sessions revoked")
	return len(revoked), nil
}

// RequireMFA flags every session for a user so subsequent validations
// report mfa_required until the user re-authenticates with MFA. Used by
// the require_mfa incident action. Returns the number flagged.
func (m *Manager) RequireMFA(ctx context.Context, userID string) (int, error) {
	flagged := 0
	err := m.store.Update(ctx, "session_require_mfa", func(txn *badger.Txn) error {
		flagged = 0 // The transaction retries on conflict

		sessions, err := m.userSessionsTxn(txn, userID)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if sess.MFARequired || sess.SecurityLevel == LevelMFA {
				continue
			}
			sess.MFARequired = true
			if err := m.putSessionTxn(txn, sess); err != nil {
				return err
			}
			flagged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return flagged, nil
}

// Count returns the number of stored sessions, including any not yet
// expired by TTL.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.CountPrefix(ctx, "session_count", sessionKeyPrefix)
}

// detectAnomalies compares the request signature against session history.
func (m *Manager) detectAnomalies(sess *Session, ip, deviceFP string, now time.Time) []string {
	var anomalies []string

	newIP := ip != "" && len(sess.IPHistory) > 0 && !sess.HasIP(ip)
	if newIP {
		anomalies = append(anomalies, AnomalyNewIP)
	}
	if deviceFP != "" && sess.DeviceFingerprint != "" && deviceFP != sess.DeviceFingerprint {
		anomalies = append(anomalies, AnomalyNewDevice)
	}

	if m.config.ChurnThreshold > 0 && m.config.ChurnWindow > 0 {
		distinct := sess.DistinctIPsSince(now.Add(-m.config.ChurnWindow))
		if newIP {
			distinct++ // Count the incoming IP before it is recorded
		}
		if distinct >= m.config.ChurnThreshold {
			anomalies = append(anomalies, AnomalyIPChurn)
		}
	}

	if sess.MFARequired && sess.SecurityLevel != LevelMFA {
		anomalies = append(anomalies, AnomalyMFARequired)
	} else if m.config.MFARequiredOnIP && newIP && sess.SecurityLevel != LevelMFA {
		anomalies = append(anomalies, AnomalyMFARequired)
	}

	return anomalies
}

// isExpired applies both the absolute and the idle timeout.
func (m *Manager) isExpired(sess *Session, now time.Time) bool {
	if m.config.TTL > 0 && now.After(sess.CreatedAt.Add(m.config.TTL)) {
		return true
	}
	if m.config.IdleTimeout > 0 && now.After(sess.LastActivity.Add(m.config.IdleTimeout)) {
		return true
	}
	return false
}

// getSessionTxn loads and decrypts a session inside a transaction.
func (m *Manager) getSessionTxn(txn *badger.Txn, id string) (*Session, error) {
	item, err := txn.Get([]byte(sessionKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	if m.secrets != nil && sess.DeviceFingerprint != "" {
		plain, err := m.secrets.Decrypt(fingerprintPurpose, sess.DeviceFingerprint)
		if err != nil {
			return nil, fmt.Errorf("decrypt fingerprint: %w", err)
		}
		sess.DeviceFingerprint = plain
	}
	return &sess, nil
}

// putSessionTxn encrypts and persists a session with the absolute TTL.
func (m *Manager) putSessionTxn(txn *badger.Txn, sess *Session) error {
	stored := *sess
	if m.secrets != nil && stored.DeviceFingerprint != "" {
		enc, err := m.secrets.Encrypt(fingerprintPurpose, stored.DeviceFingerprint)
		if err != nil {
			return fmt.Errorf("encrypt fingerprint: %w", err)
		}
		stored.DeviceFingerprint = enc
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := m.config.TTL
	if ttl > 0 {
		ttl = time.Until(sess.CreatedAt.Add(m.config.TTL))
		if ttl <= 0 {
			return ErrExpired
		}
	}

	entry := badger.NewEntry([]byte(sessionKeyPrefix+sess.ID), data)
	userEntry := badger.NewEntry([]byte(userKeyPrefix+sess.UserID+":"+sess.ID), []byte(sess.ID))
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
		userEntry = userEntry.WithTTL(ttl)
	}

	if err := txn.SetEntry(entry); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	if err := txn.SetEntry(userEntry); err != nil {
		return fmt.Errorf("set user mapping: %w", err)
	}
	return nil
}

// userSessionsTxn loads all sessions for a user via the user index.
func (m *Manager) userSessionsTxn(txn *badger.Txn, userID string) ([]*Session, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	var sessions []*Session
	prefix := []byte(userKeyPrefix + userID + ":")
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var sessionID string
		if err := it.Item().Value(func(val []byte) error {
			sessionID = string(val)
			return nil
		}); err != nil {
			continue
		}

		sess, err := m.getSessionTxn(txn, sessionID)
		if errors.Is(err, ErrNotFound) {
			continue // Index entry outlived the session
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// deleteSessionTxn removes a session and its user index entry.
func deleteSessionTxn(txn *badger.Txn, sess *Session) error {
	if err := txn.Delete([]byte(sessionKeyPrefix + sess.ID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := txn.Delete([]byte(userKeyPrefix + sess.UserID + ":" + sess.ID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete user mapping: %w", err)
	}
	return nil
}

// refreshActiveGauge recounts live sessions; TTL-expired entries fall out
// on the next refresh.
func (m *Manager) refreshActiveGauge(ctx context.Context) {
	count, err := m.store.CountPrefix(ctx, "session_count", sessionKeyPrefix)
	if err != nil {
		return
	}
	metrics.SessionsActive.Set(float64(count))
}
