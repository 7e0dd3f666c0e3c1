// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/store"
)

// Key prefixes for BadgerDB storage
const (
	incidentKeyPrefix = "incident:"
	corrKeyPrefix     = "incident_corr:"
)

// errNoTarget marks an action whose target is absent from the incident,
// e.g. revoke_session with no session ID. Such actions are skipped, not
// retried.
var errNoTarget = errors.New("action target not present on incident")

// Blocker applies rate-limit blocks, satisfied by the rate limiter.
type Blocker interface {
	Block(ctx context.Context, subject, reason string, duration time.Duration) error
}

// SessionActions revokes and hardens sessions, satisfied by the
// session manager.
type SessionActions interface {
	Revoke(ctx context.Context, sessionID, reason string) error
	RevokeUser(ctx context.Context, userID, reason string) (int, error)
	RequireMFA(ctx context.Context, userID string) (int, error)
}

// Engine correlates findings into incidents and executes response
// playbooks. Correlation runs as a single store transaction so
// concurrent findings for the same actor and threat cannot open
// duplicate incidents.
type Engine struct {
	store    *store.Store
	audit    *audit.Logger
	limiter  Blocker
	sessions SessionActions
	notifier Notifier
	config   config.IncidentConfig

	wg sync.WaitGroup
}

// NewEngine creates the incident engine. Limiter, sessions, and
// notifier may be nil; the corresponding actions then report failure
// or are skipped.
func NewEngine(s *store.Store, auditLog *audit.Logger, limiter Blocker, sessions SessionActions, notifier Notifier, cfg config.IncidentConfig) *Engine {
	return &Engine{
		store:    s,
		audit:    auditLog,
		limiter:  limiter,
		sessions: sessions,
		notifier: notifier,
		config:   cfg,
	}
}

// Close waits for in-flight playbook executions to finish.
func (e *Engine) Close() error {
	e.wg.Wait()
	return nil
}

// HandleFinding opens a new incident for the finding or attaches it to
// an open incident for the same actor and threat type within the
// correlation window. Sub-floor findings are ignored. Playbook
// execution for new incidents runs asynchronously; the returned
// incident reflects the state at correlation time.
func (e *Engine) HandleFinding(ctx context.Context, f *models.Finding) (*Incident, error) {
	if f == nil || !f.Actionable() {
		return nil, nil
	}

	now := time.Now().UTC()
	var inc *Incident
	var created, escalated bool

	err := e.store.Update(ctx, "incident_correlate", func(txn *badger.Txn) error {
		inc, created, escalated = nil, false, false

		corrKey := corrKeyPrefix + f.ActorID + ":" + string(f.ThreatType)
		existing, err := e.openIncidentTxn(txn, corrKey)
		if err != nil {
			return err
		}
		if existing != nil {
			escalated = existing.absorb(f, now)
			inc = existing
			return putIncidentTxn(txn, inc)
		}

		created = true
		inc = &Incident{
			ID:            uuid.New().String(),
			Status:        StatusOpen,
			ThreatType:    f.ThreatType,
			Severity:      f.Severity,
			MaxScore:      f.Score,
			ActorID:       f.ActorID,
			SourceIP:      f.SourceIP,
			SessionID:     f.SessionID,
			CorrelationID: f.EventID,
			FindingCount:  1,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		if err := putIncidentTxn(txn, inc); err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(corrKey), []byte(inc.ID)).WithTTL(e.config.CorrelationWindow)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("correlate finding: %w", err)
	}

	log := logging.Ctx(ctx)
	if !created {
		e.audit.LogIncidentCorrelated(ctx, f.EventID, inc.ID, inc.FindingCount)
		if escalated {
			log.Warn().
				Str("incident_id", inc.ID).
				Str("severity", inc.Severity.String()).
				Msg("Incident severity escalated")
		}
		return inc, nil
	}

	metrics.RecordIncidentOpened(string(inc.ThreatType), inc.Severity.String())
	e.audit.LogIncidentOpened(ctx, inc.CorrelationID, inc.ID, string(inc.ThreatType), inc.Severity.String())
	log.Warn().
		Str("incident_id", inc.ID).
		Str("threat_type", string(inc.ThreatType)).
		Str("severity", inc.Severity.String()).
		Str("actor_id", inc.ActorID).
		Msg("Incident opened")

	if pb := matchPlaybook(e.config.Playbooks, inc.ThreatType, inc.Severity); pb != nil {
		e.wg.Add(1)
		go e.respond(inc.ID, inc.CorrelationID, *pb)
	}
	return inc, nil
}

// respond runs a playbook against a new incident: triage, execute the
// actions in order, and mark the incident contained once any
// containment action succeeded. A failed action never blocks later
// ones. Runs detached from the request context; an incident response
// must not die with the connection that triggered it.
func (e *Engine) respond(incidentID, correlationID string, pb config.PlaybookConfig) {
	defer e.wg.Done()
	ctx := logging.ContextWithCorrelationID(context.Background(), correlationID)
	log := logging.Ctx(ctx)

	if err := e.updateIncident(ctx, incidentID, func(inc *Incident) error {
		inc.Playbook = pb.Name
		return nil
	}); err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("Failed to assign playbook")
		return
	}
	if err := e.transitionIncident(ctx, incidentID, StatusTriaged, audit.SystemActor("incident")); err != nil {
		log.Error().Err(err).Str("incident_id", incidentID).Msg("Failed to triage incident")
		return
	}

	contained := false
	failed := 0
	for _, actionType := range pb.Actions {
		rec := e.runAction(ctx, incidentID, correlationID, actionType)
		switch {
		case rec.Outcome == OutcomeSuccess && isContainmentAction(actionType):
			contained = true
		case rec.Outcome != OutcomeSuccess && rec.Outcome != OutcomeSkipped:
			failed++
		}
		if err := e.appendAction(ctx, incidentID, rec); err != nil {
			log.Error().Err(err).Str("incident_id", incidentID).Msg("Failed to record action")
		}
	}

	if contained {
		if failed > 0 {
			log.Warn().Str("incident_id", incidentID).Str("playbook", pb.Name).
				Int("failed_actions", failed).
				Msg("Playbook contained the incident with failed actions")
		}
		if err := e.transitionIncident(ctx, incidentID, StatusContained, audit.SystemActor("incident")); err != nil {
			log.Error().Err(err).Str("incident_id", incidentID).Msg("Failed to contain incident")
		}
	} else {
		log.Warn().Str("incident_id", incidentID).Str("playbook", pb.Name).
			Msg("Playbook finished without a successful containment action, incident stays triaged")
	}
}

// runAction executes one response action with retries and doubling
// backoff. A missing action target skips without retrying. Every
// attempt is audited; exhaustion is audited separately so a human
// follows up on what automation could not do.
func (e *Engine) runAction(ctx context.Context, incidentID, correlationID, actionType string) ActionRecord {
	rec := ActionRecord{Type: actionType, ExecutedAt: time.Now().UTC()}
	start := time.Now()
	backoff := e.config.RetryBackoff

	var lastErr error
	for attempt := 1; attempt <= e.config.MaxActionRetries+1; attempt++ {
		detail, err := e.dispatch(ctx, incidentID, actionType)
		rec.Attempts = attempt
		if errors.Is(err, errNoTarget) {
			rec.Outcome = OutcomeSkipped
			rec.Detail = err.Error()
			return rec
		}
		e.audit.LogAction(ctx, correlationID, incidentID, actionType, attempt, err)
		if err == nil {
			rec.Outcome = OutcomeSuccess
			rec.Detail = detail
			metrics.RecordAction(actionType, OutcomeSuccess, time.Since(start))
			return rec
		}

		lastErr = err
		if attempt <= e.config.MaxActionRetries {
			metrics.RecordActionRetry(actionType)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				attempt = e.config.MaxActionRetries + 1
			}
			backoff *= 2
		}
	}

	rec.Outcome = OutcomeExhausted
	rec.LastError = lastErr.Error()
	metrics.RecordAction(actionType, OutcomeExhausted, time.Since(start))
	e.audit.LogActionExhausted(ctx, correlationID, incidentID, actionType, rec.Attempts, lastErr)
	return rec
}

// dispatch executes a single action attempt against the incident's
// current state.
func (e *Engine) dispatch(ctx context.Context, incidentID, actionType string) (string, error) {
	inc, err := e.Get(ctx, incidentID)
	if err != nil {
		return "", err
	}

	switch actionType {
	case ActionBlockIP:
		if inc.SourceIP == "" {
			return "", fmt.Errorf("%w: no source ip", errNoTarget)
		}
		if e.limiter == nil {
			return "", errors.New("no rate limiter configured")
		}
		reason := "incident " + inc.ID
		if err := e.limiter.Block(ctx, "ip:"+inc.SourceIP, reason, e.config.BlockDuration); err != nil {
			return "", err
		}
		return "blocked " + inc.SourceIP + " for " + e.config.BlockDuration.String(), nil

	case ActionRevokeSession:
		if inc.SessionID == "" {
			return "", fmt.Errorf("%w: no session id", errNoTarget)
		}
		if e.sessions == nil {
			return "", errors.New("no session manager configured")
		}
		if err := e.sessions.Revoke(ctx, inc.SessionID, "incident "+inc.ID); err != nil {
			return "", err
		}
		return "revoked session " + inc.SessionID, nil

	case ActionRevokeUserSessions:
		if inc.ActorID == "" {
			return "", fmt.Errorf("%w: no actor id", errNoTarget)
		}
		if e.sessions == nil {
			return "", errors.New("no session manager configured")
		}
		n, err := e.sessions.RevokeUser(ctx, inc.ActorID, "incident "+inc.ID)
		if err != nil {
			return "", err
		}
		return "revoked " + strconv.Itoa(n) + " sessions", nil

	case ActionRequireMFA:
		if inc.ActorID == "" {
			return "", fmt.Errorf("%w: no actor id", errNoTarget)
		}
		if e.sessions == nil {
			return "", errors.New("no session manager configured")
		}
		n, err := e.sessions.RequireMFA(ctx, inc.ActorID)
		if err != nil {
			return "", err
		}
		return "flagged " + strconv.Itoa(n) + " sessions for mfa", nil

	case ActionNotify:
		if e.notifier == nil {
			return "", fmt.Errorf("%w: no notifier configured", errNoTarget)
		}
		if err := e.notifier.Send(ctx, inc); err != nil {
			return "", err
		}
		return "notification delivered", nil

	default:
		return "", fmt.Errorf("unknown action type %q", actionType)
	}
}

// Get loads an incident by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Incident, error) {
	var inc Incident
	err := e.store.GetJSON(ctx, "incident_get", incidentKeyPrefix+id, &inc)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// List returns incidents newest-first, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status Status, limit, offset int) ([]*Incident, error) {
	var all []*Incident
	err := e.store.IteratePrefix(ctx, "incident_list", incidentKeyPrefix, func(key string, val []byte) error {
		var inc Incident
		if err := json.Unmarshal(val, &inc); err != nil {
			return fmt.Errorf("unmarshal incident %s: %w", key, err)
		}
		if status != "" && inc.Status != status {
			return nil
		}
		all = append(all, &inc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].OpenedAt.After(all[j].OpenedAt) })
	if offset >= len(all) {
		return []*Incident{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// CreateManual opens an incident by operator request, outside the
// automated correlation path. Findings for the same actor and threat
// within the correlation window will attach to it.
func (e *Engine) CreateManual(ctx context.Context, operatorID string, threat models.ThreatType, severity models.Severity, actorID, sourceIP, description string) (*Incident, error) {
	if operatorID == "" {
		return nil, errors.New("operator id is required")
	}

	now := time.Now().UTC()
	inc := &Incident{
		ID:            uuid.New().String(),
		Status:        StatusOpen,
		ThreatType:    threat,
		Severity:      severity,
		ActorID:       actorID,
		SourceIP:      sourceIP,
		CorrelationID: logging.CorrelationIDFromContext(ctx),
		Description:   description,
		OpenedAt:      now,
		UpdatedAt:     now,
	}

	err := e.store.Update(ctx, "incident_create_manual", func(txn *badger.Txn) error {
		if err := putIncidentTxn(txn, inc); err != nil {
			return err
		}
		if actorID == "" {
			return nil
		}
		corrKey := corrKeyPrefix + actorID + ":" + string(threat)
		entry := badger.NewEntry([]byte(corrKey), []byte(inc.ID)).WithTTL(e.config.CorrelationWindow)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	metrics.RecordIncidentOpened(string(threat), severity.String())
	e.audit.LogIncidentOpened(ctx, inc.CorrelationID, inc.ID, string(threat), severity.String())
	e.audit.LogAdminAction(ctx, operatorID, "incident.create", "Manually opened incident "+inc.ID,
		&audit.Target{ID: inc.ID, Type: "incident"}, map[string]interface{}{
			"threat_type": string(threat),
			"severity":    severity.String(),
		})
	return inc, nil
}

// SetStatus moves an incident to the given state by operator request.
func (e *Engine) SetStatus(ctx context.Context, operatorID, id string, next Status) error {
	if operatorID == "" {
		return errors.New("operator id is required")
	}
	return e.transitionIncident(ctx, id, next, audit.OperatorActor(operatorID))
}

// Resolve closes an incident. Resolution is always manual, even for
// incidents automation contained.
func (e *Engine) Resolve(ctx context.Context, operatorID, id, resolution string) error {
	if operatorID == "" {
		return errors.New("operator id is required")
	}
	if err := e.updateIncident(ctx, id, func(inc *Incident) error {
		inc.Resolution = resolution
		inc.ResolvedBy = operatorID
		return nil
	}); err != nil {
		return err
	}
	return e.transitionIncident(ctx, id, StatusResolved, audit.OperatorActor(operatorID))
}

// MarkFalsePositive closes an incident as a false positive.
func (e *Engine) MarkFalsePositive(ctx context.Context, operatorID, id, reason string) error {
	if operatorID == "" {
		return errors.New("operator id is required")
	}
	if err := e.updateIncident(ctx, id, func(inc *Incident) error {
		inc.Resolution = reason
		inc.ResolvedBy = operatorID
		return nil
	}); err != nil {
		return err
	}
	return e.transitionIncident(ctx, id, StatusFalsePositive, audit.OperatorActor(operatorID))
}

// SetSeverity overrides an incident's severity. Findings only ever
// escalate severity; downgrades happen here, attributed to an operator.
func (e *Engine) SetSeverity(ctx context.Context, operatorID, id string, severity models.Severity) error {
	if operatorID == "" {
		return errors.New("operator id is required")
	}
	var previous models.Severity
	if err := e.updateIncident(ctx, id, func(inc *Incident) error {
		if inc.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, inc.Status)
		}
		previous = inc.Severity
		inc.Severity = severity
		return nil
	}); err != nil {
		return err
	}
	e.audit.LogAdminAction(ctx, operatorID, "incident.set_severity",
		fmt.Sprintf("Severity %s -> %s on incident %s", previous, severity, id),
		&audit.Target{ID: id, Type: "incident"}, nil)
	return nil
}

// ExecuteAction runs a single response action against an incident by
// operator request. One attempt, no retries; the operator is watching.
// A successful containment action moves the incident to contained.
func (e *Engine) ExecuteAction(ctx context.Context, operatorID, id, actionType string) (ActionRecord, error) {
	if operatorID == "" {
		return ActionRecord{}, errors.New("operator id is required")
	}
	inc, err := e.Get(ctx, id)
	if err != nil {
		return ActionRecord{}, err
	}
	if inc.Status.Terminal() {
		return ActionRecord{}, fmt.Errorf("%w: %s", ErrTerminal, inc.Status)
	}

	rec := ActionRecord{
		Type:       actionType,
		Attempts:   1,
		Manual:     true,
		OperatorID: operatorID,
		ExecutedAt: time.Now().UTC(),
	}
	start := time.Now()
	detail, err := e.dispatch(ctx, id, actionType)
	e.audit.LogAction(ctx, inc.CorrelationID, id, actionType, 1, err)
	switch {
	case errors.Is(err, errNoTarget):
		rec.Outcome = OutcomeSkipped
		rec.Detail = err.Error()
	case err != nil:
		rec.Outcome = OutcomeFailed
		rec.LastError = err.Error()
		metrics.RecordAction(actionType, OutcomeFailed, time.Since(start))
	default:
		rec.Outcome = OutcomeSuccess
		rec.Detail = detail
		metrics.RecordAction(actionType, OutcomeSuccess, time.Since(start))
	}

	if appendErr := e.appendAction(ctx, id, rec); appendErr != nil {
		return rec, appendErr
	}
	if rec.Outcome == OutcomeSuccess && isContainmentAction(actionType) && inc.Status != StatusContained {
		if tErr := e.transitionIncident(ctx, id, StatusContained, audit.OperatorActor(operatorID)); tErr != nil {
			logging.Ctx(ctx).Error().Err(tErr).Str("incident_id", id).Msg("Failed to contain incident after manual action")
		}
	}
	return rec, err
}

// transitionIncident applies a lifecycle transition and audits it.
func (e *Engine) transitionIncident(ctx context.Context, id string, next Status, actor audit.Actor) error {
	var from Status
	var correlationID string
	if err := e.updateIncident(ctx, id, func(inc *Incident) error {
		from = inc.Status
		correlationID = inc.CorrelationID
		return inc.transition(next, time.Now().UTC())
	}); err != nil {
		return err
	}

	metrics.RecordIncidentTransition(string(from), string(next), next.Terminal())
	e.audit.LogIncidentTransition(ctx, correlationID, id, string(from), string(next), actor)
	return nil
}

// updateIncident applies fn to a stored incident in one transaction.
func (e *Engine) updateIncident(ctx context.Context, id string, fn func(*Incident) error) error {
	return e.store.Update(ctx, "incident_update", func(txn *badger.Txn) error {
		inc, err := getIncidentTxn(txn, id)
		if err != nil {
			return err
		}
		if err := fn(inc); err != nil {
			return err
		}
		return putIncidentTxn(txn, inc)
	})
}

// appendAction records an executed action on the incident.
func (e *Engine) appendAction(ctx context.Context, id string, rec ActionRecord) error {
	return e.updateIncident(ctx, id, func(inc *Incident) error {
		inc.Actions = append(inc.Actions, rec)
		inc.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// openIncidentTxn resolves the correlation key to its open incident,
// or nil when the key is absent or the incident already closed.
func (e *Engine) openIncidentTxn(txn *badger.Txn, corrKey string) (*Incident, error) {
	item, err := txn.Get([]byte(corrKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get correlation key: %w", err)
	}

	var id string
	if err := item.Value(func(val []byte) error {
		id = string(val)
		return nil
	}); err != nil {
		return nil, err
	}

	inc, err := getIncidentTxn(txn, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inc.Status.Terminal() {
		return nil, nil
	}
	return inc, nil
}

func getIncidentTxn(txn *badger.Txn, id string) (*Incident, error) {
	item, err := txn.Get([]byte(incidentKeyPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}

	var inc Incident
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &inc)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	return &inc, nil
}

func putIncidentTxn(txn *badger.Txn, inc *Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	return txn.Set([]byte(incidentKeyPrefix+inc.ID), data)
}
