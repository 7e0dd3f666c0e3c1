// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/models"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool

	// BufferSize is the size of the async write buffer.
	BufferSize int

	// FlushInterval batches buffered records and writes them on this
	// cadence. Zero or negative writes each record as it arrives.
	FlushInterval time.Duration

	// RetentionDays is how long to keep audit records.
	RetentionDays int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		BufferSize:    4096,
		FlushInterval: 2 * time.Second,
		RetentionDays: 90,
	}
}

// Logger is the audit trail service. Writes are asynchronous: Log never
// blocks the pipeline, and a full buffer drops the record with a counter
// rather than stalling event processing.
type Logger struct {
	config  *Config
	store   Store
	recChan chan *Record
	mu      sync.RWMutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates a new audit logger and starts its async writer.
func NewLogger(store Store, config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	l := &Logger{
		config:  config,
		store:   store,
		recChan: make(chan *Record, config.BufferSize),
		stopCh:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.asyncWriter()

	return l
}

// flushBatchLimit caps how many records accumulate between ticks so a
// burst cannot hold the buffer for a full interval.
const flushBatchLimit = 256

// asyncWriter processes records from the buffer. With a flush interval
// configured, records are batched and written on the ticker; otherwise
// each record is written as it arrives.
func (l *Logger) asyncWriter() {
	defer l.wg.Done()

	if l.config.FlushInterval <= 0 {
		for {
			select {
			case <-l.stopCh:
				l.drain()
				return
			case rec := <-l.recChan:
				l.writeRecord(rec)
			}
		}
	}

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	var batch []*Record
	flush := func() {
		for _, rec := range batch {
			l.writeRecord(rec)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stopCh:
			flush()
			l.drain()
			return
		case rec := <-l.recChan:
			batch = append(batch, rec)
			if len(batch) >= flushBatchLimit {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drain writes whatever is still buffered during shutdown.
func (l *Logger) drain() {
	for {
		select {
		case rec := <-l.recChan:
			l.writeRecord(rec)
		default:
			return
		}
	}
}

// writeRecord persists a record to the store.
func (l *Logger) writeRecord(rec *Record) {
	if l.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.Save(ctx, rec); err != nil {
		logging.Error().Err(err).
			Str("component", "audit").
			Str("audit_id", rec.ID).
			Msg("failed to save audit record")
		return
	}
	metrics.RecordAuditWrite(string(rec.Type))
}

// Log records an audit record. Non-blocking; drops on a full buffer.
func (l *Logger) Log(rec *Record) {
	l.mu.RLock()
	enabled := l.config.Enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case l.recChan <- rec:
	default:
		metrics.AuditRecordsDropped.Inc()
		logging.Warn().
			Str("component", "audit").
			Str("audit_id", rec.ID).
			Str("type", string(rec.Type)).
			Msg("audit buffer full, dropping record")
	}
}

// Close shuts down the logger gracefully, draining buffered records.
func (l *Logger) Close() error {
	close(l.stopCh)
	l.wg.Wait()
	return nil
}

// Query retrieves records matching the filter.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	return l.store.Query(ctx, filter)
}

// Count returns the number of records matching the filter.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	return l.store.Count(ctx, filter)
}

// SetEnabled enables or disables audit logging.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Enabled = enabled
}

// Enabled returns whether audit logging is enabled.
func (l *Logger) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Enabled
}

// Helper constructors for the pipeline's audit points. Each takes the
// triggering event's ID as the correlation ID.

// LogRateLimitDenied records a rate limit denial.
func (l *Logger) LogRateLimitDenied(ctx context.Context, correlationID, policy, key, actorID string) {
	l.Log(&Record{
		Type:        EventTypeRateLimitDenied,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       SystemActor("ratelimit"),
		Target:      &Target{ID: key, Type: "ratelimit_key"},
		Action:      "deny",
		Description: "Rate limit exceeded for policy " + policy,
		Metadata: mustJSON(map[string]string{
			"policy":   policy,
			"actor_id": actorID,
		}),
		CorrelationID: correlationID,
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogRateLimitBlocked records an administrative block on a rate limit key.
func (l *Logger) LogRateLimitBlocked(ctx context.Context, correlationID, key, reason string, duration time.Duration) {
	l.Log(&Record{
		Type:        EventTypeRateLimitBlocked,
		Severity:    SeverityWarning,
		Outcome:     OutcomeSuccess,
		Actor:       SystemActor("ratelimit"),
		Target:      &Target{ID: key, Type: "ratelimit_key"},
		Action:      "block",
		Description: "Key blocked: " + reason,
		Metadata: mustJSON(map[string]string{
			"reason":   reason,
			"duration": duration.String(),
		}),
		CorrelationID: correlationID,
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogRateLimitReset records clearing of rate limit state for a key.
func (l *Logger) LogRateLimitReset(ctx context.Context, key string) {
	actor := SystemActor("ratelimit")
	if op := logging.OperatorIDFromContext(ctx); op != "" {
		actor = OperatorActor(op)
	}
	l.Log(&Record{
		Type:        EventTypeRateLimitReset,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       actor,
		Target:      &Target{ID: key, Type: "ratelimit_key"},
		Action:      "reset",
		Description: "Rate limit state cleared",
		RequestID:   logging.RequestIDFromContext(ctx),
	})
}

// LogFinding records a detection finding.
func (l *Logger) LogFinding(ctx context.Context, f *models.Finding) {
	l.Log(&Record{
		Type:        EventTypeDetectionFinding,
		Severity:    findingSeverity(f.Severity),
		Outcome:     OutcomeSuccess,
		Actor:       SystemActor("detection"),
		Target:      &Target{ID: f.ActorID, Type: "user"},
		Action:      "detect",
		Description: "Threat finding: " + string(f.ThreatType),
		Metadata: mustJSON(map[string]interface{}{
			"threat_type": f.ThreatType,
			"score":       f.Score,
			"severity":    f.Severity.String(),
			"source_ip":   f.SourceIP,
			"details":     f.Details,
		}),
		CorrelationID: f.EventID,
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogIncidentOpened records a newly opened incident.
func (l *Logger) LogIncidentOpened(ctx context.Context, correlationID, incidentID, threatType, severity string) {
	l.Log(&Record{
		Type:        EventTypeIncidentOpened,
		Severity:    SeverityWarning,
		Outcome:     OutcomeSuccess,
		Actor:       SystemActor("incident"),
		Target:      &Target{ID: incidentID, Type: "incident"},
		Action:      "open",
		Description: "Incident opened for " + threatType,
		Metadata: mustJSON(map[string]string{
			"threat_type": threatType,
			"severity":    severity,
		}),
		CorrelationID: correlationID,
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogIncidentCorrelated records a finding attached to an existing incident.
func (l *Logger) LogIncidentCorrelated(ctx context.Context, correlationID, incidentID string, findingCount int) {
	l.Log(&Record{
		Type:        EventTypeIncidentCorrelated,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       SystemActor("incident"),
		Target:      &Target{ID: incidentID, Type: "incident"},
		Action:      "correlate",
		Description: "Finding attached to open incident",
		Metadata: mustJSON(map[string]int{
			"finding_count": findingCount,
		}),
		CorrelationID: correlationID,
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogIncidentTransition records an incident state change.
func (l *Logger) LogIncidentTransition(ctx context.Context, correlationID, incidentID, from, to string, actor Actor) {
	l.Log(&Record{
		Type:        EventTypeIncidentTransition,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       actor,
		Target:      &Target{ID: incidentID, Type: "incident"},
		Action:      "transition",
		Description: "Incident " + from + " -> " + to,
		Metadata: mustJSON(map[string]string{
			"from": from,
			"to":   to,
		}),
		CorrelationID: correlationID,
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogAction records a response action execution attempt.
func (l *Logger) LogAction(ctx context.Context, correlationID, incidentID, actionType string, attempt int, err error) {
	rec := &Record{
		Actor:  SystemActor("incident"),
		Target: &Target{ID: incidentID, Type: "incident"},
		Action: actionType,
		Metadata: mustJSON(map[string]interface{}{
			"attempt": attempt,
		}),
		CorrelationID: correlationID,
		RequestID:     logging.RequestIDFromContext(ctx),
	}
	if err == nil {
		rec.Type = EventTypeActionExecuted
		rec.Severity = SeverityInfo
		rec.Outcome = OutcomeSuccess
		rec.Description = "Response action executed: " + actionType
	} else {
		rec.Type = EventTypeActionFailed
		rec.Severity = SeverityError
		rec.Outcome = OutcomeFailure
		rec.Description = "Response action failed: " + actionType + ": " + err.Error()
	}
	l.Log(rec)
}

// LogActionExhausted records a response action that failed all retries.
func (l *Logger) LogActionExhausted(ctx context.Context, correlationID, incidentID, actionType string, attempts int, lastErr error) {
	desc := "Response action exhausted retries: " + actionType
	if lastErr != nil {
		desc += ": " + lastErr.Error()
	}
	l.Log(&Record{
		Type:        EventTypeActionExhausted,
		Severity:    SeverityCritical,
		Outcome:     OutcomeFailure,
		Actor:       SystemActor("incident"),
		Target:      &Target{ID: incidentID, Type: "incident"},
		Action:      actionType,
		Description: desc,
		Metadata: mustJSON(map[string]int{
			"attempts": attempts,
		}),
		CorrelationID: correlationID,
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogSessionEvent records session lifecycle activity.
func (l *Logger) LogSessionEvent(ctx context.Context, eventType EventType, correlationID, sessionID, userID, description string) {
	l.Log(&Record{
		Type:        eventType,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       SystemActor("session"),
		Target:      &Target{ID: sessionID, Type: "session"},
		Action:      "session",
		Description: description,
		Metadata: mustJSON(map[string]string{
			"user_id": userID,
		}),
		CorrelationID: correlationID,
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogDetectorChanged records a runtime change to a detector, whether
// applied by an operator or by configuration reload.
func (l *Logger) LogDetectorChanged(ctx context.Context, operatorID, detector, change string) {
	actor := SystemActor("detection")
	if operatorID != "" {
		actor = OperatorActor(operatorID)
	}
	l.Log(&Record{
		Type:          EventTypeDetectorChanged,
		Severity:      SeverityWarning,
		Outcome:       OutcomeSuccess,
		Actor:         actor,
		Target:        &Target{ID: detector, Type: "detector"},
		Action:        "detector." + change,
		Description:   "Detector " + detector + " " + change,
		CorrelationID: logging.CorrelationIDFromContext(ctx),
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// LogAdminAction records a manual operator intervention. Operator identity
// is mandatory for manual operations.
func (l *Logger) LogAdminAction(ctx context.Context, operatorID, action, description string, target *Target, metadata map[string]interface{}) {
	l.Log(&Record{
		Type:          EventTypeAdminAction,
		Severity:      SeverityWarning,
		Outcome:       OutcomeSuccess,
		Actor:         OperatorActor(operatorID),
		Target:        target,
		Action:        action,
		Description:   description,
		Metadata:      mustJSON(metadata),
		CorrelationID: logging.CorrelationIDFromContext(ctx),
		RequestID:     logging.RequestIDFromContext(ctx),
	})
}

// findingSeverity maps a detection severity onto the audit scale.
func findingSeverity(sev models.Severity) Severity {
	switch sev {
	case models.SeverityCritical:
		return SeverityCritical
	case models.SeverityHigh:
		return SeverityError
	case models.SeverityMedium:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// mustJSON converts a value to JSON, returning empty object on error.
func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
