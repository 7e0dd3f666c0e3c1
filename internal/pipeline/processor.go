// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package pipeline runs each security event through the processing
// stages in order: rate limiting, session validation, threat
// detection, and incident response. The same processor backs both the
// message bus consumer and direct HTTP ingestion.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tomtom215/bastion/internal/detection"
	"github.com/tomtom215/bastion/internal/incident"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/ratelimit"
	"github.com/tomtom215/bastion/internal/session"
	"github.com/tomtom215/bastion/internal/validation"
)

// AttrSessionInvalid marks events whose session reference failed
// validation. Detection still runs; a bad session ID on an otherwise
// well-formed event is itself a signal.
const AttrSessionInvalid = "session_invalid"

// Result is the outcome of processing one event.
type Result struct {
	// Decision is the rate limit outcome. When denied, the remaining
	// stages did not run.
	Decision ratelimit.Decision `json:"decision"`

	// Session is the session validation outcome, zero when the event
	// carried no session ID.
	Session session.Validation `json:"session,omitempty"`

	// Findings are the aggregated detection findings.
	Findings []*models.Finding `json:"findings,omitempty"`

	// Incidents are the incidents opened or updated by the findings.
	Incidents []*incident.Incident `json:"incidents,omitempty"`
}

// Processor drives an event through all pipeline stages. Any stage may
// be nil and is then skipped; a nil limiter admits everything.
type Processor struct {
	limiter   *ratelimit.Limiter
	sessions  *session.Manager
	detection *detection.Engine
	incidents *incident.Engine
}

// NewProcessor wires the pipeline stages.
func NewProcessor(limiter *ratelimit.Limiter, sessions *session.Manager, det *detection.Engine, inc *incident.Engine) *Processor {
	return &Processor{
		limiter:   limiter,
		sessions:  sessions,
		detection: det,
		incidents: inc,
	}
}

// Process runs one event through the pipeline. The work detaches from
// the caller's cancellation: a client hanging up must not abort
// security processing already underway. The event's ID becomes the
// correlation ID on everything produced downstream.
//
// Processing is best-effort per stage: a failing stage is logged and
// the remaining stages still run. Only malformed events return an
// error.
func (p *Processor) Process(ctx context.Context, event *models.SecurityEvent) (*Result, error) {
	if err := validation.ValidateStruct(event); err != nil {
		metrics.RecordEventRejected("invalid")
		return nil, err
	}

	ctx = logging.ContextWithCorrelationID(context.WithoutCancel(ctx), event.EventID)
	log := logging.Ctx(ctx)
	start := time.Now()
	res := &Result{}

	if p.limiter != nil {
		decision, err := p.limiter.Check(ctx, event)
		if err != nil {
			log.Error().Err(err).Msg("Rate limit check failed")
		}
		res.Decision = decision
		if !decision.Allowed {
			metrics.RecordEventRejected("rate_limited")
			return res, nil
		}
	} else {
		res.Decision = ratelimit.Decision{Allowed: true}
	}

	if p.sessions != nil && event.SessionID != "" {
		v, err := p.sessions.Validate(ctx, event.SessionID, event.SourceIP, event.Attr("device_fingerprint"))
		switch {
		case errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired):
			event.SetAttr(AttrSessionInvalid, "true")
		case err != nil:
			log.Error().Err(err).Msg("Session validation failed")
		default:
			res.Session = v
			if len(v.Anomalies) > 0 {
				event.SetAttr(detection.AttrSessionAnomalies, strings.Join(v.Anomalies, ","))
			}
			if event.ActorID == "" && v.UserID != "" {
				event.ActorID = v.UserID
			}
		}
	}

	if p.detection != nil {
		findings, err := p.detection.ProcessEvent(ctx, event)
		if err != nil {
			log.Error().Err(err).Msg("Detection failed")
		}
		res.Findings = findings

		if p.incidents != nil {
			for _, f := range findings {
				inc, err := p.incidents.HandleFinding(ctx, f)
				if err != nil {
					log.Error().Err(err).Str("threat_type", string(f.ThreatType)).Msg("Incident handling failed")
					continue
				}
				if inc != nil {
					res.Incidents = append(res.Incidents, inc)
				}
			}
		}
	}

	metrics.RecordEventProcessed(event.EventType, time.Since(start))
	return res, nil
}
