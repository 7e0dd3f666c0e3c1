// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/validation"
)

// EventRequest is the body of POST /api/v1/events.
type EventRequest struct {
	EventType  string            `json:"event_type"`
	ActorID    string            `json:"actor_id"`
	SourceIP   string            `json:"source_ip"`
	UserAgent  string            `json:"user_agent,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Timestamp  *time.Time        `json:"timestamp,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EventAccepted is the 202 response body for submitted events.
type EventAccepted struct {
	EventID string `json:"event_id"`
	Queued  bool   `json:"queued"`
}

// SubmitEvent handles POST /api/v1/events.
//
// With the message bus enabled the event is published and processing
// happens asynchronously; without it the event runs through the
// pipeline inline. Either way the response is 202: ingestion acceptance
// says nothing about detection outcomes.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req EventRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	event := &models.SecurityEvent{
		EventID:    uuid.New().String(),
		EventType:  req.EventType,
		Timestamp:  time.Now().UTC(),
		ActorID:    req.ActorID,
		SourceIP:   req.SourceIP,
		UserAgent:  req.UserAgent,
		SessionID:  req.SessionID,
		Attributes: req.Attributes,
	}
	if req.Timestamp != nil {
		event.Timestamp = req.Timestamp.UTC()
	}

	if verr := validation.ValidateStruct(event); verr != nil {
		rw.ValidationError("Invalid event", verr.ToAPIError())
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishEvent(r.Context(), event); err != nil {
			logging.Ctx(r.Context()).Error().
				Err(err).
				Str("event_id", event.EventID).
				Msg("Event publish failed")
			rw.ServiceUnavailable("Event bus unavailable")
			return
		}
		rw.Accepted(EventAccepted{EventID: event.EventID, Queued: true})
		return
	}

	if _, err := h.processor.Process(r.Context(), event); err != nil {
		// Validation ran above, so a processor error here is unexpected.
		rw.InternalError("Event processing failed")
		return
	}

	rw.Accepted(EventAccepted{EventID: event.EventID, Queued: false})
}
