// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/bastion/internal/incident"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/validation"
)

// CreateIncidentRequest is the body of POST /api/v1/incidents.
type CreateIncidentRequest struct {
	ThreatType  string `json:"threat_type" validate:"required,min=1,max=64"`
	Severity    string `json:"severity" validate:"required,severity_name"`
	ActorID     string `json:"actor_id,omitempty" validate:"max=256"`
	SourceIP    string `json:"source_ip,omitempty" validate:"omitempty,ip"`
	Description string `json:"description" validate:"required,min=1,max=2048"`
}

// IncidentStatusRequest is the body of PUT /api/v1/incidents/{id}/status.
type IncidentStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=triaged contained resolved false_positive"`
}

// IncidentSeverityRequest is the body of PUT /api/v1/incidents/{id}/severity.
type IncidentSeverityRequest struct {
	Severity string `json:"severity" validate:"required,severity_name"`
}

// ResolveIncidentRequest is the body of POST /api/v1/incidents/{id}/resolve
// and .../false-positive.
type ResolveIncidentRequest struct {
	Resolution string `json:"resolution" validate:"required,min=1,max=2048"`
}

// IncidentActionRequest is the body of POST /api/v1/incidents/{id}/actions.
type IncidentActionRequest struct {
	ActionType string `json:"action_type" validate:"required,oneof=block_ip revoke_session revoke_user_sessions require_mfa notify"`
}

// ListIncidents handles GET /api/v1/incidents with optional ?status=
// filtering and limit/offset pagination, newest first.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	limit, offset := parsePagination(r, 50, 500)
	status := incident.Status(r.URL.Query().Get("status"))

	incidents, err := h.incidents.List(r.Context(), status, limit, offset)
	if err != nil {
		rw.StoreError(err)
		return
	}
	if incidents == nil {
		incidents = []*incident.Incident{}
	}

	rw.SuccessWithPagination(incidents, &PaginationMeta{
		Count:   len(incidents),
		Offset:  offset,
		Limit:   limit,
		HasMore: len(incidents) == limit,
	})
}

// GetIncident handles GET /api/v1/incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	inc, err := h.incidents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			rw.NotFound("Incident not found")
			return
		}
		rw.StoreError(err)
		return
	}

	rw.Success(inc)
}

// CreateIncident handles POST /api/v1/incidents: a manually opened
// incident, outside the automatic finding flow.
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req CreateIncidentRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid incident request", verr.ToAPIError())
		return
	}

	severity, err := models.ParseSeverity(req.Severity)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	inc, err := h.incidents.CreateManual(
		r.Context(),
		logging.OperatorIDFromContext(r.Context()),
		models.ThreatType(req.ThreatType),
		severity,
		req.ActorID,
		req.SourceIP,
		req.Description,
	)
	if err != nil {
		rw.StoreError(err)
		return
	}

	rw.Created(inc)
}

// SetIncidentStatus handles PUT /api/v1/incidents/{id}/status.
func (h *Handler) SetIncidentStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req IncidentStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid status request", verr.ToAPIError())
		return
	}

	err := h.incidents.SetStatus(r.Context(), logging.OperatorIDFromContext(r.Context()),
		chi.URLParam(r, "id"), incident.Status(req.Status))
	if err != nil {
		h.incidentError(rw, err)
		return
	}

	rw.Success(map[string]interface{}{"status": req.Status})
}

// ResolveIncident handles POST /api/v1/incidents/{id}/resolve.
func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	h.closeIncident(w, r, false)
}

// MarkIncidentFalsePositive handles POST /api/v1/incidents/{id}/false-positive.
func (h *Handler) MarkIncidentFalsePositive(w http.ResponseWriter, r *http.Request) {
	h.closeIncident(w, r, true)
}

func (h *Handler) closeIncident(w http.ResponseWriter, r *http.Request, falsePositive bool) {
	rw := NewResponseWriter(w, r)

	var req ResolveIncidentRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid resolve request", verr.ToAPIError())
		return
	}

	operatorID := logging.OperatorIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var err error
	if falsePositive {
		err = h.incidents.MarkFalsePositive(r.Context(), operatorID, id, req.Resolution)
	} else {
		err = h.incidents.Resolve(r.Context(), operatorID, id, req.Resolution)
	}
	if err != nil {
		h.incidentError(rw, err)
		return
	}

	rw.NoContent()
}

// SetIncidentSeverity handles PUT /api/v1/incidents/{id}/severity.
// The only path that can lower a severity; automatic correlation only
// escalates.
func (h *Handler) SetIncidentSeverity(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req IncidentSeverityRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid severity request", verr.ToAPIError())
		return
	}

	severity, err := models.ParseSeverity(req.Severity)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	err = h.incidents.SetSeverity(r.Context(), logging.OperatorIDFromContext(r.Context()),
		chi.URLParam(r, "id"), severity)
	if err != nil {
		h.incidentError(rw, err)
		return
	}

	rw.Success(map[string]interface{}{"severity": req.Severity})
}

// ExecuteIncidentAction handles POST /api/v1/incidents/{id}/actions:
// a single containment action run outside any playbook, recorded as
// manual on the incident.
func (h *Handler) ExecuteIncidentAction(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req IncidentActionRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid action request", verr.ToAPIError())
		return
	}

	record, err := h.incidents.ExecuteAction(r.Context(), logging.OperatorIDFromContext(r.Context()),
		chi.URLParam(r, "id"), req.ActionType)
	if err != nil {
		h.incidentError(rw, err)
		return
	}

	rw.Success(record)
}

func (h *Handler) incidentError(rw *ResponseWriter, err error) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		rw.NotFound("Incident not found")
	case errors.Is(err, incident.ErrTerminal):
		rw.Conflict(err.Error())
	default:
		rw.BadRequest(err.Error())
	}
}
