// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/bastion/internal/session"
	"github.com/tomtom215/bastion/internal/validation"
)

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	UserID            string `json:"user_id" validate:"required,min=1,max=256"`
	SourceIP          string `json:"source_ip" validate:"required,ip"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty" validate:"max=512"`
	SecurityLevel     string `json:"security_level,omitempty" validate:"omitempty,oneof=password mfa"`
}

// ValidateSessionRequest is the body of POST /api/v1/sessions/{id}/validate.
type ValidateSessionRequest struct {
	SourceIP          string `json:"source_ip" validate:"required,ip"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty" validate:"max=512"`
}

// RevokeRequest carries the reason for session revocations.
type RevokeRequest struct {
	Reason string `json:"reason" validate:"required,min=1,max=512"`
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid session request", verr.ToAPIError())
		return
	}

	sess, err := h.sessions.Create(r.Context(), req.UserID, req.SourceIP, req.DeviceFingerprint, req.SecurityLevel)
	if err != nil {
		rw.StoreError(err)
		return
	}

	rw.Created(sess)
}

// GetSession handles GET /api/v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			rw.NotFound("Session not found")
			return
		}
		rw.StoreError(err)
		return
	}

	rw.Success(sess)
}

// ValidateSession handles POST /api/v1/sessions/{id}/validate. Expired
// and unknown sessions answer 200 with valid=false; anomalies never
// invalidate a session by themselves.
func (h *Handler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req ValidateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid validate request", verr.ToAPIError())
		return
	}

	v, err := h.sessions.Validate(r.Context(), chi.URLParam(r, "id"), req.SourceIP, req.DeviceFingerprint)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			rw.Success(v)
			return
		}
		rw.StoreError(err)
		return
	}

	rw.Success(v)
}

// RevokeSession handles DELETE /api/v1/sessions/{id}.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req RevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid revoke request", verr.ToAPIError())
		return
	}

	if err := h.sessions.Revoke(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			rw.NotFound("Session not found")
			return
		}
		rw.StoreError(err)
		return
	}

	rw.NoContent()
}

// ListUserSessions handles GET /api/v1/users/{id}/sessions.
func (h *Handler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	sessions, err := h.sessions.ListUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rw.StoreError(err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}

	rw.SuccessWithPagination(sessions, &PaginationMeta{Count: len(sessions)})
}

// RevokeUserSessions handles DELETE /api/v1/users/{id}/sessions.
func (h *Handler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req RevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid revoke request", verr.ToAPIError())
		return
	}

	revoked, err := h.sessions.RevokeUser(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		rw.StoreError(err)
		return
	}

	rw.Success(map[string]interface{}{"revoked": revoked})
}

// RequireUserMFA handles POST /api/v1/users/{id}/mfa. All of the user's
// live sessions are flagged until they pass an MFA challenge.
func (h *Handler) RequireUserMFA(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	flagged, err := h.sessions.RequireMFA(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rw.StoreError(err)
		return
	}

	rw.Success(map[string]interface{}{"flagged": flagged})
}
