// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/validation"
)

// RateLimitCheckRequest is the body of POST /api/v1/ratelimit/check.
// It describes a prospective event; no counters are consumed beyond the
// check itself.
type RateLimitCheckRequest struct {
	EventType string `json:"event_type" validate:"required,min=1,max=128"`
	ActorID   string `json:"actor_id" validate:"required,min=1,max=256"`
	SourceIP  string `json:"source_ip" validate:"required,ip"`
}

// BlockRequest is the body of POST /api/v1/ratelimit/blocks.
type BlockRequest struct {
	Subject  string `json:"subject" validate:"required,min=1,max=300"`
	Reason   string `json:"reason" validate:"required,min=1,max=512"`
	Duration string `json:"duration" validate:"required"`
}

// CheckRateLimit handles POST /api/v1/ratelimit/check. A denied check
// answers 429 with a Retry-After header so callers can gate expensive
// work before emitting the real event.
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req RateLimitCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid check request", verr.ToAPIError())
		return
	}

	event := models.NewSecurityEvent(req.EventType, req.ActorID, req.SourceIP)
	decision, err := h.limiter.Check(r.Context(), event)
	if err != nil {
		rw.StoreError(err)
		return
	}

	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)+1))
		rw.ErrorWithDetails(http.StatusTooManyRequests, ErrCodeTooManyRequests, "Rate limit exceeded", decision)
		return
	}

	rw.Success(decision)
}

// ListBlocks handles GET /api/v1/ratelimit/blocks.
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	subjects, err := h.limiter.BlockedSubjects(r.Context())
	if err != nil {
		rw.StoreError(err)
		return
	}
	if subjects == nil {
		subjects = []string{}
	}

	rw.Success(map[string]interface{}{"subjects": subjects})
}

// CreateBlock handles POST /api/v1/ratelimit/blocks. Subjects use the
// same form the pipeline uses internally: "ip:<addr>" or "actor:<id>".
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req BlockRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("Invalid block request", verr.ToAPIError())
		return
	}

	duration, err := time.ParseDuration(req.Duration)
	if err != nil || duration <= 0 {
		rw.BadRequest("duration must be a positive Go duration string")
		return
	}

	if err := h.limiter.Block(r.Context(), req.Subject, req.Reason, duration); err != nil {
		rw.StoreError(err)
		return
	}

	rw.Created(map[string]interface{}{
		"subject":    req.Subject,
		"expires_at": time.Now().UTC().Add(duration),
	})
}

// DeleteBlock handles DELETE /api/v1/ratelimit/blocks/{subject}.
// Also clears the subject's counters so a lifted block takes effect
// immediately.
func (h *Handler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	subject := chi.URLParam(r, "subject")
	if subject == "" {
		rw.BadRequest("Subject is required")
		return
	}

	if err := h.limiter.Reset(r.Context(), subject); err != nil {
		rw.StoreError(err)
		return
	}

	rw.NoContent()
}
