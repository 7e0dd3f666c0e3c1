// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/store"
)

// ListAuditRecords handles GET /api/v1/audit/records. Filters map
// directly onto the audit store query: type (repeatable), actor_id,
// correlation_id, start_time, end_time (RFC 3339), limit, offset.
func (h *Handler) ListAuditRecords(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	records, err := h.auditStore.Query(r.Context(), filter)
	if err != nil {
		rw.StoreError(err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}

	total, err := h.auditStore.Count(r.Context(), filter)
	if err != nil {
		rw.StoreError(err)
		return
	}

	rw.SuccessWithPagination(records, &PaginationMeta{
		Total:   total,
		Count:   len(records),
		Offset:  filter.Offset,
		Limit:   filter.Limit,
		HasMore: int64(filter.Offset+len(records)) < total,
	})
}

// GetAuditRecord handles GET /api/v1/audit/records/{id}.
func (h *Handler) GetAuditRecord(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	record, err := h.auditStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("Audit record not found")
			return
		}
		rw.StoreError(err)
		return
	}

	rw.Success(record)
}

func auditFilterFromQuery(r *http.Request) (audit.QueryFilter, error) {
	filter := audit.DefaultQueryFilter()
	q := r.URL.Query()

	for _, t := range q["type"] {
		filter.Types = append(filter.Types, audit.EventType(t))
	}
	filter.ActorID = q.Get("actor_id")
	filter.CorrelationID = q.Get("correlation_id")

	if raw := q.Get("start_time"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("start_time must be RFC 3339")
		}
		filter.StartTime = &ts
	}
	if raw := q.Get("end_time"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("end_time must be RFC 3339")
		}
		filter.EndTime = &ts
	}
	if filter.StartTime != nil && filter.EndTime != nil && filter.EndTime.Before(*filter.StartTime) {
		return filter, errors.New("end_time must not precede start_time")
	}

	filter.Limit, filter.Offset = parsePagination(r, filter.Limit, 1000)
	return filter, nil
}
