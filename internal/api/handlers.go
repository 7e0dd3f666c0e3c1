// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/detection"
	"github.com/tomtom215/bastion/internal/incident"
	"github.com/tomtom215/bastion/internal/models"
	"github.com/tomtom215/bastion/internal/pipeline"
	"github.com/tomtom215/bastion/internal/ratelimit"
	"github.com/tomtom215/bastion/internal/session"
	"github.com/tomtom215/bastion/internal/store"
)

const maxRequestBody = 256 * 1024

// EventPublisher hands events to the message bus instead of processing
// them inline. Implemented by the ingest publisher.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *models.SecurityEvent) error
}

// AuditStore exposes the audit record queries backing the audit API.
type AuditStore interface {
	Get(ctx context.Context, id string) (*audit.Record, error)
	Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Record, error)
	Count(ctx context.Context, filter audit.QueryFilter) (int64, error)
}

// Handler carries the pipeline components the HTTP surface exposes.
type Handler struct {
	processor  *pipeline.Processor
	publisher  EventPublisher
	limiter    *ratelimit.Limiter
	sessions   *session.Manager
	detection  *detection.Engine
	incidents  *incident.Engine
	auditStore AuditStore
	store      *store.Store
}

// HandlerConfig collects the dependencies for NewHandler. Publisher may
// be nil; events are then processed inline.
type HandlerConfig struct {
	Processor  *pipeline.Processor
	Publisher  EventPublisher
	Limiter    *ratelimit.Limiter
	Sessions   *session.Manager
	Detection  *detection.Engine
	Incidents  *incident.Engine
	AuditStore AuditStore
	Store      *store.Store
}

// NewHandler creates the API handler set.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		processor:  cfg.Processor,
		publisher:  cfg.Publisher,
		limiter:    cfg.Limiter,
		sessions:   cfg.Sessions,
		detection:  cfg.Detection,
		incidents:  cfg.Incidents,
		auditStore: cfg.AuditStore,
		store:      cfg.Store,
	}
}

// decodeJSON reads a bounded JSON request body into dst.
func decodeJSON(r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// parsePagination reads limit/offset query parameters with bounds.
func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
