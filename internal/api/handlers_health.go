// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"net/http"
	"time"
)

// HealthStatus is the body of the health endpoints.
type HealthStatus struct {
	Status    string    `json:"status"`
	Store     string    `json:"store"`
	Timestamp time.Time `json:"timestamp"`
}

// Liveness handles GET /health/live. Always 200 while the process can
// serve requests at all.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rw.Success(HealthStatus{
		Status:    "alive",
		Store:     h.storeHealth(),
		Timestamp: time.Now().UTC(),
	})
}

// Readiness handles GET /health/ready. Degraded storage means the
// pipeline is running open-loop, so the instance reports not ready and
// load balancers stop routing admin traffic to it.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	status := HealthStatus{
		Status:    "ready",
		Store:     h.storeHealth(),
		Timestamp: time.Now().UTC(),
	}
	if h.store != nil && h.store.Degraded() {
		status.Status = "degraded"
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Persistent store is degraded")
		return
	}

	rw.Success(status)
}

func (h *Handler) storeHealth() string {
	if h.store == nil {
		return "disabled"
	}
	if h.store.Degraded() {
		return "degraded"
	}
	return "healthy"
}
