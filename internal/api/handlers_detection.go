// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// DetectorEnableRequest is the body of POST .../detectors/{name}/enable.
type DetectorEnableRequest struct {
	Enabled bool `json:"enabled"`
}

// ListDetectors handles GET /api/v1/detection/detectors.
func (h *Handler) ListDetectors(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rw.Success(map[string]interface{}{
		"engine_enabled": h.detection.Enabled(),
		"detectors":      h.detection.ListDetectors(),
	})
}

// ConfigureDetector handles PUT /api/v1/detection/detectors/{name}.
// The body is passed through to the detector's own configuration
// parser, so each detector validates its own parameters.
func (h *Handler) ConfigureDetector(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		rw.BadRequest("Failed to read request body")
		return
	}
	if !json.Valid(body) {
		rw.BadRequest("Request body must be valid JSON")
		return
	}

	if err := h.detection.ConfigureDetector(r.Context(), name, body); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	rw.Success(map[string]interface{}{"detector": name, "configured": true})
}

// SetDetectorEnabled handles POST /api/v1/detection/detectors/{name}/enable.
func (h *Handler) SetDetectorEnabled(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	name := chi.URLParam(r, "name")

	var req DetectorEnableRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	if err := h.detection.SetDetectorEnabled(r.Context(), name, req.Enabled); err != nil {
		rw.NotFound(err.Error())
		return
	}

	rw.Success(map[string]interface{}{"detector": name, "enabled": req.Enabled})
}

// DetectionMetrics handles GET /api/v1/detection/metrics.
func (h *Handler) DetectionMetrics(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.detection.Metrics())
}
