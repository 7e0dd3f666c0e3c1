// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/detection"
	"github.com/tomtom215/bastion/internal/incident"
	"github.com/tomtom215/bastion/internal/pipeline"
	"github.com/tomtom215/bastion/internal/ratelimit"
	"github.com/tomtom215/bastion/internal/session"
	"github.com/tomtom215/bastion/internal/store"
)

// testServer wires real components against an in-memory store behind the
// full router, so tests exercise routes, middleware, and handlers together.
func testServer(t *testing.T) http.Handler {
	t.Helper()

	s, err := store.Open(config.StoreConfig{
		InMemory:           true,
		OpTimeout:          time.Second,
		BreakerMaxFailures: 100,
		BreakerOpenTimeout: time.Second,
		BreakerMaxHalfOpen: 2,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	auditStore := audit.NewBadgerStore(s, 30)
	auditLog := audit.NewLogger(auditStore, &audit.Config{Enabled: true, BufferSize: 64})
	t.Cleanup(func() { auditLog.Close() })

	limiter := ratelimit.NewLimiter(s, auditLog, config.RateLimitConfig{Enabled: true})

	sessions := session.NewManager(s, nil, auditLog, config.SessionConfig{
		TTL:            24 * time.Hour,
		IdleTimeout:    time.Hour,
		MaxConcurrent:  5,
		IPHistoryLimit: 20,
		ChurnThreshold: 4,
		ChurnWindow:    10 * time.Minute,
	})

	det := detection.NewEngine(config.DetectionConfig{
		Enabled:          true,
		SeverityLow:      0.4,
		SeverityMedium:   0.6,
		SeverityHigh:     0.8,
		SeverityCritical: 0.95,
	}, auditLog, nil)
	if err := det.RegisterDetector(detection.NewBruteForceDetector(config.BruteForceConfig{
		Enabled:   true,
		Threshold: 5,
		Window:    5 * time.Minute,
	})); err != nil {
		t.Fatalf("register detector: %v", err)
	}

	incidents := incident.NewEngine(s, auditLog, limiter, sessions, nil, config.IncidentConfig{
		CorrelationWindow: 15 * time.Minute,
		MaxActionRetries:  1,
		RetryBackoff:      time.Millisecond,
		BlockDuration:     time.Hour,
	})

	handler := NewHandler(HandlerConfig{
		Processor:  pipeline.NewProcessor(limiter, sessions, det, incidents),
		Limiter:    limiter,
		Sessions:   sessions,
		Detection:  det,
		Incidents:  incidents,
		AuditStore: auditStore,
		Store:      s,
	})

	mwConfig := DefaultChiMiddlewareConfig()
	mwConfig.RateLimitDisabled = true

	return NewRouter(handler, mwConfig).Setup()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func operatorHeaders() map[string]string {
	return map[string]string{"X-Operator-ID": "op-7"}
}

func TestSubmitEventInline(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"event_type": "auth.login",
		"actor_id":   "alice",
		"source_ip":  "192.0.2.1",
	}, nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeResponse(t, w)
	if !resp.Success {
		t.Fatal("expected success response")
	}
	data := resp.Data.(map[string]interface{})
	if data["event_id"] == "" {
		t.Error("expected assigned event ID")
	}
	if data["queued"] != false {
		t.Error("inline processing should report queued=false")
	}
}

func TestSubmitEventValidation(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"event_type": "auth.login",
		"actor_id":   "alice",
		"source_ip":  "not-an-ip",
	}, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	resp := decodeResponse(t, w)
	if resp.Error == nil || resp.Error.Code != ErrCodeValidationFailed {
		t.Fatalf("expected validation error, got %+v", resp.Error)
	}
}

func TestSubmitEventUnknownField(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"event_type": "auth.login",
		"actor_id":   "alice",
		"source_ip":  "192.0.2.1",
		"surprise":   true,
	}, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", w.Code)
	}
}

func TestRateLimitBlockLifecycle(t *testing.T) {
	h := testServer(t)

	// Block creation requires an operator identity.
	w := doJSON(t, h, http.MethodPost, "/api/v1/ratelimit/blocks", map[string]interface{}{
		"subject":  "ip:203.0.113.9",
		"reason":   "manual containment",
		"duration": "1h",
	}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without operator header, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/ratelimit/blocks", map[string]interface{}{
		"subject":  "ip:203.0.113.9",
		"reason":   "manual containment",
		"duration": "1h",
	}, operatorHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// The blocked IP is now denied at check time.
	w = doJSON(t, h, http.MethodPost, "/api/v1/ratelimit/check", map[string]interface{}{
		"event_type": "auth.login",
		"actor_id":   "mallory",
		"source_ip":  "203.0.113.9",
	}, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for blocked subject, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on denial")
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/ratelimit/blocks", nil, operatorHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	subjects := resp.Data.([]interface{})
	if len(subjects) != 1 {
		t.Fatalf("expected 1 blocked subject, got %d", len(subjects))
	}

	w = doJSON(t, h, http.MethodDelete, "/api/v1/ratelimit/blocks/ip:203.0.113.9", nil, operatorHeaders())
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/ratelimit/check", map[string]interface{}{
		"event_type": "auth.login",
		"actor_id":   "mallory",
		"source_ip":  "203.0.113.9",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after reset, got %d", w.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"user_id":            "bob",
		"source_ip":          "192.0.2.10",
		"device_fingerprint": "fp-1",
		"security_level":     "mfa",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeResponse(t, w)
	sess := resp.Data.(map[string]interface{})
	id, _ := sess["id"].(string)
	if id == "" {
		t.Fatal("expected session ID in response")
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// A different IP validates but carries anomaly flags.
	w = doJSON(t, h, http.MethodPost, "/api/v1/sessions/"+id+"/validate", map[string]interface{}{
		"source_ip":          "198.51.100.7",
		"device_fingerprint": "fp-1",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp = decodeResponse(t, w)
	validation := resp.Data.(map[string]interface{})
	if validation["valid"] != true {
		t.Error("session should remain valid from a new IP")
	}

	w = doJSON(t, h, http.MethodDelete, "/api/v1/sessions/"+id, map[string]interface{}{
		"reason": "user logout",
	}, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+id, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after revocation, got %d", w.Code)
	}
}

func TestUserSessionOperations(t *testing.T) {
	h := testServer(t)

	for range 3 {
		w := doJSON(t, h, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
			"user_id":   "carol",
			"source_ip": "192.0.2.20",
		}, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", w.Code)
		}
	}

	w := doJSON(t, h, http.MethodGet, "/api/v1/users/carol/sessions", nil, operatorHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if sessions := resp.Data.([]interface{}); len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}

	w = doJSON(t, h, http.MethodDelete, "/api/v1/users/carol/sessions", map[string]interface{}{
		"reason": "credential rotation",
	}, operatorHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp = decodeResponse(t, w)
	if revoked := resp.Data.(map[string]interface{})["revoked"]; revoked != float64(3) {
		t.Errorf("expected 3 revoked sessions, got %v", revoked)
	}
}

func TestDetectionAdmin(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodGet, "/api/v1/detection/detectors", nil, operatorHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	data := resp.Data.(map[string]interface{})
	if data["engine_enabled"] != true {
		t.Error("engine should be enabled")
	}
	if detectors := data["detectors"].([]interface{}); len(detectors) != 1 {
		t.Fatalf("expected 1 detector, got %d", len(detectors))
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/detection/detectors/brute_force/enable", map[string]interface{}{
		"enabled": false,
	}, operatorHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/detection/detectors/no-such/enable", map[string]interface{}{
		"enabled": true,
	}, operatorHeaders())
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown detector, got %d", w.Code)
	}
}

func TestIncidentManualLifecycle(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/incidents", map[string]interface{}{
		"threat_type": "brute_force",
		"severity":    "high",
		"actor_id":    "mallory",
		"source_ip":   "203.0.113.50",
		"description": "manual escalation from SOC triage",
	}, operatorHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeResponse(t, w)
	inc := resp.Data.(map[string]interface{})
	id, _ := inc["id"].(string)
	if id == "" {
		t.Fatal("expected incident ID")
	}

	w = doJSON(t, h, http.MethodPut, "/api/v1/incidents/"+id+"/status", map[string]interface{}{
		"status": "triaged",
	}, operatorHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/incidents/"+id+"/resolve", map[string]interface{}{
		"resolution": "subject confirmed benign after review",
	}, operatorHeaders())
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	// Resolved incidents are terminal.
	w = doJSON(t, h, http.MethodPut, "/api/v1/incidents/"+id+"/status", map[string]interface{}{
		"status": "contained",
	}, operatorHeaders())
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal incident, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/incidents/"+id, nil, operatorHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp = decodeResponse(t, w)
	if status := resp.Data.(map[string]interface{})["status"]; status != "resolved" {
		t.Errorf("expected resolved status, got %v", status)
	}
}

func TestIncidentListFilter(t *testing.T) {
	h := testServer(t)

	for _, desc := range []string{"first", "second"} {
		w := doJSON(t, h, http.MethodPost, "/api/v1/incidents", map[string]interface{}{
			"threat_type": "behavioral",
			"severity":    "medium",
			"actor_id":    "eve",
			"description": desc + " manual incident",
		}, operatorHeaders())
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", w.Code)
		}
	}

	w := doJSON(t, h, http.MethodGet, "/api/v1/incidents?status=open", nil, operatorHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if incidents := resp.Data.([]interface{}); len(incidents) != 2 {
		t.Fatalf("expected 2 open incidents, got %d", len(incidents))
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/incidents?status=resolved", nil, operatorHeaders())
	resp = decodeResponse(t, w)
	if incidents := resp.Data.([]interface{}); len(incidents) != 0 {
		t.Fatalf("expected 0 resolved incidents, got %d", len(incidents))
	}
}

func TestAuditTrailThroughAPI(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodPost, "/api/v1/incidents", map[string]interface{}{
		"threat_type": "ip_reputation",
		"severity":    "low",
		"description": "denylisted source observed",
	}, operatorHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	// The audit writer is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = doJSON(t, h, http.MethodGet, "/api/v1/audit/records?type=incident.opened", nil, operatorHeaders())
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		resp := decodeResponse(t, w)
		if records := resp.Data.([]interface{}); len(records) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("incident.opened audit record never appeared")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAuditRecordsBadTimeFilter(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodGet, "/api/v1/audit/records?start_time=yesterday", nil, operatorHeaders())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed start_time, got %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := testServer(t)

	for _, path := range []string{"/health/live", "/health/ready"} {
		w := doJSON(t, h, http.MethodGet, path, nil, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	h := testServer(t)

	w := doJSON(t, h, http.MethodGet, "/health/live", nil, map[string]string{
		"X-Request-ID": "req-propagated",
	})
	if got := w.Header().Get("X-Request-ID"); got != "req-propagated" {
		t.Errorf("expected propagated request ID, got %q", got)
	}

	resp := decodeResponse(t, w)
	if resp.Meta == nil || resp.Meta.RequestID != "req-propagated" {
		t.Error("expected request ID in response meta")
	}
}
