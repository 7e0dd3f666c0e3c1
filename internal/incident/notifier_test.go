// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package incident

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/config"
)

func TestWebhookNotifierSendsPayload(t *testing.T) {
	var received atomic.Int64
	var gotAuth string
	var payload WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(config.NotifyConfig{
		Enabled:     true,
		WebhookURL:  srv.URL,
		Headers:     map[string]string{"Authorization": "Bearer token"},
		Timeout:     5 * time.Second,
		RateLimitMs: 1,
	})

	inc := &Incident{ID: "inc-1", Status: StatusOpen, ActorID: "alice"}
	if err := n.Send(context.Background(), inc); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if received.Load() != 1 {
		t.Fatalf("deliveries = %d, want 1", received.Load())
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if payload.Incident == nil || payload.Incident.ID != "inc-1" {
		t.Fatalf("payload incident = %+v", payload.Incident)
	}
	if payload.Source != "bastion" || payload.EventType != "incident_notification" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestWebhookNotifierDisabledSendsNothing(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(config.NotifyConfig{Enabled: false, WebhookURL: srv.URL})
	if err := n.Send(context.Background(), &Incident{ID: "inc-1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received.Load() != 0 {
		t.Fatal("disabled notifier delivered")
	}
	if n.Enabled() {
		t.Fatal("Enabled() = true")
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(config.NotifyConfig{Enabled: true, WebhookURL: srv.URL, RateLimitMs: 1})
	if err := n.Send(context.Background(), &Incident{ID: "inc-1"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
