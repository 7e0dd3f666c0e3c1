// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package validation

import (
	"strings"
	"testing"
)

type ingestRequest struct {
	EventType string `validate:"required,event_type"`
	SourceIP  string `validate:"required,ip"`
	ActorID   string `validate:"required,min=1,max=256"`
}

func TestValidateStructPasses(t *testing.T) {
	req := ingestRequest{
		EventType: "auth.login_failed",
		SourceIP:  "203.0.113.5",
		ActorID:   "user-42",
	}
	if err := ValidateStruct(&req); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateStructEventType(t *testing.T) {
	tests := []struct {
		eventType string
		valid     bool
	}{
		{"auth.login", true},
		{"auth.login_failed", true},
		{"account.password_change", true},
		{"api.request.v2", true},
		{"Login", false},
		{"auth", false}, // no namespace
		{"auth..login", false},
		{"auth.Login", false}, // uppercase
		{"", false},
	}

	for _, tt := range tests {
		req := ingestRequest{EventType: tt.eventType, SourceIP: "203.0.113.5", ActorID: "u"}
		err := ValidateStruct(&req)
		if tt.valid && err != nil {
			t.Errorf("%q: unexpected error %v", tt.eventType, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("%q: expected validation error", tt.eventType)
		}
	}
}

func TestValidateStructIP(t *testing.T) {
	req := ingestRequest{EventType: "auth.login", SourceIP: "not-an-ip", ActorID: "u"}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected error for invalid IP")
	}
	if !strings.Contains(err.Error(), "valid IP address") {
		t.Errorf("error = %v, want IP message", err)
	}
}

func TestSeverityNameValidator(t *testing.T) {
	type resolveRequest struct {
		MinSeverity string `validate:"required,severity_name"`
	}

	if err := ValidateStruct(&resolveRequest{MinSeverity: "high"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStruct(&resolveRequest{MinSeverity: "extreme"}); err == nil {
		t.Error("expected error for unknown severity name")
	}
}

func TestToAPIErrorSingleField(t *testing.T) {
	req := ingestRequest{EventType: "auth.login", SourceIP: "203.0.113.5"}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected error for missing actor")
	}

	apiErr := err.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %q", apiErr.Code)
	}
	if apiErr.Details["field"] != "ActorID" {
		t.Errorf("Details.field = %v, want ActorID", apiErr.Details["field"])
	}
}

func TestToAPIErrorMultipleFields(t *testing.T) {
	req := ingestRequest{}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected errors for empty request")
	}
	if len(err.Errors()) != 3 {
		t.Errorf("expected 3 field errors, got %d", len(err.Errors()))
	}

	apiErr := err.ToAPIError()
	if _, ok := apiErr.Details["fields"]; !ok {
		t.Error("multi-error response should carry a fields list")
	}
}
