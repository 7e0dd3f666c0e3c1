// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func remoteAddrSeen(t *testing.T, trustedProxies []string, remoteAddr string, headers map[string]string) string {
	t.Helper()
	var seen string
	handler := RealIP(trustedProxies)(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	handler(httptest.NewRecorder(), req)
	return seen
}

func TestRealIPIgnoresHeadersWithoutTrustedProxies(t *testing.T) {
	got := remoteAddrSeen(t, nil, "203.0.113.7:1234", map[string]string{
		"X-Forwarded-For": "10.0.0.1",
		"X-Real-IP":       "10.0.0.2",
	})
	if got != "203.0.113.7:1234" {
		t.Fatalf("RemoteAddr = %q, spoofed header must not stick", got)
	}
}

func TestRealIPIgnoresHeadersFromUntrustedPeer(t *testing.T) {
	got := remoteAddrSeen(t, []string{"192.0.2.0/24"}, "203.0.113.7:1234", map[string]string{
		"X-Forwarded-For": "10.0.0.1",
	})
	if got != "203.0.113.7:1234" {
		t.Fatalf("RemoteAddr = %q, untrusted peer must not set client IP", got)
	}
}

func TestRealIPFromTrustedProxy(t *testing.T) {
	got := remoteAddrSeen(t, []string{"192.0.2.0/24"}, "192.0.2.10:4321", map[string]string{
		"X-Forwarded-For": "198.51.100.9, 192.0.2.10",
	})
	if got != "198.51.100.9" {
		t.Fatalf("RemoteAddr = %q, want first forwarded hop", got)
	}
}

func TestRealIPPrefersRealIPHeader(t *testing.T) {
	got := remoteAddrSeen(t, []string{"192.0.2.10"}, "192.0.2.10:4321", map[string]string{
		"X-Forwarded-For": "198.51.100.9",
		"X-Real-IP":       "198.51.100.12",
	})
	if got != "198.51.100.12" {
		t.Fatalf("RemoteAddr = %q, want X-Real-IP value", got)
	}
}

func TestRealIPRejectsGarbageHeader(t *testing.T) {
	got := remoteAddrSeen(t, []string{"192.0.2.10"}, "192.0.2.10:4321", map[string]string{
		"X-Forwarded-For": "not-an-ip",
	})
	if got != "192.0.2.10:4321" {
		t.Fatalf("RemoteAddr = %q, garbage header must be ignored", got)
	}
}

func TestParseProxyListSkipsBadEntries(t *testing.T) {
	nets := parseProxyList([]string{"192.0.2.1", "10.0.0.0/8", "bogus", "", "2001:db8::1"})
	if len(nets) != 3 {
		t.Fatalf("parsed %d entries, want 3", len(nets))
	}
}
