// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/tomtom215/bastion/internal/logging"
)

// RealIP rewrites r.RemoteAddr from the X-Real-IP or X-Forwarded-For
// header, but only when the request arrived from a trusted proxy.
// Trust is opt-in: with an empty list the headers are ignored entirely,
// so a client cannot spoof its address past IP-keyed throttles and
// detection.
//
// trustedProxies holds IPs or CIDR ranges. Entries that parse as
// neither are dropped with a warning at startup.
func RealIP(trustedProxies []string) func(http.HandlerFunc) http.HandlerFunc {
	trusted := parseProxyList(trustedProxies)

	return func(next http.HandlerFunc) http.HandlerFunc {
		if len(trusted) == 0 {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			peer, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				peer = r.RemoteAddr
			}
			if ip := net.ParseIP(peer); ip != nil && proxyTrusted(trusted, ip) {
				if realIP := clientIPFromHeaders(r); realIP != "" {
					r.RemoteAddr = realIP
				}
			}
			next(w, r)
		}
	}
}

func parseProxyList(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, cidr)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		logging.Warn().
			Str("component", "http").
			Str("entry", entry).
			Msg("Ignoring unparseable trusted proxy entry")
	}
	return nets
}

func proxyTrusted(trusted []*net.IPNet, ip net.IP) bool {
	for _, cidr := range trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIPFromHeaders returns the client address a trusted proxy
// reported. X-Real-IP wins; otherwise the first entry of
// X-Forwarded-For, which is the original client in the usual
// append-only chain.
func clientIPFromHeaders(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && net.ParseIP(ip) != nil {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		first = strings.TrimSpace(first)
		if net.ParseIP(first) != nil {
			return first
		}
	}
	return ""
}
