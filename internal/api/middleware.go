// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/middleware"
)

// ChiMiddlewareConfig holds configuration for the middleware factories.
type ChiMiddlewareConfig struct {
	CORSAllowedOrigins []string
	CORSMaxAge         int // seconds

	// TrustedProxies are the IPs or CIDR ranges whose forwarding
	// headers are believed. Empty means headers are never trusted.
	TrustedProxies []string

	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitDisabled bool
}

// DefaultChiMiddlewareConfig returns a secure default configuration.
// CORS origins default to empty so a deployment must opt in explicitly.
func DefaultChiMiddlewareConfig() *ChiMiddlewareConfig {
	return &ChiMiddlewareConfig{
		CORSAllowedOrigins: []string{},
		CORSMaxAge:         86400,

		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
	}
}

// ChiMiddleware provides chi-compatible middleware factories built on
// the go-chi/cors and go-chi/httprate packages.
type ChiMiddleware struct {
	config *ChiMiddlewareConfig
	cors   func(http.Handler) http.Handler
}

// NewChiMiddleware creates a middleware factory with the given configuration.
func NewChiMiddleware(config *ChiMiddlewareConfig) *ChiMiddleware {
	if config == nil {
		config = DefaultChiMiddlewareConfig()
	}

	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: config.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Operator-ID", "X-Request-ID"},
		MaxAge:         config.CORSMaxAge,
	})

	return &ChiMiddleware{
		config: config,
		cors:   corsHandler,
	}
}

// CORS returns the CORS middleware. It must be global so OPTIONS
// preflight requests reach it before route matching.
func (m *ChiMiddleware) CORS() func(http.Handler) http.Handler {
	return m.cors
}

// RealIP returns the client-address middleware bound to the configured
// trusted proxy list.
func (m *ChiMiddleware) RealIP() func(http.Handler) http.Handler {
	return chiMiddleware(middleware.RealIP(m.config.TrustedProxies))
}

// HTTPRateLimitConfig defines rate limit parameters for an endpoint class.
// This throttle protects the API surface itself; the event-plane rate
// limiter inside the pipeline is separate and policy-driven.
type HTTPRateLimitConfig struct {
	Requests int
	Window   time.Duration
}

var (
	// RateLimitIngest is permissive: ingestion is the hot path.
	RateLimitIngest = HTTPRateLimitConfig{Requests: 5000, Window: time.Minute}

	// RateLimitAdmin covers operator read/write endpoints.
	RateLimitAdmin = HTTPRateLimitConfig{Requests: 120, Window: time.Minute}

	// RateLimitHealth allows frequent probes without opening an
	// amplification vector.
	RateLimitHealth = HTTPRateLimitConfig{Requests: 1000, Window: time.Minute}
)

// RateLimitCustom returns an IP-keyed limiter with the given parameters.
func (m *ChiMiddleware) RateLimitCustom(config HTTPRateLimitConfig) func(http.Handler) http.Handler {
	if m.config.RateLimitDisabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return httprate.LimitByIP(config.Requests, config.Window)
}

// RateLimit returns the default API limiter from the server configuration.
func (m *ChiMiddleware) RateLimit() func(http.Handler) http.Handler {
	return m.RateLimitCustom(HTTPRateLimitConfig{
		Requests: m.config.RateLimitRequests,
		Window:   m.config.RateLimitWindow,
	})
}

// RateLimitIngest returns the permissive limiter for event submission.
func (m *ChiMiddleware) RateLimitIngest() func(http.Handler) http.Handler {
	return m.RateLimitCustom(RateLimitIngest)
}

// RateLimitAdmin returns the limiter for operator endpoints.
func (m *ChiMiddleware) RateLimitAdmin() func(http.Handler) http.Handler {
	return m.RateLimitCustom(RateLimitAdmin)
}

// RateLimitHealth returns the limiter for health probes.
func (m *ChiMiddleware) RateLimitHealth() func(http.Handler) http.Handler {
	return m.RateLimitCustom(RateLimitHealth)
}

// APISecurityHeaders sets browser security headers on API responses.
func APISecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OperatorID reads the X-Operator-ID header into the logging context so
// audit records attribute manual operations. It does not reject
// anonymous requests; handlers that mutate state do.
func OperatorID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get("X-Operator-ID"); id != "" {
				r = r.WithContext(logging.ContextWithOperatorID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOperator rejects requests without an X-Operator-ID header.
// Applied to endpoints whose audit records must name an operator.
func RequireOperator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logging.OperatorIDFromContext(r.Context()) == "" {
				NewResponseWriter(w, r).Unauthorized("X-Operator-ID header is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// chiMiddleware adapts http.HandlerFunc middleware to chi's
// func(http.Handler) http.Handler shape for r.Use().
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}
