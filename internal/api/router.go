// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/bastion/internal/middleware"
)

// Router assembles the HTTP surface: event ingestion, policy rate limit
// checks, session management, and the operator admin plane.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a router around the given handler set.
func NewRouter(handler *Handler, mwConfig *ChiMiddlewareConfig) *Router {
	return &Router{
		handler:       handler,
		chiMiddleware: NewChiMiddleware(mwConfig),
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// ========================
	// Global Middleware Stack
	// ========================
	r.Use(chiMiddleware(middleware.RequestID)) // X-Request-ID header plus logging context
	r.Use(router.chiMiddleware.RealIP())       // Client IP from trusted proxies only
	r.Use(chimiddleware.Recoverer)             // Recover from panics
	r.Use(router.chiMiddleware.CORS())         // CORS must be global to handle OPTIONS preflight

	// ========================
	// Health Endpoints
	// ========================
	// Permissive throttle so monitoring can poll frequently.
	r.Route("/health", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitHealth())
		r.Get("/live", router.handler.Liveness)
		r.Get("/ready", router.handler.Readiness)
	})

	// ========================
	// Event Ingestion
	// ========================
	// High-volume machine traffic. Throttled per source IP, well above
	// any legitimate single-producer rate.
	r.Route("/api/v1/events", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitIngest())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Post("/", router.handler.SubmitEvent)
	})

	// ========================
	// Rate Limit Plane
	// ========================
	// Check is in the hot path for enforcement points; block management
	// is an operator surface.
	r.Route("/api/v1/ratelimit", func(r chi.Router) {
		r.Use(chiMiddleware(middleware.PrometheusMetrics))

		r.With(router.chiMiddleware.RateLimitIngest()).Post("/check", router.handler.CheckRateLimit)

		r.Group(func(r chi.Router) {
			r.Use(router.chiMiddleware.RateLimitAdmin())
			r.Use(APISecurityHeaders())
			r.Use(OperatorID())

			r.Get("/blocks", router.handler.ListBlocks)
			r.With(RequireOperator()).Post("/blocks", router.handler.CreateBlock)
			r.With(RequireOperator()).Delete("/blocks/{subject}", router.handler.DeleteBlock)
		})
	})

	// ========================
	// Session Endpoints
	// ========================
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))

		r.Post("/", router.handler.CreateSession)
		r.Get("/{id}", router.handler.GetSession)
		r.Post("/{id}/validate", router.handler.ValidateSession)
		r.Delete("/{id}", router.handler.RevokeSession)
	})

	r.Route("/api/v1/users/{id}", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitAdmin())
		r.Use(APISecurityHeaders())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Use(OperatorID())

		r.Get("/sessions", router.handler.ListUserSessions)
		r.With(RequireOperator()).Delete("/sessions", router.handler.RevokeUserSessions)
		r.With(RequireOperator()).Post("/require-mfa", router.handler.RequireUserMFA)
	})

	// ========================
	// Detection Admin
	// ========================
	r.Route("/api/v1/detection", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitAdmin())
		r.Use(APISecurityHeaders())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Use(OperatorID())

		r.Get("/detectors", router.handler.ListDetectors)
		r.Get("/metrics", router.handler.DetectionMetrics)

		r.Group(func(r chi.Router) {
			r.Use(RequireOperator())
			r.Put("/detectors/{name}", router.handler.ConfigureDetector)
			r.Post("/detectors/{name}/enable", router.handler.SetDetectorEnabled)
		})
	})

	// ========================
	// Incident Management
	// ========================
	r.Route("/api/v1/incidents", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitAdmin())
		r.Use(APISecurityHeaders())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Use(OperatorID())

		r.Get("/", router.handler.ListIncidents)
		r.Get("/{id}", router.handler.GetIncident)

		r.Group(func(r chi.Router) {
			r.Use(RequireOperator())
			r.Post("/", router.handler.CreateIncident)
			r.Put("/{id}/status", router.handler.SetIncidentStatus)
			r.Put("/{id}/severity", router.handler.SetIncidentSeverity)
			r.Post("/{id}/resolve", router.handler.ResolveIncident)
			r.Post("/{id}/false-positive", router.handler.MarkIncidentFalsePositive)
			r.Post("/{id}/actions", router.handler.ExecuteIncidentAction)
		})
	})

	// ========================
	// Audit Log Endpoints
	// ========================
	// Read-only: the audit trail is append-only by construction.
	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitAdmin())
		r.Use(APISecurityHeaders())
		r.Use(chiMiddleware(middleware.PrometheusMetrics))
		r.Use(OperatorID())

		r.Get("/records", router.handler.ListAuditRecords)
		r.Get("/records/{id}", router.handler.GetAuditRecord)
	})

	// ========================
	// Observability
	// ========================
	r.Handle("/metrics", promhttp.Handler())

	return r
}
