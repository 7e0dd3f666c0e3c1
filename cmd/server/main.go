// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package main is the entry point for the Bastion server.
//
// Bastion ingests authentication and session telemetry from upstream
// services, scores it for threats, and drives automated incident
// response. A single process carries the whole pipeline:
//
//  1. Configuration: Koanf v2 layered loading (defaults, YAML, env vars)
//  2. State store: shared BadgerDB instance behind a circuit breaker
//  3. Audit trail: async append-only record writer
//  4. Rate limiter: policy evaluation plus administrative blocks
//  5. Sessions: lifecycle, device fingerprints, anomaly tracking
//  6. Detection: brute force, session anomaly, behavioral, IP reputation
//  7. Incidents: correlation, playbooks, containment actions
//  8. Ingest (optional): NATS JetStream consumer via Watermill
//  9. HTTP API: event submission and the operator admin plane
//
// Components run under a suture supervisor tree with three layers (data,
// pipeline, api) so a crashing consumer cannot take the admin API down.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config file (config.yaml),
// built-in defaults. See internal/config for the full reference.
//
// Minimal production setup:
//
//	export STORE_PATH=/data/bastion
//	export SECRETS_MASTER_KEY=$(openssl rand -base64 32)
//	./bastion
//
// With embedded NATS ingestion:
//
//	export INGEST_ENABLED=true
//	export INGEST_EMBEDDED_SERVER=true
//	export INGEST_STORE_DIR=/data/bastion-streams
//	./bastion
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the HTTP
// server drains in-flight requests, the ingest router stops consuming,
// and buffered audit records are flushed before exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/bastion/internal/api"
	"github.com/tomtom215/bastion/internal/audit"
	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/detection"
	"github.com/tomtom215/bastion/internal/incident"
	"github.com/tomtom215/bastion/internal/ingest"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/pipeline"
	"github.com/tomtom215/bastion/internal/profile"
	"github.com/tomtom215/bastion/internal/ratelimit"
	"github.com/tomtom215/bastion/internal/secrets"
	"github.com/tomtom215/bastion/internal/session"
	"github.com/tomtom215/bastion/internal/store"
	"github.com/tomtom215/bastion/internal/supervisor"
	"github.com/tomtom215/bastion/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting Bastion")
	logging.Info().
		Str("store_path", cfg.Store.Path).
		Bool("store_in_memory", cfg.Store.InMemory).
		Bool("ingest_enabled", cfg.Ingest.Enabled).
		Int("ratelimit_policies", len(cfg.RateLimit.Policies)).
		Int("playbooks", len(cfg.Incident.Playbooks)).
		Msg("Configuration loaded")

	// === STATE STORE ===
	// One BadgerDB instance backs every component: rate limit counters,
	// sessions, behavior profiles, incidents, and the audit trail.
	st, err := store.Open(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing state store")
		}
	}()
	logging.Info().Msg("State store opened")

	secretProvider, err := secrets.NewProvider(cfg.Secrets)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize secrets provider")
	}

	// === AUDIT TRAIL ===
	auditStore := audit.NewBadgerStore(st, cfg.Audit.RetentionDays)
	auditLog := audit.NewLogger(auditStore, &audit.Config{
		Enabled:       true,
		BufferSize:    cfg.Audit.QueueSize,
		FlushInterval: cfg.Audit.FlushInterval,
		RetentionDays: cfg.Audit.RetentionDays,
	})

	// === PIPELINE COMPONENTS ===
	limiter := ratelimit.NewLimiter(st, auditLog, cfg.RateLimit)
	sessions := session.NewManager(st, secretProvider, auditLog, cfg.Session)
	profiles := profile.NewUpdater(st, cfg.Detection.Profile)

	detectionEngine := buildDetectionEngine(cfg, auditLog, profiles)

	var notifier incident.Notifier
	if cfg.Incident.Notify.Enabled && cfg.Incident.Notify.WebhookURL != "" {
		notifier = incident.NewWebhookNotifier(cfg.Incident.Notify)
		logging.Info().Str("url", cfg.Incident.Notify.WebhookURL).Msg("Incident webhook notifier enabled")
	}

	incidents := incident.NewEngine(st, auditLog, limiter, sessions, notifier, cfg.Incident)
	processor := pipeline.NewProcessor(limiter, sessions, detectionEngine, incidents)

	// === SUPERVISOR TREE ===
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridges zerolog to slog for sutureslog compatibility
	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	// Data layer: components with internal goroutines, stopped in tree
	// order so buffered writes flush before the store closes.
	tree.AddDataService(services.NewComponentService("audit-writer", auditLog.Close))
	tree.AddDataService(services.NewComponentService("profile-updater", func() error {
		profiles.Close()
		return nil
	}))

	// === NATS INGESTION (optional) ===
	var publisher api.EventPublisher
	if cfg.Ingest.Enabled {
		ingestSvc, err := ingest.NewService(cfg.Ingest, processor)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize ingest service")
		}
		defer func() {
			if err := ingestSvc.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing ingest service")
			}
		}()

		tree.AddPipelineService(ingestSvc)
		publisher = ingestSvc.Publisher()
		logging.Info().
			Str("topic", cfg.Ingest.Topic).
			Bool("embedded_server", cfg.Ingest.EmbeddedServer).
			Msg("NATS ingestion enabled")
	} else {
		logging.Info().Msg("NATS ingestion disabled - events processed inline from the HTTP API")
	}

	// === HTTP API ===
	handler := api.NewHandler(api.HandlerConfig{
		Processor:  processor,
		Publisher:  publisher,
		Limiter:    limiter,
		Sessions:   sessions,
		Detection:  detectionEngine,
		Incidents:  incidents,
		AuditStore: auditStore,
		Store:      st,
	})

	router := api.NewRouter(handler, &api.ChiMiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		CORSMaxAge:         86400,
		TrustedProxies:     cfg.Server.TrustedProxies,
		RateLimitRequests:  cfg.Server.RateLimitReqs,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// === RUN ===
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Bastion stopped gracefully")
}

// buildDetectionEngine assembles the detection engine with every
// configured detector registered. A detector that fails to construct is
// skipped with a warning; the rest of the pipeline still runs.
func buildDetectionEngine(cfg *config.Config, auditLog *audit.Logger, profiles *profile.Updater) *detection.Engine {
	engine := detection.NewEngine(cfg.Detection, auditLog, profiles)

	register := func(name string, d detection.Detector, err error) {
		if err != nil {
			logging.Warn().Err(err).Str("detector", name).Msg("Detector disabled")
			return
		}
		if err := engine.RegisterDetector(d); err != nil {
			logging.Warn().Err(err).Str("detector", name).Msg("Failed to register detector")
			return
		}
		logging.Info().Str("detector", name).Msg("Detector registered")
	}

	register("brute_force", detection.NewBruteForceDetector(cfg.Detection.BruteForce), nil)
	register("session_anomaly", detection.NewSessionAnomalyDetector(), nil)
	register("behavioral", detection.NewBehavioralDetector(cfg.Detection.Behavioral, profiles), nil)

	ipRep, err := detection.NewIPReputationDetector(cfg.Detection.IPRep)
	register("ip_reputation", ipRep, err)

	if !cfg.Detection.Enabled {
		logging.Info().Msg("Detection engine disabled (DETECTION_ENABLED=false)")
	}

	return engine
}
