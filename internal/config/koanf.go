// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/bastion/config.yaml",
	"/etc/bastion/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			Timeout:         30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
			TrustedProxies:  []string{},
			RateLimitReqs:   100,
			RateLimitWindow: 1 * time.Minute,
		},
		Store: StoreConfig{
			Path:               "/data/bastion",
			InMemory:           false,
			OpTimeout:          200 * time.Millisecond,
			GCInterval:         10 * time.Minute,
			BreakerMaxFailures: 5,
			BreakerOpenTimeout: 10 * time.Second,
			BreakerMaxHalfOpen: 2,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Policies: []RateLimitPolicyConfig{
				{
					Name:      "default",
					Algorithm: "sliding_window",
					KeyBy:     "actor_ip",
					Limit:     300,
					Window:    1 * time.Minute,
				},
				{
					Name:       "auth",
					Algorithm:  "fixed_window",
					KeyBy:      "ip",
					Limit:      30,
					Window:     1 * time.Minute,
					EventTypes: []string{"auth.login", "auth.login_failed", "auth.mfa_challenge"},
				},
			},
		},
		Session: SessionConfig{
			TTL:             24 * time.Hour,
			IdleTimeout:     2 * time.Hour,
			MaxConcurrent:   5,
			IPHistoryLimit:  20,
			ChurnThreshold:  4,
			ChurnWindow:     10 * time.Minute,
			MFARequiredOnIP: false,
		},
		Detection: DetectionConfig{
			Enabled:          true,
			SeverityLow:      0.4,
			SeverityMedium:   0.6,
			SeverityHigh:     0.8,
			SeverityCritical: 0.95,
			BruteForce: BruteForceConfig{
				Enabled:   true,
				Threshold: 5,
				Window:    5 * time.Minute,
			},
			Behavioral: BehavioralConfig{
				Enabled:       true,
				MinEvents:     20,
				HourWeight:    0.3,
				GeoWeight:     0.4,
				DeviceWeight:  0.3,
				GeoDistanceKM: 500,
			},
			IPRep: IPReputationConfig{
				Enabled:        true,
				Denylist:       []string{},
				DenylistCIDRs:  []string{},
				DenylistWeight: 1.0,
				CIDRWeight:     0.8,
				VelocityWeight: 0.5,
				VelocityLimit:  10,
				VelocityWindow: 10 * time.Minute,
			},
			Profile: ProfileConfig{
				QueueSize:     1024,
				Workers:       2,
				DecayHalfLife: 7 * 24 * time.Hour,
			},
		},
		Incident: IncidentConfig{
			CorrelationWindow: 15 * time.Minute,
			MaxActionRetries:  3,
			RetryBackoff:      500 * time.Millisecond,
			BlockDuration:     time.Hour,
			Notify: NotifyConfig{
				Enabled:     false,
				Timeout:     10 * time.Second,
				RateLimitMs: 500,
			},
			Playbooks: []PlaybookConfig{
				{
					Name:        "brute-force-containment",
					ThreatTypes: []string{"brute_force"},
					MinSeverity: "high",
					Actions:     []string{"block_ip", "revoke_user_sessions", "notify"},
				},
				{
					Name:        "bad-reputation-block",
					ThreatTypes: []string{"ip_reputation"},
					MinSeverity: "high",
					Actions:     []string{"block_ip", "notify"},
				},
				{
					Name:        "anomaly-stepup",
					ThreatTypes: []string{"behavioral"},
					MinSeverity: "medium",
					Actions:     []string{"require_mfa", "notify"},
				},
				{
					Name:        "catch-all-notify",
					ThreatTypes: []string{"*"},
					MinSeverity: "low",
					Actions:     []string{"notify"},
				},
			},
		},
		Audit: AuditConfig{
			QueueSize:     4096,
			RetentionDays: 90,
			FlushInterval: 2 * time.Second,
		},
		Ingest: IngestConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,  // 1GB
			MaxStore:       10 << 30, // 10GB
			RetentionDays:  7,
			Topic:          "security.events",
			DurableName:    "bastion-pipeline",
			QueueGroup:     "pipeline",
			Subscribers:    4,
			// Router defaults (Watermill Router middleware)
			RouterRetryCount:           3,
			RouterRetryInitialInterval: 100 * time.Millisecond,
			RouterPoisonQueueEnabled:   true,
			RouterPoisonQueueTopic:     "security.events.poison",
			RouterCloseTimeout:         30 * time.Second,
		},
		Secrets: SecretsConfig{
			Provider:  "local",
			MasterKey: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
//
// Precedence: ENV > File > Defaults.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	// Transform environment variable names to koanf paths:
	// HTTP_PORT -> server.port
	// INCIDENT_CORRELATION_WINDOW -> incident.correlation_window
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	// Check environment variable first
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	// Search default paths
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices.
// Policy and playbook lists are structured and only configurable via YAML.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"server.trusted_proxies",
	"detection.ip_reputation.denylist",
	"detection.ip_reputation.denylist_cidrs",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// If it's already a slice (from YAML file), skip
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		// If it's a string, split by comma
		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - STORE_PATH -> store.path
//   - DETECTION_BRUTE_FORCE_THRESHOLD -> detection.brute_force.threshold
//   - NATS_URL -> ingest.url
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_port":               "server.port",
		"http_host":               "server.host",
		"http_timeout":            "server.timeout",
		"http_shutdown_timeout":   "server.shutdown_timeout",
		"cors_origins":            "server.cors_origins",
		"trusted_proxies":         "server.trusted_proxies",
		"api_rate_limit_requests": "server.rate_limit_reqs",
		"api_rate_limit_window":   "server.rate_limit_window",

		// Store mappings
		"store_path":                  "store.path",
		"store_in_memory":             "store.in_memory",
		"store_op_timeout":            "store.op_timeout",
		"store_gc_interval":           "store.gc_interval",
		"store_breaker_max_failures":  "store.breaker_max_failures",
		"store_breaker_open_timeout":  "store.breaker_open_timeout",
		"store_breaker_max_half_open": "store.breaker_max_half_open",

		// Rate limit mappings
		"ratelimit_enabled": "ratelimit.enabled",

		// Session mappings
		"session_ttl":                "session.ttl",
		"session_idle_timeout":       "session.idle_timeout",
		"session_max_concurrent":     "session.max_concurrent",
		"session_ip_history_limit":   "session.ip_history_limit",
		"session_churn_threshold":    "session.churn_threshold",
		"session_churn_window":       "session.churn_window",
		"session_mfa_required_on_ip": "session.mfa_required_on_ip",

		// Detection mappings
		"detection_enabled":           "detection.enabled",
		"detection_severity_low":      "detection.severity_low",
		"detection_severity_medium":   "detection.severity_medium",
		"detection_severity_high":     "detection.severity_high",
		"detection_severity_critical": "detection.severity_critical",
		// Brute force detector
		"detection_brute_force_enabled":   "detection.brute_force.enabled",
		"detection_brute_force_threshold": "detection.brute_force.threshold",
		"detection_brute_force_window":    "detection.brute_force.window",
		// Behavioral detector
		"detection_behavioral_enabled":         "detection.behavioral.enabled",
		"detection_behavioral_min_events":      "detection.behavioral.min_events",
		"detection_behavioral_hour_weight":     "detection.behavioral.hour_weight",
		"detection_behavioral_geo_weight":      "detection.behavioral.geo_weight",
		"detection_behavioral_device_weight":   "detection.behavioral.device_weight",
		"detection_behavioral_geo_distance_km": "detection.behavioral.geo_distance_km",
		// IP reputation detector
		"detection_ip_denylist":        "detection.ip_reputation.denylist",
		"detection_ip_denylist_cidrs":  "detection.ip_reputation.denylist_cidrs",
		"detection_ip_denylist_weight": "detection.ip_reputation.denylist_weight",
		"detection_ip_cidr_weight":     "detection.ip_reputation.cidr_weight",
		"detection_ip_velocity_weight": "detection.ip_reputation.velocity_weight",
		"detection_ip_velocity_limit":  "detection.ip_reputation.velocity_limit",
		"detection_ip_velocity_window": "detection.ip_reputation.velocity_window",
		// Profile maintenance
		"detection_profile_queue_size":      "detection.profile.queue_size",
		"detection_profile_workers":         "detection.profile.workers",
		"detection_profile_decay_half_life": "detection.profile.decay_half_life",

		// Incident mappings
		"incident_correlation_window": "incident.correlation_window",
		"incident_max_action_retries": "incident.max_action_retries",
		"incident_retry_backoff":      "incident.retry_backoff",
		"incident_block_duration":     "incident.block_duration",
		"incident_notify_enabled":     "incident.notify.enabled",
		"incident_notify_webhook_url": "incident.notify.webhook_url",

		// Audit mappings
		"audit_queue_size":     "audit.queue_size",
		"audit_retention_days": "audit.retention_days",
		"audit_flush_interval": "audit.flush_interval",

		// Ingest (NATS) mappings
		"nats_enabled":               "ingest.enabled",
		"nats_url":                   "ingest.url",
		"nats_embedded":              "ingest.embedded_server",
		"nats_store_dir":             "ingest.store_dir",
		"nats_max_memory":            "ingest.max_memory",
		"nats_max_store":             "ingest.max_store",
		"nats_retention_days":        "ingest.stream_retention_days",
		"nats_topic":                 "ingest.topic",
		"nats_durable_name":          "ingest.durable_name",
		"nats_queue_group":           "ingest.queue_group",
		"nats_subscribers":           "ingest.subscribers_count",
		"nats_router_retry_count":    "ingest.router_retry_count",
		"nats_router_retry_interval": "ingest.router_retry_initial_interval",
		"nats_router_poison_enabled": "ingest.router_poison_queue_enabled",
		"nats_router_poison_topic":   "ingest.router_poison_queue_topic",
		"nats_router_close_timeout":  "ingest.router_close_timeout",

		// Secrets mappings
		"secrets_provider":   "secrets.provider",
		"secrets_master_key": "secrets.master_key",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// For unmapped keys, return empty string to skip them
	// This prevents random environment variables from polluting config
	return ""
}

// WatchConfigFile sets up a file watcher for hot-reload capability.
// The caller is responsible for mutex protection when accessing
// configuration during reloads.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
