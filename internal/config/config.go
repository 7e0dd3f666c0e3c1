// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package config

import (
	"time"
)

// Config holds all application configuration loaded from environment variables and config files.
// Provides centralized configuration management for the event pipeline, detection engine,
// incident response, session tracking, rate limiting, storage, and ingestion.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any setting via environment variables
//
// Thread Safety:
// Config is immutable after Load() and safe for concurrent read access from multiple goroutines.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Session   SessionConfig   `koanf:"session"`
	Detection DetectionConfig `koanf:"detection"`
	Incident  IncidentConfig  `koanf:"incident"`
	Audit     AuditConfig     `koanf:"audit"`
	Ingest    IngestConfig    `koanf:"ingest"` // Optional: NATS JetStream event ingestion
	Secrets   SecretsConfig   `koanf:"secrets"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
//
// Environment Variables:
//   - HTTP_PORT: Listen port (default: 8080)
//   - HTTP_HOST: Bind address (default: 0.0.0.0)
//   - HTTP_TIMEOUT: Request timeout (default: 30s)
//   - CORS_ORIGINS: Comma-separated allowed origins (default: *)
//   - API_RATE_LIMIT_REQUESTS / API_RATE_LIMIT_WINDOW: Admin API throttle
type ServerConfig struct {
	Port            int           `koanf:"port"`
	Host            string        `koanf:"host"`
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	TrustedProxies  []string      `koanf:"trusted_proxies"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`   // Admin API request throttle
	RateLimitWindow time.Duration `koanf:"rate_limit_window"` // Throttle window
}

// StoreConfig holds the shared BadgerDB state store configuration.
// All pipeline components (rate limit counters, sessions, behavior profiles,
// incidents, audit records) share a single store instance.
type StoreConfig struct {
	Path       string        `koanf:"path"`        // Data directory; ignored when in_memory is true
	InMemory   bool          `koanf:"in_memory"`   // Run without persistence (tests, ephemeral deploys)
	OpTimeout  time.Duration `koanf:"op_timeout"`  // Per-operation deadline; exceeded ops count as store failures
	GCInterval time.Duration `koanf:"gc_interval"` // Value-log garbage collection interval

	// Circuit breaker guarding the store. When open, reads and writes fail
	// fast and callers fall back to their configured degraded behavior.
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
	BreakerMaxHalfOpen uint32        `koanf:"breaker_max_half_open"`
}

// RateLimitConfig holds the event-plane rate limiter configuration.
// Each named policy selects an algorithm and a key extraction strategy.
type RateLimitConfig struct {
	Enabled  bool                    `koanf:"enabled"`
	Policies []RateLimitPolicyConfig `koanf:"policies"`
}

// RateLimitPolicyConfig defines a single named rate limit policy.
//
// Algorithm is one of "fixed_window", "sliding_window", or "token_bucket".
// KeyBy is one of "actor", "ip", or "actor_ip".
// FailClosed inverts the degraded-store behavior for this policy: when the
// store is unavailable a fail-closed policy denies instead of allowing.
type RateLimitPolicyConfig struct {
	Name       string        `koanf:"name"`
	Algorithm  string        `koanf:"algorithm"`
	KeyBy      string        `koanf:"key_by"`
	Limit      int64         `koanf:"limit"`
	Window     time.Duration `koanf:"window"`
	Burst      int64         `koanf:"burst"`       // Token bucket capacity; defaults to Limit
	EventTypes []string      `koanf:"event_types"` // Event types this policy applies to; empty = all
	FailClosed bool          `koanf:"fail_closed"`
}

// SessionConfig holds session lifecycle and anomaly tracking configuration.
type SessionConfig struct {
	TTL             time.Duration `koanf:"ttl"`                // Absolute session lifetime
	IdleTimeout     time.Duration `koanf:"idle_timeout"`       // Inactivity expiry
	MaxConcurrent   int           `koanf:"max_concurrent"`     // Per-user session cap; oldest-activity evicted
	IPHistoryLimit  int           `koanf:"ip_history_limit"`   // Retained per-session IP observations
	ChurnThreshold  int           `koanf:"churn_threshold"`    // Distinct IPs within churn_window raising ip_churn
	ChurnWindow     time.Duration `koanf:"churn_window"`       //
	MFARequiredOnIP bool          `koanf:"mfa_required_on_ip"` // Raise mfa_required when a new IP appears
}

// DetectionConfig holds detection engine configuration.
type DetectionConfig struct {
	Enabled bool `koanf:"enabled"`

	// Severity thresholds mapping aggregate scores to severity labels.
	// A score below SeverityLow is not actionable.
	SeverityLow      float64 `koanf:"severity_low"`
	SeverityMedium   float64 `koanf:"severity_medium"`
	SeverityHigh     float64 `koanf:"severity_high"`
	SeverityCritical float64 `koanf:"severity_critical"`

	BruteForce BruteForceConfig   `koanf:"brute_force"`
	Behavioral BehavioralConfig   `koanf:"behavioral"`
	IPRep      IPReputationConfig `koanf:"ip_reputation"`
	Profile    ProfileConfig      `koanf:"profile"`
}

// BruteForceConfig tunes the failed-authentication detector. The json
// tags serve runtime reconfiguration through the admin API.
type BruteForceConfig struct {
	Enabled   bool          `koanf:"enabled" json:"enabled"`
	Threshold int           `koanf:"threshold" json:"threshold"` // Failures within Window scoring 1.0
	Window    time.Duration `koanf:"window" json:"window"`
}

// BehavioralConfig tunes the behavior-deviation detector.
type BehavioralConfig struct {
	Enabled       bool    `koanf:"enabled" json:"enabled"`
	MinEvents     int     `koanf:"min_events" json:"min_events"`           // Observations before a profile is trusted
	HourWeight    float64 `koanf:"hour_weight" json:"hour_weight"`         // Unusual login-hour contribution
	GeoWeight     float64 `koanf:"geo_weight" json:"geo_weight"`           // Geographic deviation contribution
	DeviceWeight  float64 `koanf:"device_weight" json:"device_weight"`     // Unknown device contribution
	GeoDistanceKM float64 `koanf:"geo_distance_km" json:"geo_distance_km"` // Distance from centroid considered deviant
}

// IPReputationConfig tunes the IP reputation detector.
type IPReputationConfig struct {
	Enabled        bool          `koanf:"enabled" json:"enabled"`
	Denylist       []string      `koanf:"denylist" json:"denylist"`             // Exact IPs scoring the full denylist weight
	DenylistCIDRs  []string      `koanf:"denylist_cidrs" json:"denylist_cidrs"` // CIDR ranges scoring the range weight
	DenylistWeight float64       `koanf:"denylist_weight" json:"denylist_weight"`
	CIDRWeight     float64       `koanf:"cidr_weight" json:"cidr_weight"`
	VelocityWeight float64       `koanf:"velocity_weight" json:"velocity_weight"` // New-identity velocity contribution
	VelocityLimit  int           `koanf:"velocity_limit" json:"velocity_limit"`   // Distinct actors per IP within VelocityWindow
	VelocityWindow time.Duration `koanf:"velocity_window" json:"velocity_window"`
}

// ProfileConfig tunes asynchronous behavior profile maintenance.
type ProfileConfig struct {
	QueueSize     int           `koanf:"queue_size"`      // Bounded update queue; overflow drops with a warning
	Workers       int           `koanf:"workers"`         // Concurrent profile writers
	DecayHalfLife time.Duration `koanf:"decay_half_life"` // Exponential decay applied to aged observations
}

// IncidentConfig holds incident correlation and response configuration.
type IncidentConfig struct {
	CorrelationWindow time.Duration    `koanf:"correlation_window"` // Open-incident dedup window per actor+threat
	MaxActionRetries  int              `koanf:"max_action_retries"` // Retries after the initial attempt
	RetryBackoff      time.Duration    `koanf:"retry_backoff"`      // Initial backoff; doubles per retry
	BlockDuration     time.Duration    `koanf:"block_duration"`     // TTL applied by the block_ip action
	Playbooks         []PlaybookConfig `koanf:"playbooks"`
	Notify            NotifyConfig     `koanf:"notify"`
}

// NotifyConfig configures the webhook used by the notify action.
type NotifyConfig struct {
	Enabled     bool              `koanf:"enabled"`
	WebhookURL  string            `koanf:"webhook_url"`
	Headers     map[string]string `koanf:"headers"`       // Custom headers (e.g., auth)
	Timeout     time.Duration     `koanf:"timeout"`       // Per-delivery HTTP timeout
	RateLimitMs int               `koanf:"rate_limit_ms"` // Min interval between deliveries
}

// PlaybookConfig defines an automated response playbook.
// Playbooks are matched most-specific-first: an exact threat type match beats
// a wildcard, and among equal specificity a higher MinSeverity wins.
type PlaybookConfig struct {
	Name        string   `koanf:"name"`
	ThreatTypes []string `koanf:"threat_types"` // "*" matches any threat type
	MinSeverity string   `koanf:"min_severity"` // low, medium, high, critical
	Actions     []string `koanf:"actions"`      // Executed in order
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	QueueSize     int           `koanf:"queue_size"`     // Async write queue; overflow drops with a counter
	RetentionDays int           `koanf:"retention_days"` // Record TTL in the store
	FlushInterval time.Duration `koanf:"flush_interval"` // Max latency before buffered records persist
}

// IngestConfig holds NATS JetStream ingestion configuration.
// When disabled, events arrive only via the HTTP API.
type IngestConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`
	RetentionDays  int    `koanf:"stream_retention_days"`
	Topic          string `koanf:"topic"`
	DurableName    string `koanf:"durable_name"`
	QueueGroup     string `koanf:"queue_group"`
	Subscribers    int    `koanf:"subscribers_count"`

	// Watermill Router middleware configuration
	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterPoisonQueueEnabled   bool          `koanf:"router_poison_queue_enabled"`
	RouterPoisonQueueTopic     string        `koanf:"router_poison_queue_topic"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
}

// SecretsConfig holds secret material configuration.
// The local provider derives per-purpose keys from MasterKey via HKDF.
type SecretsConfig struct {
	Provider  string `koanf:"provider"`   // "local" (default) or "env"
	MasterKey string `koanf:"master_key"` // Base64-encoded 32-byte root key
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Load loads configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
