// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
)

var validSeverities = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

var validAlgorithms = map[string]bool{
	"fixed_window":   true,
	"sliding_window": true,
	"token_bucket":   true,
}

var validKeyBy = map[string]bool{
	"actor":    true,
	"ip":       true,
	"actor_ip": true,
}

var validActions = map[string]bool{
	"block_ip":             true,
	"revoke_session":       true,
	"revoke_user_sessions": true,
	"require_mfa":          true,
	"notify":               true,
}

// Validate checks that required configuration is present and valid
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	if err := c.validateSession(); err != nil {
		return err
	}

	if err := c.validateDetection(); err != nil {
		return err
	}

	if err := c.validateIncident(); err != nil {
		return err
	}

	if err := c.validateIngest(); err != nil {
		return err
	}

	if err := c.validateSecrets(); err != nil {
		return err
	}

	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %v", c.Server.Timeout)
	}
	if c.Server.RateLimitReqs < 0 {
		return fmt.Errorf("API_RATE_LIMIT_REQUESTS must not be negative, got %d", c.Server.RateLimitReqs)
	}
	return nil
}

func (c *Config) validateStore() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH is required when STORE_IN_MEMORY=false")
	}
	if c.Store.OpTimeout <= 0 {
		return fmt.Errorf("STORE_OP_TIMEOUT must be positive, got %v", c.Store.OpTimeout)
	}
	if c.Store.BreakerMaxFailures == 0 {
		return fmt.Errorf("STORE_BREAKER_MAX_FAILURES must be at least 1")
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if !c.RateLimit.Enabled {
		return nil
	}
	seen := make(map[string]bool, len(c.RateLimit.Policies))
	for i, p := range c.RateLimit.Policies {
		if p.Name == "" {
			return fmt.Errorf("ratelimit.policies[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("ratelimit.policies[%d]: duplicate policy name %q", i, p.Name)
		}
		seen[p.Name] = true
		if !validAlgorithms[p.Algorithm] {
			return fmt.Errorf("ratelimit policy %q: unknown algorithm %q (valid: fixed_window, sliding_window, token_bucket)", p.Name, p.Algorithm)
		}
		if !validKeyBy[p.KeyBy] {
			return fmt.Errorf("ratelimit policy %q: unknown key_by %q (valid: actor, ip, actor_ip)", p.Name, p.KeyBy)
		}
		if p.Limit <= 0 {
			return fmt.Errorf("ratelimit policy %q: limit must be positive, got %d", p.Name, p.Limit)
		}
		if p.Window <= 0 {
			return fmt.Errorf("ratelimit policy %q: window must be positive, got %v", p.Name, p.Window)
		}
		if p.Burst < 0 {
			return fmt.Errorf("ratelimit policy %q: burst must not be negative, got %d", p.Name, p.Burst)
		}
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %v", c.Session.TTL)
	}
	if c.Session.IdleTimeout <= 0 || c.Session.IdleTimeout > c.Session.TTL {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive and not exceed SESSION_TTL, got %v", c.Session.IdleTimeout)
	}
	if c.Session.MaxConcurrent < 1 {
		return fmt.Errorf("SESSION_MAX_CONCURRENT must be at least 1, got %d", c.Session.MaxConcurrent)
	}
	if c.Session.IPHistoryLimit < 1 {
		return fmt.Errorf("SESSION_IP_HISTORY_LIMIT must be at least 1, got %d", c.Session.IPHistoryLimit)
	}
	return nil
}

func (c *Config) validateDetection() error {
	if !c.Detection.Enabled {
		return nil
	}

	d := c.Detection
	thresholds := []struct {
		name string
		val  float64
	}{
		{"DETECTION_SEVERITY_LOW", d.SeverityLow},
		{"DETECTION_SEVERITY_MEDIUM", d.SeverityMedium},
		{"DETECTION_SEVERITY_HIGH", d.SeverityHigh},
		{"DETECTION_SEVERITY_CRITICAL", d.SeverityCritical},
	}
	prev := 0.0
	for _, t := range thresholds {
		if t.val <= 0 || t.val > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", t.name, t.val)
		}
		if t.val <= prev {
			return fmt.Errorf("severity thresholds must be strictly increasing: %s=%v", t.name, t.val)
		}
		prev = t.val
	}

	if d.BruteForce.Enabled {
		if d.BruteForce.Threshold < 1 {
			return fmt.Errorf("DETECTION_BRUTE_FORCE_THRESHOLD must be at least 1, got %d", d.BruteForce.Threshold)
		}
		if d.BruteForce.Window <= 0 {
			return fmt.Errorf("DETECTION_BRUTE_FORCE_WINDOW must be positive, got %v", d.BruteForce.Window)
		}
	}

	for _, ip := range d.IPRep.Denylist {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("detection.ip_reputation.denylist: invalid IP %q", ip)
		}
	}
	for _, cidr := range d.IPRep.DenylistCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("detection.ip_reputation.denylist_cidrs: invalid CIDR %q: %w", cidr, err)
		}
	}

	if d.Profile.QueueSize < 1 {
		return fmt.Errorf("DETECTION_PROFILE_QUEUE_SIZE must be at least 1, got %d", d.Profile.QueueSize)
	}
	if d.Profile.Workers < 1 {
		return fmt.Errorf("DETECTION_PROFILE_WORKERS must be at least 1, got %d", d.Profile.Workers)
	}
	return nil
}

func (c *Config) validateIncident() error {
	if c.Incident.CorrelationWindow <= 0 {
		return fmt.Errorf("INCIDENT_CORRELATION_WINDOW must be positive, got %v", c.Incident.CorrelationWindow)
	}
	if c.Incident.MaxActionRetries < 0 {
		return fmt.Errorf("INCIDENT_MAX_ACTION_RETRIES must not be negative, got %d", c.Incident.MaxActionRetries)
	}
	if c.Incident.RetryBackoff <= 0 {
		return fmt.Errorf("INCIDENT_RETRY_BACKOFF must be positive, got %v", c.Incident.RetryBackoff)
	}
	if c.Incident.BlockDuration <= 0 {
		return fmt.Errorf("INCIDENT_BLOCK_DURATION must be positive, got %v", c.Incident.BlockDuration)
	}
	if c.Incident.Notify.Enabled && c.Incident.Notify.WebhookURL == "" {
		return fmt.Errorf("INCIDENT_NOTIFY_WEBHOOK_URL is required when notifications are enabled")
	}

	for i, pb := range c.Incident.Playbooks {
		if pb.Name == "" {
			return fmt.Errorf("incident.playbooks[%d]: name is required", i)
		}
		if len(pb.ThreatTypes) == 0 {
			return fmt.Errorf("incident playbook %q: at least one threat type is required", pb.Name)
		}
		if !validSeverities[pb.MinSeverity] {
			return fmt.Errorf("incident playbook %q: invalid min_severity %q (valid: low, medium, high, critical)", pb.Name, pb.MinSeverity)
		}
		if len(pb.Actions) == 0 {
			return fmt.Errorf("incident playbook %q: at least one action is required", pb.Name)
		}
		for _, a := range pb.Actions {
			if !validActions[a] {
				return fmt.Errorf("incident playbook %q: unknown action %q", pb.Name, a)
			}
		}
	}
	return nil
}

func (c *Config) validateIngest() error {
	if !c.Ingest.Enabled {
		return nil
	}
	if c.Ingest.URL == "" && !c.Ingest.EmbeddedServer {
		return fmt.Errorf("NATS_URL is required when NATS_ENABLED=true and NATS_EMBEDDED=false")
	}
	if c.Ingest.Topic == "" {
		return fmt.Errorf("NATS_TOPIC is required when NATS_ENABLED=true")
	}
	if c.Ingest.Subscribers < 1 {
		return fmt.Errorf("NATS_SUBSCRIBERS must be at least 1, got %d", c.Ingest.Subscribers)
	}
	if c.Ingest.RouterRetryCount < 0 {
		return fmt.Errorf("NATS_ROUTER_RETRY_COUNT must not be negative, got %d", c.Ingest.RouterRetryCount)
	}
	return nil
}

func (c *Config) validateSecrets() error {
	switch c.Secrets.Provider {
	case "local":
		if c.Secrets.MasterKey == "" {
			return nil // Key generated at startup; encrypted state does not survive restarts
		}
		raw, err := base64.StdEncoding.DecodeString(c.Secrets.MasterKey)
		if err != nil {
			return fmt.Errorf("SECRETS_MASTER_KEY must be base64-encoded: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("SECRETS_MASTER_KEY must decode to 32 bytes, got %d", len(raw))
		}
		return nil
	case "env":
		return nil
	default:
		return fmt.Errorf("SECRETS_PROVIDER must be \"local\" or \"env\", got %q", c.Secrets.Provider)
	}
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	switch level {
	case "debug", "info", "warn", "warning", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, fatal, disabled; got %q", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "json" && format != "console" {
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"console\", got %q", c.Logging.Format)
	}
	return nil
}
