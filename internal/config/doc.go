// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

/*
Package config provides layered configuration management using Koanf v2.

Configuration is assembled from three sources with clear precedence:

	Environment Variables > YAML config file > Built-in defaults

# Config File

A YAML config file is searched at config.yaml, config.yml,
/etc/bastion/config.yaml and /etc/bastion/config.yml, or wherever
CONFIG_PATH points. Structured lists (rate limit policies and incident
playbooks) can only be configured through the file:

	ratelimit:
	  policies:
	    - name: auth
	      algorithm: fixed_window
	      key_by: ip
	      limit: 30
	      window: 1m
	      event_types: [auth.login, auth.login_failed]

	incident:
	  correlation_window: 15m
	  playbooks:
	    - name: brute-force-containment
	      threat_types: [brute_force]
	      min_severity: high
	      actions: [block_ip, revoke_user_sessions, notify]

# Environment Variables

Scalar settings map to flat environment variables via an explicit
allowlist (unknown variables are ignored):

	HTTP_PORT=8080
	STORE_PATH=/data/bastion
	DETECTION_BRUTE_FORCE_THRESHOLD=5
	INCIDENT_CORRELATION_WINDOW=15m
	NATS_ENABLED=true

# Validation

Load() validates the assembled configuration before returning it: port
ranges, positive durations, monotonically increasing severity thresholds,
known rate limit algorithms, and well-formed playbook actions. A config
that fails validation never reaches the rest of the system.
*/
package config
