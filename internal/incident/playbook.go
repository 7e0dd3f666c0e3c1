// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package incident

import (
	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/models"
)

// matchPlaybook selects the response playbook for a threat type and
// severity. Matching is most-specific-first: an exact threat type match
// beats a wildcard, and among equally specific candidates the highest
// MinSeverity wins. Ties keep configuration order.
func matchPlaybook(playbooks []config.PlaybookConfig, threat models.ThreatType, severity models.Severity) *config.PlaybookConfig {
	var best *config.PlaybookConfig
	bestExact := false
	bestMin := models.SeverityNone

	for i := range playbooks {
		pb := &playbooks[i]
		minSev, err := models.ParseSeverity(pb.MinSeverity)
		if err != nil || severity < minSev {
			continue
		}
		exact, matches := playbookMatches(pb, threat)
		if !matches {
			continue
		}
		switch {
		case best == nil:
		case exact && !bestExact:
		case exact == bestExact && minSev > bestMin:
		default:
			continue
		}
		best, bestExact, bestMin = pb, exact, minSev
	}
	return best
}

// playbookMatches reports whether pb covers the threat type, and
// whether it does so exactly rather than via wildcard.
func playbookMatches(pb *config.PlaybookConfig, threat models.ThreatType) (exact, matches bool) {
	for _, t := range pb.ThreatTypes {
		if t == string(threat) {
			return true, true
		}
		if t == "*" {
			matches = true
		}
	}
	return false, matches
}
