// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

/*
Package models defines the core data types shared across the pipeline.

SecurityEvent is the unit of ingestion: a typed, timestamped action by an
actor from a source IP. Finding is the detection engine's scored threat
assessment of a single event. Severity provides the ordered classification
used by findings, incidents, and playbook matching.

Types here are plain data with no behavior beyond accessors and parsing;
the packages that operate on them (detection, incident, session) own the
domain logic.
*/
package models
