// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package ingest

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/models"
)

// MarshalEvent encodes a security event for the wire.
func MarshalEvent(event *models.SecurityEvent) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("nil event")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	return data, nil
}

// UnmarshalEvent decodes a security event from the wire.
func UnmarshalEvent(data []byte) (*models.SecurityEvent, error) {
	var event models.SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &event, nil
}
