// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/bastion/internal/config"
)

// StreamName is the JetStream stream holding security events. The
// stream covers the main topic and its children, which puts the poison
// queue topic in the same stream as the events it quarantines.
const StreamName = "BASTION_EVENTS"

const duplicateWindow = 2 * time.Minute

// StreamManager handles JetStream stream lifecycle for the event stream.
type StreamManager struct {
	js     jetstream.JetStream
	config config.IngestConfig
}

// NewStreamManager creates a stream manager over an established connection.
func NewStreamManager(nc *nats.Conn, cfg config.IngestConfig) (*StreamManager, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return &StreamManager{js: js, config: cfg}, nil
}

// StreamSubjects returns the subjects captured by the event stream.
func StreamSubjects(topic string) []string {
	return []string{topic, topic + ".>"}
}

// EnsureStream creates the stream or updates its configuration to match.
func (m *StreamManager) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    StreamSubjects(m.config.Topic),
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      time.Duration(m.config.RetentionDays) * 24 * time.Hour,
		MaxBytes:    m.config.MaxStore,
		Duplicates:  duplicateWindow,
		Storage:     jetstream.FileStorage,
		AllowDirect: true,
		Discard:     jetstream.DiscardOld,
	}

	_, err := m.js.Stream(ctx, StreamName)
	if err == nil {
		stream, err := m.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream: %w", err)
		}
		return stream, nil
	}

	stream, err := m.js.CreateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}

	return stream, nil
}

// StreamInfo returns current stream state.
func (m *StreamManager) StreamInfo(ctx context.Context) (*jetstream.StreamInfo, error) {
	stream, err := m.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return stream.Info(ctx)
}
