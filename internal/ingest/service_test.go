// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package ingest

import (
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/bastion/internal/metrics"
)

// capturePublisher records everything published to it, standing in for
// the poison-topic publisher.
type capturePublisher struct {
	mu       sync.Mutex
	messages []*message.Message
	topics   []string
}

func (p *capturePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func poisonedHandler(t *testing.T, pub message.Publisher, h message.HandlerFunc) message.HandlerFunc {
	t.Helper()
	poison, err := middleware.PoisonQueue(pub, "security.events.poison")
	if err != nil {
		t.Fatalf("PoisonQueue: %v", err)
	}
	return countPoisoned(poison(h))
}

func TestCountPoisonedCountsDivertedMessages(t *testing.T) {
	pub := &capturePublisher{}
	handler := poisonedHandler(t, pub, func(msg *message.Message) ([]*message.Message, error) {
		return nil, errors.New("unparseable payload")
	})

	before := testutil.ToFloat64(metrics.IngestMessagesPoisoned)

	msg := message.NewMessage(watermill.NewUUID(), []byte("{not json"))
	out, err := handler(msg)
	if err != nil {
		t.Fatalf("handler error = %v, poison queue must swallow it", err)
	}
	if len(out) != 0 {
		t.Fatalf("out = %d messages, want none", len(out))
	}

	if got := testutil.ToFloat64(metrics.IngestMessagesPoisoned) - before; got != 1 {
		t.Fatalf("poisoned delta = %v, want 1", got)
	}
	if len(pub.messages) != 1 || len(pub.topics) != 1 || pub.topics[0] != "security.events.poison" {
		t.Fatalf("published = %d to %v", len(pub.messages), pub.topics)
	}
	if pub.messages[0].Metadata.Get(middleware.ReasonForPoisonedKey) == "" {
		t.Fatal("poisoned message missing reason metadata")
	}
}

func TestCountPoisonedIgnoresHealthyMessages(t *testing.T) {
	pub := &capturePublisher{}
	handler := poisonedHandler(t, pub, func(msg *message.Message) ([]*message.Message, error) {
		return nil, nil
	})

	before := testutil.ToFloat64(metrics.IngestMessagesPoisoned)

	if _, err := handler(message.NewMessage(watermill.NewUUID(), []byte("{}"))); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if got := testutil.ToFloat64(metrics.IngestMessagesPoisoned) - before; got != 0 {
		t.Fatalf("poisoned delta = %v, want 0", got)
	}
	if len(pub.messages) != 0 {
		t.Fatalf("published = %d messages, want none", len(pub.messages))
	}
}
