// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/models"
)

const (
	publisherMaxReconnects = 60
	publisherReconnectWait = time.Second
)

// Publisher sends security events onto the JetStream event stream.
// Publishes are wrapped in a circuit breaker so a broker outage fails
// fast instead of stalling the HTTP ingestion path.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[interface{}]
	topic     string
	mu        sync.RWMutex
	closed    bool
}

// NewPublisher creates a JetStream publisher for the configured topic.
// The stream must already exist; message IDs are tracked for broker-side
// deduplication inside the duplicate window.
func NewPublisher(cfg config.IngestConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = NewWatermillLogger()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(publisherMaxReconnects),
		natsgo.ReconnectWait(publisherReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Publisher disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("Publisher reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:    "ingest-publisher",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpdateCircuitBreakerState(name, from.String(), to.String())
		},
	})

	return &Publisher{
		publisher: pub,
		breaker:   breaker,
		topic:     cfg.Topic,
	}, nil
}

// Publish sends a message to the given topic through the circuit breaker.
// The message UUID doubles as the Nats-Msg-Id for deduplication.
func (p *Publisher) Publish(ctx context.Context, topic string, msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(topic, msg)
	})
	if err == nil {
		metrics.RecordIngestPublished()
	}
	return err
}

// PublishEvent serializes a security event and publishes it on the
// event topic, keyed by its event ID.
func (p *Publisher) PublishEvent(ctx context.Context, event *models.SecurityEvent) error {
	data, err := MarshalEvent(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(event.EventID, data)
	msg.Metadata.Set("event_type", event.EventType)
	if event.ActorID != "" {
		msg.Metadata.Set("actor_id", event.ActorID)
	}

	return p.Publish(ctx, p.topic, msg)
}

// WatermillPublisher exposes the underlying publisher for router
// middleware that needs the native interface, such as the poison queue.
func (p *Publisher) WatermillPublisher() message.Publisher {
	return p.publisher
}

// Close shuts down the publisher. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	return p.publisher.Close()
}
