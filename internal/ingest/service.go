// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package ingest consumes security events from NATS JetStream and runs
// them through the processing pipeline. The bus decouples producers
// from detection latency: producers get an ack as soon as the broker
// has the event, and processing outcomes surface through incidents and
// metrics rather than the publish path.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/logging"
	"github.com/tomtom215/bastion/internal/metrics"
	"github.com/tomtom215/bastion/internal/pipeline"
)

const (
	handlerName      = "pipeline-consumer"
	retryMaxInterval = 30 * time.Second
	retryMultiplier  = 2.0
)

// Service owns the ingestion side of the pipeline: an optional embedded
// NATS server, the event stream, and a router that feeds consumed
// events into the processor. It implements suture.Service.
type Service struct {
	config     config.IngestConfig
	processor  *pipeline.Processor
	embedded   *EmbeddedServer
	publisher  *Publisher
	subscriber message.Subscriber
	router     *message.Router
}

// NewService wires the full ingestion path. When cfg.EmbeddedServer is
// set an in-process NATS server is started and cfg.URL is ignored.
func NewService(cfg config.IngestConfig, processor *pipeline.Processor) (*Service, error) {
	logger := NewWatermillLogger()

	s := &Service{config: cfg, processor: processor}

	if cfg.EmbeddedServer {
		es, err := NewEmbeddedServer(cfg)
		if err != nil {
			return nil, err
		}
		s.embedded = es
		s.config.URL = es.ClientURL()
	}

	if err := s.ensureStream(); err != nil {
		s.shutdownEmbedded()
		return nil, err
	}

	pub, err := NewPublisher(s.config, logger)
	if err != nil {
		s.shutdownEmbedded()
		return nil, err
	}
	s.publisher = pub

	sub, err := NewSubscriber(s.config, logger)
	if err != nil {
		_ = pub.Close()
		s.shutdownEmbedded()
		return nil, err
	}
	s.subscriber = sub

	router, err := s.buildRouter(logger)
	if err != nil {
		_ = sub.Close()
		_ = pub.Close()
		s.shutdownEmbedded()
		return nil, err
	}
	s.router = router

	return s, nil
}

// ensureStream connects briefly to provision the stream, then drops the
// connection. The publisher and subscriber hold their own connections.
func (s *Service) ensureStream() error {
	nc, err := natsgo.Connect(s.config.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(5),
		natsgo.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect for stream provisioning: %w", err)
	}
	defer nc.Close()

	mgr, err := NewStreamManager(nc, s.config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := mgr.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

func (s *Service) buildRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: s.config.RouterCloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	// Shutdown comes from the supervisor's context, not OS signals.
	router.AddMiddleware(middleware.Recoverer)

	retry := middleware.Retry{
		MaxRetries:      s.config.RouterRetryCount,
		InitialInterval: s.config.RouterRetryInitialInterval,
		MaxInterval:     retryMaxInterval,
		Multiplier:      retryMultiplier,
		Logger:          logger,
	}
	router.AddMiddleware(retry.Middleware)

	if s.config.RouterPoisonQueueEnabled && s.config.RouterPoisonQueueTopic != "" {
		poison, err := middleware.PoisonQueue(s.publisher.WatermillPublisher(), s.config.RouterPoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		router.AddMiddleware(func(h message.HandlerFunc) message.HandlerFunc {
			return countPoisoned(poison(h))
		})
	}

	router.AddConsumerHandler(
		handlerName,
		s.config.Topic,
		s.subscriber,
		s.handleMessage,
	)

	return router, nil
}

// countPoisoned wraps a poison-queue handler and counts messages it
// diverted. The middleware swallows the handler error and instead
// stamps the reason metadata on the message it republishes, so that
// metadata is the only signal a message was poisoned.
func countPoisoned(inner message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := inner(msg)
		if err == nil && msg.Metadata.Get(middleware.ReasonForPoisonedKey) != "" {
			metrics.RecordIngestPoisoned()
		}
		return out, err
	}
}

// handleMessage deserializes a consumed event and runs the pipeline.
// Returned errors trigger retry and eventually the poison queue, so
// only deterministic failures (bad payloads, invalid events) and
// handler-level problems are reported; per-stage degradation inside the
// pipeline is already absorbed there.
func (s *Service) handleMessage(msg *message.Message) error {
	metrics.RecordIngestConsumed()

	event, err := UnmarshalEvent(msg.Payload)
	if err != nil {
		metrics.RecordIngestParseFailure()
		return err
	}

	if _, err := s.processor.Process(msg.Context(), event); err != nil {
		logging.Ctx(msg.Context()).Warn().
			Err(err).
			Str("message_uuid", msg.UUID).
			Str("event_type", event.EventType).
			Msg("Consumed event rejected by pipeline")
		return err
	}

	return nil
}

// Publisher returns the event publisher for direct producers such as
// the HTTP ingestion endpoint.
func (s *Service) Publisher() *Publisher {
	return s.publisher
}

// Serve runs the router until the context is canceled. It satisfies
// suture.Service, so a crashed router is restarted by the supervisor.
func (s *Service) Serve(ctx context.Context) error {
	return s.router.Run(ctx)
}

func (s *Service) String() string {
	return "ingest"
}

// Close releases the transport and stops the embedded server if one is
// running. Call after the supervisor has stopped Serve.
func (s *Service) Close() error {
	var firstErr error
	if s.router != nil {
		if err := s.router.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.shutdownEmbedded()
	return firstErr
}

func (s *Service) shutdownEmbedded() {
	if s.embedded == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.embedded.Shutdown(ctx)
}
