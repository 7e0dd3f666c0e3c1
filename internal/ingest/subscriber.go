// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package ingest

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/bastion/internal/config"
)

const (
	subscriberMaxReconnects = 60
	subscriberReconnectWait = time.Second
	subscriberAckWait       = 30 * time.Second
	subscriberCloseTimeout  = 30 * time.Second
	subscriberMaxDeliver    = 5
	subscriberMaxAckPending = 256
)

// NewSubscriber creates a durable JetStream subscriber bound to the
// event stream. Consumers in the same queue group share the workload,
// so multiple pipeline instances can drain one stream.
func NewSubscriber(cfg config.IngestConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if logger == nil {
		logger = NewWatermillLogger()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(subscriberMaxReconnects),
		natsgo.ReconnectWait(subscriberReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Subscriber disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("Subscriber reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	// Bind to the pre-created stream: the subscribed topic is narrower
	// than the stream's subject space, so AutoProvision would try to
	// create a second stream and fail.
	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(subscriberMaxDeliver),
		natsgo.MaxAckPending(subscriberMaxAckPending),
		natsgo.AckWait(subscriberAckWait),
		natsgo.DeliverNew(),
		natsgo.BindStream(StreamName),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.Subscribers,
		AckWaitTimeout:   subscriberAckWait,
		CloseTimeout:     subscriberCloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    false,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return sub, nil
}
