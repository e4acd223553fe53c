// Package nats provides a NATS Core transport for tenantflow. JetStream is
// off: sinks fire and forget, and notification subscribers use no queue
// group so every instance sees every tenant change.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/tenantflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Options returns the connection options derived from cfg. Connections retry
// forever; a sink that lost its server keeps buffering in the client.
func Options(cfg transport.Config) []nc.Option {
	opts := []nc.Option{nc.RetryOnFailedConnect(true), nc.MaxReconnects(-1)}
	if name := cfg.GetNATSClientName(); name != "" {
		opts = append(opts, nc.Name(name))
	}
	return opts
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url, opts := cfg.GetNATSURL(), Options(cfg)
	codec := &nats.NATSMarshaler{}
	noJetStream := nats.JetStreamConfig{Disabled: true}

	return transport.Assemble(cfg.GetTransportRole(),
		func() (message.Publisher, error) {
			return PublisherFactory(nats.PublisherConfig{URL: url, NatsOptions: opts, Marshaler: codec, JetStream: noJetStream}, logger)
		},
		func() (message.Subscriber, error) {
			return SubscriberFactory(nats.SubscriberConfig{URL: url, NatsOptions: opts, Unmarshaler: codec, JetStream: noJetStream}, logger)
		},
	)
}
