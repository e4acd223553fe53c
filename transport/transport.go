// Package transport defines the core interfaces and types for tenantflow
// transports. Each transport implementation (kafka, rabbitmq, aws, etc.) lives
// in its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrRoleUnsupported is returned by builders asked for a side they cannot serve.
var ErrRoleUnsupported = errors.New("transport role not supported")

// Role selects which side of a transport a caller needs. Connector sinks only
// publish, the tenant model listener only subscribes.
type Role int

const (
	RoleBoth Role = iota
	RolePublisher
	RoleSubscriber
)

func (r Role) Publishes() bool  { return r != RoleSubscriber }
func (r Role) Subscribes() bool { return r != RolePublisher }

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "both"
	}
}

// Transport combines a publisher and subscriber pair produced by a factory.
// Either side is nil when the requested Role excludes it.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes whichever sides were built.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Assemble builds the sides role asks for. A publisher built before a failing
// subscriber is closed again, so callers never receive half a transport.
func Assemble(role Role, newPublisher func() (message.Publisher, error), newSubscriber func() (message.Subscriber, error)) (Transport, error) {
	var t Transport
	if role.Publishes() {
		pub, err := newPublisher()
		if err != nil {
			return Transport{}, err
		}
		t.Publisher = pub
	}
	if role.Subscribes() {
		sub, err := newSubscriber()
		if err != nil {
			if t.Publisher != nil {
				_ = t.Publisher.Close()
			}
			return Transport{}, err
		}
		t.Subscriber = sub
	}
	return t, nil
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that is registered on init.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string
	GetTransportRole() Role

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
	GetKafkaClientID() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSClientName() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
