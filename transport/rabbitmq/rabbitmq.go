// Package rabbitmq provides a RabbitMQ/AMQP transport for tenantflow. Both
// sides share one reconnecting connection.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// QueueName picks the subscriber queue naming. Without a group the queue is
// named after the topic; with one, each group gets its own durable queue and
// therefore its own copy of every tenant notification.
func QueueName(group string) amqp.QueueNameGenerator {
	if group == "" {
		return amqp.GenerateQueueNameTopicName
	}
	return amqp.GenerateQueueNameTopicNameWithSuffix(group)
}

// Build creates the sides of a RabbitMQ transport requested by cfg's role.
// Topics map onto fanout exchanges of the durable pub/sub layout.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri := cfg.GetRabbitMQURL()
	amqpCfg := amqp.NewDurablePubSubConfig(uri, QueueName(cfg.GetKafkaConsumerGroup()))

	conn, err := ConnectionFactory(amqp.ConnectionConfig{AmqpURI: uri, Reconnect: amqp.DefaultReconnectConfig()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Assemble(cfg.GetTransportRole(),
		func() (message.Publisher, error) { return PublisherFactory(amqpCfg, logger, conn) },
		func() (message.Subscriber, error) { return SubscriberFactory(amqpCfg, logger, conn) },
	)
}
