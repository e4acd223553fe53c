// Package kafka provides a Kafka transport for tenantflow sinks.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Build creates the sides of a Kafka transport requested by cfg's role.
// Outgoing messages are keyed by their device so that events for one device
// land on one partition and keep their order.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	return transport.Assemble(cfg.GetTransportRole(),
		func() (message.Publisher, error) {
			sc := withClientID(kafka.DefaultSaramaSyncPublisherConfig(), cfg.GetKafkaClientID())
			sc.Producer.Partitioner = sarama.NewHashPartitioner
			return PublisherFactory(kafka.PublisherConfig{
				Brokers:               brokers,
				Marshaler:             kafka.NewWithPartitioningMarshaler(PartitionKey),
				OverwriteSaramaConfig: sc,
			}, logger)
		},
		func() (message.Subscriber, error) {
			return SubscriberFactory(kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           kafka.DefaultMarshaler{},
				ConsumerGroup:         cfg.GetKafkaConsumerGroup(),
				OverwriteSaramaConfig: withClientID(kafka.DefaultSaramaSubscriberConfig(), cfg.GetKafkaClientID()),
			}, logger)
		},
	)
}

func withClientID(sc *sarama.Config, id string) *sarama.Config {
	if id != "" {
		sc.ClientID = id
	}
	return sc
}

// KeyMetadata is the message metadata key holding the partition key.
const KeyMetadata = "device_id"

// PartitionKey keys a message by the device it came from, falling back to its UUID.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(KeyMetadata); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}
