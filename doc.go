// Package tenantflow is the delivery substrate of a multi-tenant IoT event
// platform. Every tenant runs its own engine: a set of outbound connectors
// that consume the tenant's inbound event log in partitioned batches, drop
// events through a per-connector filter chain, and deliver the rest to a
// sink built on a Watermill transport.
//
// Service wires the pieces together. It keeps a Registry of tenant engines
// synchronized with a Directory (a YAML file, Redis, or a static list),
// reacts to tenant notifications published on the instance-wide
// tenant-model-updates topic, and exposes a gRPC proxy that routes every
// call to the engine named by the "tenant" call metadata key. Calls for a
// tenant that is missing or not Available fail with codes.Unavailable.
//
// # Transports
//
// Connector sinks and notification transports are resolved through a
// transport registry. Importing the transport/transports package registers
// every built-in transport:
//   - channel: in-memory Go channels for tests
//   - kafka: Kafka via Watermill and sarama
//   - rabbitmq: AMQP queues
//   - aws: SNS/SQS with LocalStack support
//   - nats: NATS core
//   - http: HTTP POST delivery
//
// # Topics
//
// Topic and consumer group names are derived by TenantTopic and
// ConsumerGroup. Each connector consumes with its own group, so connectors
// of one tenant never share offsets.
//
// A minimal embedding fills a Config, creates a Service with NewService and
// calls Run; cmd/tenantflowd does exactly that behind a cobra CLI.
package tenantflow
