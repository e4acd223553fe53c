/*
Package runtime wires the tenant delivery substrate into a runnable service.

# Architecture Overview

Each tenant gets an engine built from its directory entry. An engine owns one
connector host per connector spec; a host drives a partitioned batch consumer
whose batches pass the connector filter chain and are published through the
destination router to the connector's sink transport. Synchronous calls are
routed by the gRPC interceptors in calls/ to the implementation held by the
caller's engine.

# Core Service (service.go)

The Service struct builds and owns:
  - The tenant registry and its directory (YAML file, Redis hash or static)
  - The inbound event log (in-memory fan-out or Kafka via the kafka transport)
  - One log source per connector (in-memory or sarama consumer group)
  - The call router and a gRPC server factory
  - The tenant notification listener
  - Prometheus collectors

# Admin API (admin.go)

A chi router serving /healthz, /readyz, /metrics, /v1/tenants,
/v1/tenants/{token}, /v1/tenants/refresh, /v1/transports and /v1/runtime.

# Sub-packages

  - calls/: Tenant call context and gRPC routing
  - config/: Service configuration, validation and viper loading
  - connector/: Connector specs, publisher connector and connector host
  - consumer/: Partitioned batch consumer and in-memory source
  - envelope/: Event envelope and wire codecs
  - errors/: Sentinel errors and error types
  - expr/: CEL expression compilation
  - filter/: Event filter chains
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling
  - kafkalog/: Sarama consumer-group source
  - logging/: Logger interface and adapters
  - metadata/: Event metadata utilities
  - metrics/: Prometheus collectors
  - naming/: Topic and consumer group naming
  - routing/: Destination router and multicast strategies
  - tenant/: Tenant engines, registry, directories and notifications
  - workerpool/: Bounded worker pool

# Usage Example

	conf, err := config.Load("tenantflow.yaml")
	if err != nil {
		return err
	}
	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	go func() { _ = svc.NewGRPCServer().Serve(lis) }()
	return svc.Run(ctx)
*/
package runtime
