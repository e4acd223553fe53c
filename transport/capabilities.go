package transport

// Capabilities describes what a sink backend guarantees. Connector builders
// consult it to warn about sinks that lose per-device ordering, and the admin
// API lists it per registered transport.
type Capabilities struct {
	Name string `json:"name"`

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool `json:"ordering"`

	// SupportsPartitioning indicates the transport keeps order per message key.
	SupportsPartitioning bool `json:"partitioning"`

	// SupportsNativeDLQ indicates the broker can dead-letter on its own.
	// When false, connectors publish failed batches to their dead letter topic.
	SupportsNativeDLQ bool `json:"nativeDLQ"`

	SupportsTracing  bool `json:"tracing"`
	SupportsBatching bool `json:"batching"`

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64 `json:"maxMessageSize,omitempty"`
}

// PreservesDeviceOrder reports whether events for one device keep their order
// after publishing.
func (c Capabilities) PreservesDeviceOrder() bool {
	return c.SupportsOrdering || c.SupportsPartitioning
}

// RequiresDLQEmulation returns true if failed batches must be routed by the
// connector because the transport has no dead letter queue of its own.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// Fits reports whether a payload of size bytes is within MaxMessageSize.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
		SupportsTracing:   true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		MaxMessageSize:    256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry. Unknown transports get a zero set carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
