// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/tenantflow/transport/aws"
	_ "github.com/drblury/tenantflow/transport/channel"
	_ "github.com/drblury/tenantflow/transport/http"
	_ "github.com/drblury/tenantflow/transport/kafka"
	_ "github.com/drblury/tenantflow/transport/nats"
	_ "github.com/drblury/tenantflow/transport/rabbitmq"
)
