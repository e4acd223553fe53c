package connector

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/routing"
	"github.com/drblury/tenantflow/transport"
	"github.com/drblury/tenantflow/transport/transporttest"
)

const specYAML = `
connectors:
  - id: alerts
    sink:
      kind: kafka
      brokers: ["kafka-1:9092"]
      clientId: tenantflow-acme
    numProcessingThreads: 4
    destinationTopic: acme.alerts
    filters:
      - attribute: eventType
        value: alert
        operation: include
      - expression: 'event.payload.level < 3'
        operation: exclude
  - id: fanout
    sink:
      kind: channel
    multicast: [a, b]
    deadLetterTopic: fanout.dlq
  - id: per-area
    sink:
      kind: nats
      url: nats://nats:4222
      clientName: node-a
    routeExpression: '"area." + event.areaId'
    maxEventsPerSecond: 50
`

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs([]byte(specYAML))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	alerts := specs[0]
	assert.Equal(t, SinkKafka, alerts.Sink.Kind)
	assert.Equal(t, "tenantflow-acme", alerts.Sink.GetKafkaClientID())
	assert.Equal(t, transport.RolePublisher, alerts.Sink.GetTransportRole())
	assert.Len(t, alerts.Filters, 2)
	cfg, err := alerts.Routing()
	require.NoError(t, err)
	assert.Equal(t, routing.ModeStatic, cfg.Mode())

	cfg, err = specs[1].Routing()
	require.NoError(t, err)
	assert.Equal(t, routing.ModeMulticast, cfg.Mode())

	perArea := specs[2]
	assert.Equal(t, "nats://nats:4222", perArea.Sink.GetNATSURL())
	assert.Empty(t, perArea.Sink.GetRabbitMQURL())
	cfg, err = perArea.Routing()
	require.NoError(t, err)
	assert.Equal(t, routing.ModeRouteBuilder, cfg.Mode())
}

func TestParseSpecsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"duplicate id": `
connectors:
  - {id: a, sink: {kind: channel}, destinationTopic: x}
  - {id: a, sink: {kind: channel}, destinationTopic: y}`,
		"no routing": `
connectors:
  - {id: a, sink: {kind: channel}}`,
		"two strategies": `
connectors:
  - {id: a, sink: {kind: channel}, destinationTopic: x, multicast: [y]}`,
		"kafka without brokers": `
connectors:
  - {id: a, sink: {kind: kafka}, destinationTopic: x}`,
		"unknown sink": `
connectors:
  - {id: a, sink: {kind: carrier-pigeon}, destinationTopic: x}`,
		"bad filter": `
connectors:
  - id: a
    sink: {kind: channel}
    destinationTopic: x
    filters: [{attribute: planet, value: mars}]`,
		"bad expression": `
connectors:
  - {id: a, sink: {kind: channel}, routeExpression: 'event.'}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSpecs([]byte(doc))
			var cfgErr errspkg.ConfigValidationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestBuildFromSpec(t *testing.T) {
	reg := transport.NewRegistry()
	pub := &transporttest.Publisher{}
	var built transport.Config
	stub := func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		built = cfg
		return transport.Transport{Publisher: pub}, nil
	}
	reg.RegisterWithCapabilities("channel", stub, transport.ChannelCapabilities)
	reg.RegisterWithCapabilities("nats", stub, transport.NATSCapabilities)

	specs, err := ParseSpecs([]byte(specYAML))
	require.NoError(t, err)

	rec := logging.NewRecorder()
	deps := BuildDeps{TenantToken: "acme", Registry: reg, Logger: rec}

	fanout, err := Build(context.Background(), specs[1], deps)
	require.NoError(t, err)
	assert.Equal(t, "fanout", fanout.ConnectorID())
	assert.Equal(t, transport.RolePublisher, built.GetTransportRole())
	assert.Empty(t, rec.Filter("warn"))

	perArea, err := Build(context.Background(), specs[2], deps)
	require.NoError(t, err)
	assert.Equal(t, "node-a", built.GetNATSClientName())
	require.NoError(t, perArea.Start(context.Background()))

	warns := rec.Filter("warn")
	require.Len(t, warns, 1)
	assert.Equal(t, "nats", warns[0].Fields["sink"])

	// kafka is not registered in this registry
	_, err = Build(context.Background(), specs[0], deps)
	assert.ErrorContains(t, err, "unknown transport")
}
