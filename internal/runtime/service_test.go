package runtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/tenantflow/internal/runtime/calls"
	configpkg "github.com/drblury/tenantflow/internal/runtime/config"
	"github.com/drblury/tenantflow/internal/runtime/connector"
	"github.com/drblury/tenantflow/internal/runtime/consumer"
	"github.com/drblury/tenantflow/internal/runtime/envelope"
	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/filter"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/naming"
	"github.com/drblury/tenantflow/internal/runtime/tenant"
	"github.com/drblury/tenantflow/transport"
	"github.com/drblury/tenantflow/transport/transporttest"
)

type serviceHarness struct {
	svc       *Service
	sink      *transporttest.Publisher
	directory *tenant.StaticDirectory
	logs      *logging.Recorder
	prom      *prometheus.Registry
}

func channelSpec(id, topic string, rules ...filter.Rule) connector.Spec {
	return connector.Spec{
		ID:               id,
		Sink:             connector.SinkSpec{Kind: connector.SinkChannel},
		DestinationTopic: topic,
		Filters:          rules,
	}
}

func newServiceHarness(t *testing.T, tenants ...tenant.Tenant) *serviceHarness {
	t.Helper()
	sink := &transporttest.Publisher{}
	transports := transport.NewRegistry()
	transports.RegisterWithCapabilities("channel", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: sink}, nil
	}, transport.ChannelCapabilities)

	conf := configpkg.Default()
	conf.PollInterval = 5 * time.Millisecond
	conf.DrainTimeout = time.Second

	h := &serviceHarness{
		sink:      sink,
		directory: tenant.NewStaticDirectory(tenants...),
		logs:      logging.NewRecorder(),
		prom:      prometheus.NewRegistry(),
	}
	svc, err := NewService(context.Background(), conf, h.logs, ServiceDependencies{
		Transports: transports,
		Directory:  h.directory,
		Registerer: h.prom,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	h.svc = svc
	return h
}

func (h *serviceHarness) addEvents(t *testing.T, token string, events ...*envelope.Envelope) {
	t.Helper()
	e, err := h.svc.Registry().Resolve(token)
	require.NoError(t, err)
	require.NoError(t, e.EventManagement().AddEvents(context.Background(), events...))
}

func (h *serviceHarness) waitPublished(t *testing.T, topic string, n int) []*message.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.sink.Published(topic)) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.sink.Published(topic)
}

func deviceEvent(id, device string) *envelope.Envelope {
	now := time.Now()
	return envelope.New(envelope.Fields{ID: id, DeviceID: device, AreaID: "area-1", EventDate: now, ReceivedDate: now})
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(context.Background(), nil, logging.Discard(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(context.Background(), configpkg.Default(), nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	conf := configpkg.Default()
	conf.InstanceID = ""
	_, err = NewService(context.Background(), conf, logging.Discard(), ServiceDependencies{Registerer: prometheus.NewRegistry()})
	var cfgErr errspkg.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestServiceDeliversTenantEventsThroughFilters(t *testing.T) {
	h := newServiceHarness(t, tenant.Tenant{
		Token: "acme",
		Connectors: []connector.Spec{
			channelSpec("all", "acme.all"),
			channelSpec("quiet", "acme.quiet", filter.Rule{Attribute: envelope.AttrDevice, Value: "noisy", Operation: filter.Exclude}),
		},
	})
	require.NoError(t, h.svc.Registry().Refresh(context.Background()))

	h.addEvents(t, "acme", deviceEvent("e1", "noisy"), deviceEvent("e2", "calm"))

	all := h.waitPublished(t, "acme.all", 2)
	quiet := h.waitPublished(t, "acme.quiet", 1)
	assert.Len(t, all, 2)
	require.Len(t, quiet, 1)

	got, err := envelope.JSONCodec{}.Decode(quiet[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "e2", got.ID())
	assert.Equal(t, "calm", got.DeviceID())

	stored, ok := h.svc.Registry().Get("acme")
	require.True(t, ok)
	ev, err := stored.EventManagement().GetEvent(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "noisy", ev.DeviceID())
}

func TestServiceIsolatesFailingTenant(t *testing.T) {
	h := newServiceHarness(t,
		tenant.Tenant{Token: "acme", Connectors: []connector.Spec{channelSpec("out", "acme.out")}},
		tenant.Tenant{Token: "broken", Connectors: []connector.Spec{{ID: "bad", Sink: connector.SinkSpec{Kind: connector.SinkKafka}}}},
	)
	err := h.svc.Registry().Refresh(context.Background())
	require.Error(t, err)

	_, err = h.svc.Registry().Resolve("broken")
	var unavailable *errspkg.TenantUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "failed", unavailable.State)

	h.addEvents(t, "acme", deviceEvent("e1", "d1"))
	h.waitPublished(t, "acme.out", 1)
}

func TestServiceRemoveStopsConnectorSources(t *testing.T) {
	var sources []*consumer.MemorySource
	h := newServiceHarness(t, tenant.Tenant{Token: "acme", Connectors: []connector.Spec{channelSpec("out", "acme.out")}})
	inner := h.svc.deps.Sources
	h.svc.deps.Sources = func(ctx context.Context, tn tenant.Tenant, spec connector.Spec) (consumer.Source, error) {
		src, err := inner(ctx, tn, spec)
		if m, ok := src.(*consumer.MemorySource); ok {
			sources = append(sources, m)
		}
		return src, err
	}
	require.NoError(t, h.svc.Registry().Refresh(context.Background()))
	require.Len(t, sources, 1)

	h.directory.Set()
	require.NoError(t, h.svc.Registry().Refresh(context.Background()))
	assert.True(t, sources[0].Closed())
	assert.True(t, h.sink.Closed())

	_, err := h.svc.Registry().Resolve("acme")
	assert.ErrorIs(t, err, errspkg.ErrTenantUnavailable)
}

func TestServiceRoutesCallsToTenantEventStores(t *testing.T) {
	h := newServiceHarness(t,
		tenant.Tenant{Token: "acme", Connectors: []connector.Spec{channelSpec("out", "acme.out")}},
		tenant.Tenant{Token: "globex", Connectors: []connector.Spec{channelSpec("out", "globex.out")}},
	)
	require.NoError(t, h.svc.Registry().Refresh(context.Background()))

	lis := bufconn.Listen(1 << 20)
	server := h.svc.NewGRPCServer()
	go func() { _ = server.Serve(lis) }()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	client := calls.NewEventClient(conn)
	ctx := context.Background()

	req, err := structpb.NewStruct(map[string]any{
		"events": []any{map[string]any{"id": "g-1", "deviceId": "d9"}},
	})
	require.NoError(t, err)
	_, err = client.AddEvents(calls.WithTenant(ctx, "globex"), req)
	require.NoError(t, err)

	published := h.waitPublished(t, "globex.out", 1)
	assert.Equal(t, "d9", published[0].Metadata.Get(connector.MetadataDeviceID))
	assert.Equal(t, "globex", published[0].Metadata.Get(connector.MetadataTenant))
	assert.Empty(t, h.sink.Published("acme.out"))

	_, err = client.AddEvents(calls.WithTenant(ctx, "initech"), req)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	_, err = client.AddEvents(ctx, req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServiceRunRefreshesAndStops(t *testing.T) {
	h := newServiceHarness(t, tenant.Tenant{Token: "acme", Connectors: []connector.Spec{channelSpec("out", "acme.out")}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		e, ok := h.svc.Registry().Get("acme")
		return ok && e.Available()
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.svc.Running())
	assert.ErrorIs(t, h.svc.Run(ctx), errspkg.ErrAlreadyStarted)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, h.svc.Running())
	assert.NoError(t, h.svc.Stop(context.Background()), "stop is idempotent")
}

func TestServiceStopTimeoutDefaults(t *testing.T) {
	h := newServiceHarness(t)
	h.svc.Conf.DrainTimeout = 0
	h.svc.Conf.InitTimeout = 0
	assert.Equal(t, consumer.DefaultDrainTimeout+tenant.DefaultInitTimeout, h.svc.stopTimeout())

	h.svc.Conf.DrainTimeout = 2 * time.Second
	h.svc.Conf.InitTimeout = 3 * time.Second
	assert.Equal(t, 5*time.Second, h.svc.stopTimeout())
}

func TestServiceAppliesTenantNotifications(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8, Persistent: true}, watermill.NopLogger{})
	transports := transport.NewRegistry()
	transports.Register("channel", func(_ context.Context, cfg transport.Config, _ watermill.LoggerAdapter) (transport.Transport, error) {
		if cfg.GetTransportRole() == transport.RoleSubscriber {
			return transport.Transport{Subscriber: pubSub}, nil
		}
		return transport.Transport{Publisher: &transporttest.Publisher{}}, nil
	})

	conf := configpkg.Default()
	conf.Notifications = true
	conf.PollInterval = 5 * time.Millisecond
	directory := tenant.NewStaticDirectory(tenant.Tenant{Token: "acme", Connectors: []connector.Spec{channelSpec("out", "acme.out")}})
	svc, err := NewService(context.Background(), conf, logging.Discard(), ServiceDependencies{
		Transports: transports,
		Directory:  directory,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		e, ok := svc.Registry().Get("acme")
		return ok && e.Available()
	}, 2*time.Second, 5*time.Millisecond)

	msg, err := tenant.NewNotificationMessage(tenant.Notification{Type: tenant.NotificationRemoved, Token: "acme"})
	require.NoError(t, err)
	require.NoError(t, pubSub.Publish(naming.TenantModelUpdates(conf.InstanceID), msg))

	require.Eventually(t, func() bool {
		_, ok := svc.Registry().Get("acme")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
