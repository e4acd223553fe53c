package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tenantflow/transport"
	"github.com/drblury/tenantflow/transport/transporttest"
)

func stubBuilder(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	tr := transport.Transport{}
	if cfg.GetTransportRole().Publishes() {
		tr.Publisher = &transporttest.Publisher{}
	}
	if cfg.GetTransportRole().Subscribes() {
		tr.Subscriber = &transporttest.Subscriber{}
	}
	return tr, nil
}

func TestNewRegistry(t *testing.T) {
	reg := transport.NewRegistry()
	assert.Empty(t, reg.Names())
	assert.Empty(t, reg.Catalog())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities("test-transport", stubBuilder, transport.Capabilities{
		Name:              "test-transport",
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
	})

	assert.True(t, reg.Has("test-transport"))
	caps := reg.GetCapabilities("test-transport")
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsNativeDLQ)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := transport.NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, transport.Capabilities{Name: "unknown"}, caps)
}

func TestRegistry_RegisterFillsCapabilityName(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("plain", stubBuilder)
	reg.RegisterWithCapabilities("ordered", stubBuilder, transport.Capabilities{SupportsOrdering: true})

	assert.Equal(t, []transport.Capabilities{
		{Name: "ordered", SupportsOrdering: true},
		{Name: "plain"},
	}, reg.Catalog())
}

func TestRegistry_BuildHonorsRole(t *testing.T) {
	reg := transport.NewRegistry()
	reg.Register("stub", stubBuilder)

	tests := []struct {
		role    transport.Role
		wantPub bool
		wantSub bool
	}{
		{transport.RoleBoth, true, true},
		{transport.RolePublisher, true, false},
		{transport.RoleSubscriber, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			tr, err := reg.Build(context.Background(), &transporttest.Config{System: "stub", Role: tt.role}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPub, tr.Publisher != nil)
			assert.Equal(t, tt.wantSub, tr.Subscriber != nil)
			assert.NoError(t, tr.Close())
		})
	}
}

func TestRegistry_BuildErrors(t *testing.T) {
	reg := transport.NewRegistry()
	boom := errors.New("builder error")
	reg.Register("failing", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{}, boom
	})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &transporttest.Config{System: "missing"}, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownTransport)
	assert.ErrorContains(t, err, "failing")

	_, err = reg.Build(context.Background(), &transporttest.Config{System: "failing", Role: transport.RolePublisher}, nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "build failing publisher transport")
}

func TestRegistry_NamesAndCatalogSorted(t *testing.T) {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities("nats", stubBuilder, transport.NATSCapabilities)
	reg.RegisterWithCapabilities("aws", stubBuilder, transport.AWSCapabilities)
	reg.RegisterWithCapabilities("kafka", stubBuilder, transport.KafkaCapabilities)

	assert.Equal(t, []string{"aws", "kafka", "nats"}, reg.Names())
	assert.Equal(t, []transport.Capabilities{
		transport.AWSCapabilities, transport.KafkaCapabilities, transport.NATSCapabilities,
	}, reg.Catalog())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := transport.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", stubBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()

	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegister(t *testing.T) {
	transport.RegisterWithCapabilities("test-pkg-transport", stubBuilder, transport.Capabilities{Name: "test-pkg-transport", SupportsTracing: true})

	assert.True(t, transport.DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, transport.GetCapabilities("test-pkg-transport").SupportsTracing)

	_, err := transport.Build(context.Background(), &transporttest.Config{System: "nonexistent"}, nil)
	assert.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	assert.True(t, transport.KafkaCapabilities.PreservesDeviceOrder())
	assert.False(t, transport.NATSCapabilities.PreservesDeviceOrder())
	assert.False(t, transport.HTTPCapabilities.PreservesDeviceOrder())

	assert.False(t, transport.RabbitMQCapabilities.RequiresDLQEmulation())
	assert.True(t, transport.KafkaCapabilities.RequiresDLQEmulation())

	assert.True(t, transport.AWSCapabilities.Fits(256<<10))
	assert.False(t, transport.AWSCapabilities.Fits(256<<10+1))
	assert.True(t, transport.HTTPCapabilities.Fits(1<<30))
}

func TestRole(t *testing.T) {
	assert.True(t, transport.RoleBoth.Publishes())
	assert.True(t, transport.RoleBoth.Subscribes())
	assert.False(t, transport.RolePublisher.Subscribes())
	assert.False(t, transport.RoleSubscriber.Publishes())
	assert.Equal(t, "publisher", transport.RolePublisher.String())
}

func TestTransportCloseSharedPubSub(t *testing.T) {
	pub := &transporttest.Publisher{}
	tr := transport.Transport{Publisher: pub}
	require.NoError(t, tr.Close())
	assert.True(t, pub.Closed())
}

func TestAssembleClosesPublisherWhenSubscriberFails(t *testing.T) {
	pub := &transporttest.Publisher{}
	boom := errors.New("subscribe failed")
	_, err := transport.Assemble(transport.RoleBoth,
		func() (message.Publisher, error) { return pub, nil },
		func() (message.Subscriber, error) { return nil, boom },
	)
	assert.ErrorIs(t, err, boom)
	assert.True(t, pub.Closed())
}

func TestAssembleSkipsUnrequestedSide(t *testing.T) {
	tr, err := transport.Assemble(transport.RoleSubscriber,
		func() (message.Publisher, error) {
			t.Fatal("publisher must not be built")
			return nil, nil
		},
		func() (message.Subscriber, error) { return &transporttest.Subscriber{}, nil },
	)
	require.NoError(t, err)
	assert.Nil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}
