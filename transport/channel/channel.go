// Package channel provides an in-process Go channel transport. Every build
// shares one GoChannel, so sinks and tenant model listeners in the same
// process see each other's messages.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/tenantflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	sharedMu  sync.Mutex
	sharedPub message.Publisher
	sharedSub message.Subscriber
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns views of the shared in-process channel. Closing them is a
// no-op; use Reset to tear the shared channel down.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedPub == nil {
		sharedPub, sharedSub = Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	}

	var tr transport.Transport
	role := cfg.GetTransportRole()
	if role.Publishes() {
		tr.Publisher = publisherView{sharedPub}
	}
	if role.Subscribes() {
		tr.Subscriber = subscriberView{sharedSub}
	}
	return tr, nil
}

// Reset closes the shared channel. The next Build creates a fresh one.
func Reset() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedPub == nil {
		return nil
	}
	err := sharedPub.Close()
	if any(sharedSub) != any(sharedPub) {
		if serr := sharedSub.Close(); err == nil {
			err = serr
		}
	}
	sharedPub, sharedSub = nil, nil
	return err
}

type publisherView struct{ message.Publisher }

func (publisherView) Close() error { return nil }

type subscriberView struct{ message.Subscriber }

func (subscriberView) Close() error { return nil }

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
