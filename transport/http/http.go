// Package http provides an HTTP transport for tenantflow. Webhook sinks POST
// each message to the publisher URL with the topic appended; the subscriber
// side runs an HTTP server that accepts the same requests.
package http

import (
	"context"
	"errors"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// ContentTypeMetadata is the message metadata key copied into the request's
// Content-Type header.
const ContentTypeMetadata = "content_type"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// WebhookMarshaler posts to baseURL+topic and forwards the event content type.
func WebhookMarshaler(baseURL string) http.MarshalMessageFunc {
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		req, err := http.DefaultMarshalMessageFunc(baseURL+topic, msg)
		if err != nil {
			return nil, err
		}
		if ct := msg.Metadata.Get(ContentTypeMetadata); ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		return req, nil
	}
}

// Build creates the sides of an HTTP transport requested by cfg's role. A
// subscriber starts its HTTP server in the background.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return transport.Assemble(cfg.GetTransportRole(),
		func() (message.Publisher, error) {
			return PublisherFactory(http.PublisherConfig{MarshalMessageFunc: WebhookMarshaler(cfg.GetHTTPPublisherURL())}, logger)
		},
		func() (message.Subscriber, error) {
			sub, err := SubscriberFactory(cfg.GetHTTPServerAddress(), http.SubscriberConfig{UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc}, logger)
			if err != nil {
				return nil, err
			}
			if s, ok := sub.(*http.Subscriber); ok {
				go func() {
					if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
						logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"addr": cfg.GetHTTPServerAddress()})
					}
				}()
			}
			return sub, nil
		},
	)
}
