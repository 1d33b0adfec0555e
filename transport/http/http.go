// Package http carries relay traffic over plain HTTP. Producers POST to
// HTTPPublisherURL followed by the topic; workers receive on an embedded server
// bound to HTTPServerAddress.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation in tests.
var PublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation in tests.
var SubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the HTTP publisher and the subscriber listening on the
// server address.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	base := cfg.GetHTTPPublisherURL()
	addr := cfg.GetHTTPServerAddress()
	if base == "" && addr == "" {
		return transport.Transport{}, errors.New("http: publisher URL or server address is required")
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(base, topic), msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// TopicURL joins the publisher base URL and topic with exactly one slash.
func TopicURL(base, topic string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(topic, "/")
}

// StartServer runs the embedded subscriber server once the router has
// subscribed its handlers. It is a no-op for other subscriber types.
func StartServer(sub message.Subscriber, logger watermill.LoggerAdapter) {
	s, ok := sub.(*http.Subscriber)
	if !ok {
		return
	}
	go func() {
		if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Error("HTTP subscriber server stopped", err, nil)
		}
	}()
}
