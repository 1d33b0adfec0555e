// Package transport builds the publisher/subscriber pair the relay host runs on.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamrelay/internal/runtime/config"
	"github.com/drblury/streamrelay/transport"

	_ "github.com/drblury/streamrelay/transport/transports"
)

// Transport is the publisher/subscriber pair a Service runs on.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Capabilities of the selected backend.
	Capabilities transport.Capabilities
}

// Factory builds the transport selected by conf.PubSubSystem.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds transports from the default registry, where every
// built-in backend is registered.
func DefaultFactory() Factory {
	return registryFactory{registry: transport.DefaultRegistry}
}

// RegistryFactory builds transports from r.
func RegistryFactory(r *transport.Registry) Factory {
	return registryFactory{registry: r}
}

type registryFactory struct {
	registry *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errors.New("config is required")
	}
	t, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}
	return Transport{
		Publisher:    t.Publisher,
		Subscriber:   t.Subscriber,
		Capabilities: f.registry.GetCapabilities(conf.GetPubSubSystem()),
	}, nil
}
