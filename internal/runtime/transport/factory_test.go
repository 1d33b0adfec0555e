package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamrelay/internal/runtime/config"
	"github.com/drblury/streamrelay/transport"
)

func TestDefaultFactoryBuildsChannel(t *testing.T) {
	tr, err := DefaultFactory().Build(context.Background(), &config.Config{PubSubSystem: "channel"}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Publisher.Close() })

	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.Equal(t, "channel", tr.Capabilities.Name)
}

func TestDefaultFactoryRejectsNilConfig(t *testing.T) {
	_, err := DefaultFactory().Build(context.Background(), nil, watermill.NopLogger{})
	assert.ErrorContains(t, err, "config is required")
}

func TestDefaultFactoryRejectsUnknownTransport(t *testing.T) {
	_, err := DefaultFactory().Build(context.Background(), &config.Config{PubSubSystem: "carrier-pigeon"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestRegistryFactory(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })

	r := transport.NewRegistry()
	r.RegisterWithCapabilities("memory", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pubsub, Subscriber: pubsub}, nil
	}, transport.Capabilities{Name: "memory", SupportsAck: true})

	tr, err := RegistryFactory(r).Build(context.Background(), &config.Config{PubSubSystem: "memory"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, message.Publisher(pubsub), tr.Publisher)
	assert.True(t, tr.Capabilities.SupportsAck)
}

func TestFactoryFunc(t *testing.T) {
	var called bool
	f := FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (Transport, error) {
		called = true
		return Transport{}, nil
	})
	_, err := f.Build(context.Background(), &config.Config{}, nil)
	require.NoError(t, err)
	assert.True(t, called)
}
