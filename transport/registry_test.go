package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamrelay/internal/runtime/config"
)

func memoryBuilder(t *testing.T) Builder {
	t.Helper()
	return func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		t.Cleanup(func() { _ = pubsub.Close() })
		return Transport{Publisher: pubsub, Subscriber: pubsub}, nil
	}
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	r.Register("memory", memoryBuilder(t))

	tr, err := r.Build(context.Background(), &config.Config{PubSubSystem: "Memory"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.Equal(t, Capabilities{Name: "memory"}, r.GetCapabilities("memory"))
}

func TestRegistryBuildErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("memory", memoryBuilder(t))
	r.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, errors.New("dial refused")
	})

	_, err := r.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = r.Build(context.Background(), &config.Config{PubSubSystem: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, `unknown transport "carrier-pigeon" (registered: broken, memory)`)

	_, err = r.Build(context.Background(), &config.Config{PubSubSystem: "broken"}, nil)
	assert.ErrorContains(t, err, "building broken transport: dial refused")
}

func TestRegistryCapabilities(t *testing.T) {
	r := NewRegistry()
	r.RegisterWithCapabilities("rabbitmq", memoryBuilder(t), RabbitMQCapabilities)

	caps := r.GetCapabilities("rabbitmq")
	assert.True(t, caps.SupportsRedelivery())
	assert.True(t, caps.ExposesDeliveryCount())
	assert.Equal(t, "x-delivery-count", caps.DeliveryCountKey)

	unknown := r.GetCapabilities("unknown")
	assert.Equal(t, "unknown", unknown.Name)
	assert.False(t, unknown.SupportsRedelivery())
}

func TestBuiltinCapabilities(t *testing.T) {
	assert.True(t, ChannelCapabilities.SupportsRedelivery())
	assert.False(t, KafkaCapabilities.SupportsRedelivery())
	assert.False(t, NATSCapabilities.SupportsRedelivery())
	assert.True(t, AWSCapabilities.SupportsNativeDLQ)
	assert.False(t, HTTPCapabilities.ExposesDeliveryCount())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("t%d", i)
			r.Register(name, memoryBuilder(t))
			assert.True(t, r.Has(name))
			_ = r.Names()
		}()
	}
	wg.Wait()
	assert.Len(t, r.Names(), 20)
}

func TestDefaultRegistryHelpers(t *testing.T) {
	orig := DefaultRegistry
	t.Cleanup(func() { DefaultRegistry = orig })
	DefaultRegistry = NewRegistry()

	RegisterWithCapabilities("memory", memoryBuilder(t), Capabilities{Name: "memory", SupportsAck: true})
	assert.True(t, GetCapabilities("memory").SupportsAck)

	tr, err := Build(context.Background(), &config.Config{PubSubSystem: "memory"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
}
