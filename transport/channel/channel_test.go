package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamrelay/internal/runtime/config"
	"github.com/drblury/streamrelay/transport"
)

func TestRegisteredWithDefaultRegistry(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.ChannelCapabilities, transport.GetCapabilities(TransportName))
}

func TestBuildDeliversMessages(t *testing.T) {
	tr, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Publisher.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, err := tr.Subscriber.Subscribe(ctx, "relay.audit")
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("relay.audit", message.NewMessage("m-1", []byte(`{}`))))

	select {
	case msg := <-msgs:
		assert.Equal(t, "m-1", msg.UUID)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBuildUsesBufferedChannel(t *testing.T) {
	orig := Factory
	t.Cleanup(func() { Factory = orig })

	var got gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return orig(cfg, logger)
	}

	tr, err := Build(context.Background(), &config.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Publisher.Close() })
	assert.Equal(t, int64(OutputBuffer), got.OutputChannelBuffer)
}
