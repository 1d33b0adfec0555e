package notification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamrelay/internal/events"
	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/jsoncodec"
	"github.com/drblury/streamrelay/internal/runtime/metadata"
	"github.com/drblury/streamrelay/internal/stream"
)

type userSignedUp struct {
	UserID string    `json:"userId"`
	Email  string    `json:"email"`
	At     time.Time `json:"at"`
}

func (e userSignedUp) RootID() string        { return e.UserID }
func (e userSignedUp) OccurredAt() time.Time { return e.At }

func registry(t *testing.T) *events.TypeRegistry {
	t.Helper()
	r := events.NewTypeRegistry()
	require.NoError(t, events.Register[userSignedUp](r, "user.signed_up"))
	return r
}

func signups(name string, versions ...int64) []stream.ChangeEvent {
	out := make([]stream.ChangeEvent, len(versions))
	for i, v := range versions {
		out[i] = stream.ChangeEvent{
			ID:                fmt.Sprintf("%s-%d", name, v),
			StreamName:        name,
			Version:           v,
			RootAggregateType: "User",
			EventType:         "user.signed_up",
			Data:              []byte(fmt.Sprintf(`{"userId":%q,"email":"u%d@example.com"}`, name, v)),
		}
	}
	return out
}

type calls struct {
	log []string
}

func (c *calls) consumer(name string, err error) Consumer {
	return ConsumerFunc(func(_ context.Context, e events.DomainEvent) error {
		c.log = append(c.log, name+":"+e.(userSignedUp).Email)
		return err
	})
}

type capturingPublisher struct {
	topics []string
	events []IntegrationEvent
	err    error
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, e IntegrationEvent) error {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, e)
	return p.err
}

func TestRelayNotifiesInRegistrationOrder(t *testing.T) {
	c := &calls{}
	relay, err := NewRelay(registry(t), []Registration{
		{Name: "billing", RootAggregateType: "User", Consumers: []Consumer{c.consumer("billing", nil)}},
		{Name: "mail", RootAggregateType: "User", Consumers: []Consumer{c.consumer("welcome", nil), c.consumer("audit", nil)}},
		{Name: "cars", RootAggregateType: "Car", Consumers: []Consumer{c.consumer("cars", nil)}},
	})
	require.NoError(t, err)

	require.NoError(t, relay.HandleStream(context.Background(), "user_1", signups("user_1", 1, 2)))

	assert.Equal(t, []string{
		"billing:u1@example.com", "welcome:u1@example.com", "audit:u1@example.com",
		"billing:u2@example.com", "welcome:u2@example.com", "audit:u2@example.com",
	}, c.log)
}

func TestRelayFailingConsumerAbortsStream(t *testing.T) {
	c := &calls{}
	boom := errors.New("smtp down")
	relay, err := NewRelay(registry(t), []Registration{
		{Name: "mail", RootAggregateType: "User", Consumers: []Consumer{c.consumer("welcome", boom), c.consumer("audit", nil)}},
	})
	require.NoError(t, err)

	err = relay.HandleStream(context.Background(), "user_1", signups("user_1", 1, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "registration mail on user_1 v1")
	assert.Equal(t, []string{"welcome:u1@example.com"}, c.log)
}

func TestRelayPublishesTranslatedEvents(t *testing.T) {
	pub := &capturingPublisher{}
	translator := TranslatorFunc(func(_ context.Context, e events.DomainEvent) (IntegrationEvent, bool, error) {
		signup := e.(userSignedUp)
		if signup.Email == "u2@example.com" {
			return IntegrationEvent{}, false, nil
		}
		return IntegrationEvent{Type: "UserRegistered", Data: map[string]string{"email": signup.Email}}, true, nil
	})

	relay, err := NewRelay(registry(t), []Registration{
		{Name: "public", RootAggregateType: "User", Translator: translator, Topic: "users.public"},
	}, WithPublisher(pub))
	require.NoError(t, err)

	require.NoError(t, relay.HandleStream(context.Background(), "user_1", signups("user_1", 1, 2)))

	require.Len(t, pub.events, 1)
	assert.Equal(t, []string{"users.public"}, pub.topics)
	assert.Equal(t, "UserRegistered", pub.events[0].Type)
	assert.Equal(t, "user_1", pub.events[0].RootID)
}

func TestRelayPublishFailurePropagates(t *testing.T) {
	pub := &capturingPublisher{err: errors.New("broker unreachable")}
	translator := TranslatorFunc(func(context.Context, events.DomainEvent) (IntegrationEvent, bool, error) {
		return IntegrationEvent{Type: "UserRegistered"}, true, nil
	})
	relay, err := NewRelay(registry(t), []Registration{
		{Name: "public", RootAggregateType: "User", Translator: translator, Topic: "users.public"},
	}, WithPublisher(pub))
	require.NoError(t, err)

	err = relay.HandleStream(context.Background(), "user_1", signups("user_1", 1))
	assert.ErrorContains(t, err, "broker unreachable")
}

func TestNewRelayValidation(t *testing.T) {
	_, err := NewRelay(nil, nil)
	assert.ErrorIs(t, err, rterrors.ErrMigratorRequired)

	translator := TranslatorFunc(func(context.Context, events.DomainEvent) (IntegrationEvent, bool, error) {
		return IntegrationEvent{}, false, nil
	})
	_, err = NewRelay(registry(t), []Registration{{Name: "public", Translator: translator, Topic: "t"}})
	assert.ErrorIs(t, err, rterrors.ErrPublisherRequired)

	_, err = NewRelay(registry(t), []Registration{{Name: "public", Translator: translator}}, WithPublisher(&capturingPublisher{}))
	assert.ErrorIs(t, err, rterrors.ErrTopicRequired)
}

func TestRelayHandlerConsumer(t *testing.T) {
	var seen []string
	handlers := events.NewHandlers()
	events.On(handlers, func(_ context.Context, e userSignedUp) error {
		seen = append(seen, e.UserID)
		return nil
	})

	relay, err := NewRelay(registry(t), []Registration{
		{Name: "typed", RootAggregateType: "User", Consumers: []Consumer{HandlerConsumer(handlers)}},
	})
	require.NoError(t, err)
	require.NoError(t, relay.HandleStream(context.Background(), "user_7", signups("user_7", 1)))
	assert.Equal(t, []string{"user_7"}, seen)
}

func TestMessageBusPublisher(t *testing.T) {
	bus := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = bus.Close() })

	pub, err := NewMessageBusPublisher(bus, "identity")
	require.NoError(t, err)

	occurred := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, pub.Publish(context.Background(), "users.public", IntegrationEvent{
		Type:       "UserRegistered",
		RootID:     "user_1",
		OccurredAt: occurred,
		Data:       map[string]string{"email": "a@example.com"},
		Metadata:   metadata.New("tenant", "t-1"),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := bus.Subscribe(ctx, "users.public")
	require.NoError(t, err)

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, "UserRegistered", msg.Metadata.Get(metadata.KeyEventType))
		assert.Equal(t, "t-1", msg.Metadata.Get("tenant"))
		assert.Equal(t, msg.UUID, msg.Metadata.Get(metadata.KeyMessageID))

		var got IntegrationEvent
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "identity", got.Source)
		assert.Equal(t, "user_1", got.RootID)
		assert.True(t, occurred.Equal(got.OccurredAt))
	case <-ctx.Done():
		t.Fatal("integration event was not published")
	}
}

func TestMessageBusPublisherValidation(t *testing.T) {
	_, err := NewMessageBusPublisher(nil, "x")
	assert.ErrorIs(t, err, rterrors.ErrPublisherRequired)

	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = bus.Close() })
	pub, err := NewMessageBusPublisher(bus, "x")
	require.NoError(t, err)
	assert.ErrorIs(t, pub.Publish(context.Background(), "", IntegrationEvent{}), rterrors.ErrTopicRequired)
}
