package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamrelay/internal/events"
	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/ids"
	"github.com/drblury/streamrelay/internal/runtime/jsoncodec"
	"github.com/drblury/streamrelay/internal/runtime/metadata"
)

// IntegrationEvent is the cross-subdomain representation of a domain event.
type IntegrationEvent struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Source     string            `json:"source,omitempty"`
	RootID     string            `json:"rootId"`
	OccurredAt time.Time         `json:"occurredAt"`
	Data       any               `json:"data,omitempty"`
	Metadata   metadata.Metadata `json:"-"`
}

// Translator maps a domain event to its integration event. ok is false for
// events that are not published externally.
type Translator interface {
	Translate(ctx context.Context, event events.DomainEvent) (out IntegrationEvent, ok bool, err error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, event events.DomainEvent) (IntegrationEvent, bool, error)

// Translate calls f.
func (f TranslatorFunc) Translate(ctx context.Context, event events.DomainEvent) (IntegrationEvent, bool, error) {
	return f(ctx, event)
}

// Publisher sends integration events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, event IntegrationEvent) error
}

// MessageBusPublisher publishes integration events as JSON through any
// watermill publisher, so every registered transport can carry them.
type MessageBusPublisher struct {
	publisher message.Publisher
	source    string
}

// NewMessageBusPublisher stamps source on events that do not name one.
func NewMessageBusPublisher(publisher message.Publisher, source string) (*MessageBusPublisher, error) {
	if publisher == nil {
		return nil, rterrors.ErrPublisherRequired
	}
	return &MessageBusPublisher{publisher: publisher, source: source}, nil
}

// Publish sends event to topic as JSON with its identity in the metadata.
func (p *MessageBusPublisher) Publish(ctx context.Context, topic string, event IntegrationEvent) error {
	if topic == "" {
		return rterrors.ErrTopicRequired
	}
	if event.ID == "" {
		event.ID = ids.CreateULID()
	}
	if event.Source == "" {
		event.Source = p.source
	}

	payload, err := jsoncodec.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal integration event %s: %w", event.Type, err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata = metadata.ToWatermill(event.Metadata.Merge(metadata.New(
		metadata.KeyMessageID, event.ID,
		metadata.KeyEventType, event.Type,
	)))
	msg.SetContext(ctx)

	return p.publisher.Publish(topic, msg)
}
