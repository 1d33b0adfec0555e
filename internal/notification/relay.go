// Package notification fans ordered stream events out to domain-event
// consumers and republishes translated integration events.
package notification

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/streamrelay/internal/events"
	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/logging"
	"github.com/drblury/streamrelay/internal/stream"
	"github.com/drblury/streamrelay/internal/telemetry"
)

// Consumer reacts to a domain event raised in another subdomain. Delivery is
// at least once.
type Consumer interface {
	Notify(ctx context.Context, event events.DomainEvent) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, event events.DomainEvent) error

// Notify calls f.
func (f ConsumerFunc) Notify(ctx context.Context, event events.DomainEvent) error {
	return f(ctx, event)
}

// HandlerConsumer notifies through a typed dispatch table and ignores events
// it has no handler for.
func HandlerConsumer(handlers *events.Handlers) Consumer {
	return ConsumerFunc(func(ctx context.Context, event events.DomainEvent) error {
		_, err := handlers.Dispatch(ctx, event)
		return err
	})
}

// Registration binds consumers, and optionally a translator, to one
// aggregate type.
type Registration struct {
	Name              string
	RootAggregateType string
	Consumers         []Consumer
	// Translator, when set, publishes integration events to Topic.
	Translator Translator
	Topic      string
}

// Relay is a stream.StreamHandler. Registrations are read-only once the
// relay is built.
type Relay struct {
	migrator      events.Migrator
	registrations []Registration
	publisher     Publisher
	logger        logging.ServiceLogger
}

var _ stream.StreamHandler = (*Relay)(nil)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithLogger sets the logger for delivery failures.
func WithLogger(logger logging.ServiceLogger) RelayOption {
	return func(r *Relay) { r.logger = logging.OrNop(logger) }
}

// WithPublisher sets the broker used by registrations with a translator.
func WithPublisher(publisher Publisher) RelayOption {
	return func(r *Relay) { r.publisher = publisher }
}

// NewRelay builds a relay over registrations. Registrations with a
// translator need a publisher and a topic.
func NewRelay(migrator events.Migrator, registrations []Registration, opts ...RelayOption) (*Relay, error) {
	if migrator == nil {
		return nil, rterrors.ErrMigratorRequired
	}
	r := &Relay{
		migrator:      migrator,
		registrations: append([]Registration(nil), registrations...),
		logger:        logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, reg := range r.registrations {
		if reg.Translator == nil {
			continue
		}
		if r.publisher == nil {
			return nil, fmt.Errorf("registration %s: %w", reg.Name, rterrors.ErrPublisherRequired)
		}
		if reg.Topic == "" {
			return nil, fmt.Errorf("registration %s: %w", reg.Name, rterrors.ErrTopicRequired)
		}
	}
	return r, nil
}

// HandleStream notifies every matching registration, in registration order,
// of each event in order. The first failure aborts the stream.
func (r *Relay) HandleStream(ctx context.Context, streamName string, ordered []stream.ChangeEvent) error {
	for _, change := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}

		event, err := r.migrator.Rehydrate(change.ID, change.EventType, change.Data)
		if err != nil {
			return fmt.Errorf("rehydrating %s v%d: %w", streamName, change.Version, err)
		}

		for _, reg := range r.registrations {
			if reg.RootAggregateType != change.RootAggregateType {
				continue
			}
			if err := r.apply(ctx, reg, change, event); err != nil {
				return fmt.Errorf("registration %s on %s v%d: %w", reg.Name, streamName, change.Version, err)
			}
		}
	}
	return nil
}

func (r *Relay) apply(ctx context.Context, reg Registration, change stream.ChangeEvent, event events.DomainEvent) error {
	ctx, span := telemetry.Tracer().Start(ctx, "notification.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.registration", reg.Name),
		attribute.String("event.type", change.EventType),
		attribute.Int64("event.version", change.Version),
	)

	for _, consumer := range reg.Consumers {
		if err := consumer.Notify(ctx, event); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if reg.Translator == nil {
		return nil
	}
	integration, ok, err := reg.Translator.Translate(ctx, event)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("translating: %w", err)
	}
	if !ok {
		return nil
	}
	if integration.RootID == "" {
		integration.RootID = event.RootID()
	}
	if integration.OccurredAt.IsZero() {
		integration.OccurredAt = event.OccurredAt()
	}
	if err := r.publisher.Publish(ctx, reg.Topic, integration); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publishing %s: %w", integration.Type, err)
	}
	r.logger.Debug("Integration event published", logging.LogFields{
		"registration": reg.Name,
		"topic":        reg.Topic,
		"event_type":   integration.Type,
	})
	return nil
}
