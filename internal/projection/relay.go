// Package projection replays ordered stream events into read-model
// projections, using checkpoints to make replays idempotent.
package projection

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

// Projection maintains a read model for one aggregate type. ProjectEvent
// reports false for events it does not handle. Implementations must be
// idempotent create-or-update.
type Projection interface {
	RootAggregateType() string
	ProjectEvent(ctx context.Context, event events.DomainEvent) (bool, error)
}

// HandlerProjection projects events through a typed dispatch table.
type HandlerProjection struct {
	aggregateType string
	handlers      *events.Handlers
}

// NewHandlerProjection projects events of aggregateType through handlers.
func NewHandlerProjection(aggregateType string, handlers *events.Handlers) *HandlerProjection {
	return &HandlerProjection{aggregateType: aggregateType, handlers: handlers}
}

func (p *HandlerProjection) RootAggregateType() string { return p.aggregateType }

// ProjectEvent dispatches event and reports whether a handler took it.
func (p *HandlerProjection) ProjectEvent(ctx context.Context, event events.DomainEvent) (bool, error) {
	return p.handlers.Dispatch(ctx, event)
}

// Relay is a stream.StreamHandler that applies events to every projection
// registered for the stream's aggregate type.
type Relay struct {
	name        string
	migrator    events.Migrator
	checkpoints CheckpointStore
	projections []Projection
	logger      logging.ServiceLogger
	metrics     *telemetry.RelayMetrics
	locks       streamLocks
}

var _ stream.StreamHandler = (*Relay)(nil)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithLogger sets the logger for projection failures.
func WithLogger(logger logging.ServiceLogger) RelayOption {
	return func(r *Relay) { r.logger = logging.OrNop(logger) }
}

// WithMetrics records checkpoint advances on metrics.
func WithMetrics(metrics *telemetry.RelayMetrics) RelayOption {
	return func(r *Relay) { r.metrics = metrics }
}

// NewRelay builds a projection relay. name is the checkpoint namespace, so
// two relays must not share one unless they apply the same projections.
func NewRelay(name string, migrator events.Migrator, checkpoints CheckpointStore, projections []Projection, opts ...RelayOption) (*Relay, error) {
	if migrator == nil {
		return nil, rterrors.ErrMigratorRequired
	}
	if checkpoints == nil {
		return nil, rterrors.ErrCheckpointsRequired
	}
	if name == "" {
		return nil, rterrors.ErrHandlerNameRequired
	}
	r := &Relay{
		name:        name,
		migrator:    migrator,
		checkpoints: checkpoints,
		projections: projections,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Relay) Name() string { return r.name }

// HandleStream applies events in order. Events at or below the checkpoint are
// skipped. The checkpoint advances after each fully applied event; the first
// failure stops the stream and is returned so the event is retried on the
// next delivery.
func (r *Relay) HandleStream(ctx context.Context, streamName string, ordered []stream.ChangeEvent) error {
	unlock := r.locks.lock(streamName)
	defer unlock()

	key := CheckpointKey{Projection: r.name, Stream: streamName}
	last, found, err := r.checkpoints.Load(ctx, key)
	if err != nil {
		return err
	}

	for _, change := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		if found && change.Version <= last {
			r.logger.Trace("Skipping applied event", logging.LogFields{
				"projection":  r.name,
				"stream_name": streamName,
				"version":     change.Version,
				"checkpoint":  last,
			})
			continue
		}

		if err := r.apply(ctx, change); err != nil {
			return err
		}

		if err := r.checkpoints.Save(ctx, key, change.Version); err != nil {
			return err
		}
		last, found = change.Version, true
		r.metrics.RecordCheckpoint(r.name)
	}
	return nil
}

func (r *Relay) apply(ctx context.Context, change stream.ChangeEvent) error {
	ctx, span := telemetry.Tracer().Start(ctx, "projection.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("projection.relay", r.name),
		attribute.String("event.type", change.EventType),
		attribute.Int64("event.version", change.Version),
	)

	event, err := r.migrator.Rehydrate(change.ID, change.EventType, change.Data)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("rehydrating %s v%d: %w", change.StreamName, change.Version, err)
	}

	for _, p := range r.projections {
		if p.RootAggregateType() != change.RootAggregateType {
			continue
		}
		handled, err := p.ProjectEvent(ctx, event)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("projecting %s v%d into %T: %w", change.StreamName, change.Version, p, err)
		}
		if handled {
			r.logger.Debug("Event projected", logging.LogFields{
				"projection":  fmt.Sprintf("%T", p),
				"stream_name": change.StreamName,
				"version":     change.Version,
			})
		}
	}
	return nil
}

// Reset rewinds the checkpoint of streamName so the next delivery replays the
// stream from its first event. It is an operator action; the relay never
// moves a checkpoint backwards on its own.
func (r *Relay) Reset(ctx context.Context, streamName string) error {
	unlock := r.locks.lock(streamName)
	defer unlock()

	if err := r.checkpoints.Reset(ctx, CheckpointKey{Projection: r.name, Stream: streamName}); err != nil {
		return err
	}
	r.logger.Info("Checkpoint reset", logging.LogFields{"projection": r.name, "stream_name": streamName})
	return nil
}
