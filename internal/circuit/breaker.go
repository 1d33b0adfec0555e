// Package circuit holds the per-platform MessageDeliveryHandler adapters and
// the breakers that stop a failing worker.
package circuit

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streamrelay/internal/runtime/logging"
)

// ErrNotImplemented is returned by UnimplementedBreaker so the missing disable
// shows up in worker logs instead of passing as a success.
var ErrNotImplemented = errors.New("circuit: disabling the worker is not implemented on this platform")

// Breaker stops further invocations of a worker.
type Breaker interface {
	Break(ctx context.Context, workerName string) error
}

// BreakerFunc adapts a function to Breaker.
type BreakerFunc func(ctx context.Context, workerName string) error

// Break calls f.
func (f BreakerFunc) Break(ctx context.Context, workerName string) error { return f(ctx, workerName) }

// UnimplementedBreaker is the breaker of platforms without a disable call.
type UnimplementedBreaker struct {
	Logger logging.ServiceLogger
}

// Break traces the request and returns ErrNotImplemented.
func (b UnimplementedBreaker) Break(ctx context.Context, workerName string) error {
	trace.SpanFromContext(ctx).AddEvent("circuit.not_implemented",
		trace.WithAttributes(attribute.String("worker", workerName)))
	logging.OrNop(b.Logger).Trace("Circuit break not implemented", logging.LogFields{"worker": workerName})
	return ErrNotImplemented
}
