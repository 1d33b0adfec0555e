package delivery

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/logging"
	"github.com/drblury/streamrelay/internal/telemetry"
)

// Worker relays queued messages with payload P. The same algorithm runs on
// every platform; the MessageDeliveryHandler supplies the platform parts.
type Worker[P Payload] struct {
	relayer Relayer
	handler MessageDeliveryHandler
	logger  logging.ServiceLogger
	metrics *telemetry.RelayMetrics
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	logger  logging.ServiceLogger
	metrics *telemetry.RelayMetrics
}

// WithLogger sets the logger for relay outcomes.
func WithLogger(logger logging.ServiceLogger) WorkerOption {
	return func(o *workerOptions) { o.logger = logger }
}

// WithMetrics records delivery outcomes on metrics.
func WithMetrics(metrics *telemetry.RelayMetrics) WorkerOption {
	return func(o *workerOptions) { o.metrics = metrics }
}

// NewWorker builds a worker for payload type P.
func NewWorker[P Payload](relayer Relayer, handler MessageDeliveryHandler, opts ...WorkerOption) (*Worker[P], error) {
	if relayer == nil {
		return nil, rterrors.ErrRelayerRequired
	}
	if handler == nil {
		return nil, rterrors.ErrDeliveryHandlerRequired
	}
	var o workerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Worker[P]{
		relayer: relayer,
		handler: handler,
		logger:  logging.OrNop(o.logger),
		metrics: o.metrics,
	}, nil
}

// FunctionName is the name of the platform function the worker runs as.
func (w *Worker[P]) FunctionName() string { return w.handler.FunctionName() }

// Handle processes one delivery:
//
//   - content that does not parse is rejected with a ValidationError and
//     left to the platform's dead-letter policy;
//   - a successful relay completes the message;
//   - a failed relay runs the circuit check, abandons the message and
//     returns the relay error unchanged so platform retries keep working;
//   - a cancelled context returns without completing or abandoning.
func (w *Worker[P]) Handle(ctx context.Context, raw *message.Message) error {
	started := time.Now()
	functionName := w.handler.FunctionName()

	ctx, span := telemetry.Tracer().Start(ctx, "delivery.HandleDelivery")
	defer span.End()
	span.SetAttributes(
		attribute.String("delivery.function", functionName),
		attribute.String("message.uuid", raw.UUID),
	)

	msg, err := Parse[P](raw.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation")
		w.logger.Error("Queued message failed validation", err, logging.LogFields{
			"function_name": functionName,
			"message_uuid":  raw.UUID,
		})
		w.metrics.RecordDelivery(functionName, telemetry.OutcomeInvalid, 0, time.Since(started))
		return err
	}
	span.SetAttributes(
		attribute.String("message.call_id", msg.CallID),
		attribute.String("message.kind", string(msg.Payload.Kind())),
	)

	relayErr := w.relayer.Relay(ctx, msg)
	if relayErr == nil {
		if err := w.handler.CompleteMessage(ctx, raw); err != nil {
			span.RecordError(err)
			w.logger.Error("Completing message failed", err, logging.LogFields{
				"function_name": functionName,
				"call_id":       msg.CallID,
			})
			return err
		}
		w.metrics.RecordDelivery(functionName, telemetry.OutcomeCompleted, 0, time.Since(started))
		return nil
	}

	span.RecordError(relayErr)
	span.SetStatus(codes.Error, relayErr.Error())

	if ctx.Err() != nil {
		w.logger.Info("Relay cancelled; leaving message for redelivery", logging.LogFields{
			"function_name": functionName,
			"call_id":       msg.CallID,
		})
		w.metrics.RecordDelivery(functionName, telemetry.OutcomeCanceled, 0, time.Since(started))
		return relayErr
	}

	deliveryCount := w.handler.DeliveryCount(raw)
	retryCount := w.handler.RetryCount()
	failure := &rterrors.TransientDeliveryError{FunctionName: functionName, DeliveryCount: deliveryCount, Cause: relayErr}
	w.logger.Error("Message relay failed", failure, logging.LogFields{
		"function_name":  functionName,
		"call_id":        msg.CallID,
		"delivery_count": deliveryCount,
		"retry_count":    retryCount,
	})
	w.metrics.RecordDelivery(functionName, telemetry.OutcomeFailed, deliveryCount, time.Since(started))

	tripped := ShouldBreak(deliveryCount, retryCount)
	span.SetAttributes(attribute.Bool("delivery.circuit_tripped", tripped))
	w.metrics.RecordCircuitCheck(functionName, tripped)
	if err := w.handler.CheckCircuit(ctx, functionName, deliveryCount, retryCount); err != nil {
		w.logger.Error("Circuit check failed", err, logging.LogFields{"function_name": functionName})
	}
	if err := w.handler.AbandonMessage(ctx, raw); err != nil {
		w.logger.Error("Abandoning message failed", err, logging.LogFields{"function_name": functionName})
	}

	return relayErr
}

// HandlerFunc adapts the worker to a watermill no-publisher handler.
func (w *Worker[P]) HandlerFunc() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		return w.Handle(msg.Context(), msg)
	}
}
