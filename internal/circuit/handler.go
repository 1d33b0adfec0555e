package circuit

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamrelay/internal/delivery"
	"github.com/drblury/streamrelay/internal/runtime/config"
	"github.com/drblury/streamrelay/internal/runtime/logging"
	"github.com/drblury/streamrelay/internal/runtime/metadata"
)

// QueueTriggerHandler serves queue-triggered functions. The platform settles
// messages itself, so complete and abandon do nothing.
type QueueTriggerHandler struct {
	functionName string
	retryCount   int
	property     string
	breaker      Breaker
	logger       logging.ServiceLogger
}

// HandlerOption configures a QueueTriggerHandler.
type HandlerOption func(*QueueTriggerHandler)

// WithLogger sets the logger for circuit decisions.
func WithLogger(logger logging.ServiceLogger) HandlerOption {
	return func(h *QueueTriggerHandler) { h.logger = logger }
}

// WithDeliveryCountProperty overrides the metadata key holding the delivery count.
func WithDeliveryCountProperty(property string) HandlerOption {
	return func(h *QueueTriggerHandler) {
		if property != "" {
			h.property = property
		}
	}
}

// WithBreaker replaces the breaker invoked once the retry budget is spent.
func WithBreaker(b Breaker) HandlerOption {
	return func(h *QueueTriggerHandler) {
		if b != nil {
			h.breaker = b
		}
	}
}

// NewQueueTriggerHandler returns a handler whose breaker is UnimplementedBreaker
// unless WithBreaker says otherwise.
func NewQueueTriggerHandler(functionName string, retryCount int, opts ...HandlerOption) *QueueTriggerHandler {
	h := &QueueTriggerHandler{
		functionName: functionName,
		retryCount:   retryCount,
		property:     config.DefaultDeliveryCountProperty,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrNop(h.logger)
	if h.breaker == nil {
		h.breaker = UnimplementedBreaker{Logger: h.logger}
	}
	return h
}

func (h *QueueTriggerHandler) FunctionName() string { return h.functionName }
func (h *QueueTriggerHandler) RetryCount() int      { return h.retryCount }

// DeliveryCount reads the configured delivery count property.
func (h *QueueTriggerHandler) DeliveryCount(msg *message.Message) int {
	return metadata.DeliveryCount(msg, h.property)
}

// CompleteMessage and AbandonMessage are no-ops: the trigger settles the
// message from the function result.
func (h *QueueTriggerHandler) CompleteMessage(context.Context, *message.Message) error { return nil }
func (h *QueueTriggerHandler) AbandonMessage(context.Context, *message.Message) error  { return nil }

// CheckCircuit breaks the circuit on the last permitted attempt.
func (h *QueueTriggerHandler) CheckCircuit(ctx context.Context, workerName string, deliveryCount, retryCount int) error {
	if !delivery.ShouldBreak(deliveryCount, retryCount) {
		return nil
	}
	h.logger.Info("Retry budget spent, breaking circuit", logging.LogFields{
		"function_name":  workerName,
		"delivery_count": deliveryCount,
		"retry_count":    retryCount,
	})
	return h.breaker.Break(ctx, workerName)
}

// ManagedHandler is a QueueTriggerHandler whose breaker disables the function
// through the management API.
type ManagedHandler struct {
	*QueueTriggerHandler
	Management *ManagementBreaker
}

// NewManagedHandler wires breaker as the handler's circuit breaker.
func NewManagedHandler(functionName string, retryCount int, breaker *ManagementBreaker, opts ...HandlerOption) *ManagedHandler {
	if breaker != nil {
		opts = append(opts, WithBreaker(breaker))
	}
	return &ManagedHandler{
		QueueTriggerHandler: NewQueueTriggerHandler(functionName, retryCount, opts...),
		Management:          breaker,
	}
}

var (
	_ delivery.MessageDeliveryHandler = (*QueueTriggerHandler)(nil)
	_ delivery.MessageDeliveryHandler = (*ManagedHandler)(nil)
)
