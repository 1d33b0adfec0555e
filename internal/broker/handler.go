package broker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamrelay/internal/delivery"
	"github.com/drblury/streamrelay/internal/runtime/logging"
	"github.com/drblury/streamrelay/internal/runtime/metadata"
)

// DeliveryHandler is the MessageDeliveryHandler of broker-hosted workers.
// Consumer acknowledges every delivery, so complete and abandon do nothing,
// and there is no explicit breaker: the broker's redelivery limit and
// dead-letter exchange stop a poison message.
type DeliveryHandler struct {
	functionName string
	retryCount   int
	logger       logging.ServiceLogger
}

// NewDeliveryHandler returns the delivery handler for functionName.
func NewDeliveryHandler(functionName string, retryCount int, logger logging.ServiceLogger) *DeliveryHandler {
	return &DeliveryHandler{functionName: functionName, retryCount: retryCount, logger: logging.OrNop(logger)}
}

func (h *DeliveryHandler) FunctionName() string { return h.functionName }
func (h *DeliveryHandler) RetryCount() int      { return h.retryCount }

// DeliveryCount reads the broker delivery count header.
func (h *DeliveryHandler) DeliveryCount(msg *message.Message) int {
	return metadata.DeliveryCount(msg, metadata.KeyBrokerDeliveryCount)
}

// CompleteMessage and AbandonMessage are no-ops: the consumer settles the
// delivery from the handler result.
func (h *DeliveryHandler) CompleteMessage(context.Context, *message.Message) error { return nil }
func (h *DeliveryHandler) AbandonMessage(context.Context, *message.Message) error  { return nil }

// CheckCircuit only logs. The broker's delivery limit dead-letters the
// message, which is the circuit.
func (h *DeliveryHandler) CheckCircuit(_ context.Context, workerName string, deliveryCount, retryCount int) error {
	if delivery.ShouldBreak(deliveryCount, retryCount) {
		h.logger.Info("Retry budget spent, leaving message to the broker's dead-letter policy", logging.LogFields{
			"function_name":  workerName,
			"delivery_count": deliveryCount,
			"retry_count":    retryCount,
		})
	}
	return nil
}

var _ delivery.MessageDeliveryHandler = (*DeliveryHandler)(nil)
