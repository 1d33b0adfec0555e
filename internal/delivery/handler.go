package delivery

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// MessageDeliveryHandler is what a hosting platform contributes to the
// delivery algorithm: identity, retry budget, acknowledgement and the circuit
// check. Adapters live in the circuit and broker packages.
type MessageDeliveryHandler interface {
	FunctionName() string
	RetryCount() int
	// DeliveryCount is how many times the platform has delivered msg before.
	DeliveryCount(msg *message.Message) int
	CompleteMessage(ctx context.Context, msg *message.Message) error
	AbandonMessage(ctx context.Context, msg *message.Message) error
	// CheckCircuit is called after every failed relay. It disables the worker
	// when ShouldBreak holds and must not fail because the disable failed.
	CheckCircuit(ctx context.Context, workerName string, deliveryCount, retryCount int) error
}

// ShouldBreak reports whether the attempt with deliveryCount is the last one
// the platform permits. Delivery counts are zero based: with retryCount 5 the
// fifth attempt has deliveryCount 4.
func ShouldBreak(deliveryCount, retryCount int) bool {
	return deliveryCount >= retryCount-1
}
