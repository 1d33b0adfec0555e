// Package streamrelay relays persisted domain events and queued messages to
// their consumers.
//
// Three relays cover the event side. A stream Processor subscribes to event
// sources and hands every stream of a change batch, in version order, to a
// handler. The ProjectionRelay rehydrates events and applies them to read-model
// projections, advancing a per-stream checkpoint so redelivered events are
// skipped. The NotificationRelay dispatches events to in-process consumers and
// may translate them into integration events for a message bus.
//
// On the queue side a relay worker parses queued messages, POSTs them to the
// monitoring API and settles them through a MessageDeliveryHandler supplied by
// the hosting platform:
//
//   - QueueTriggerHandler for cloud queue triggers with no way to disable a
//     function
//   - ManagedHandler, which disables the function through the management API
//     once the last permitted delivery fails
//   - the broker DeliveryHandler for a self-hosted broker consumer that acks,
//     requeues or rejects each delivery and reconnects on its own
//
// Service hosts workers and processors on a watermill router over any
// registered transport (channel, kafka, rabbitmq, nats, aws, http), with
// correlation ids, tracing, Prometheus metrics and a poison queue for
// messages that fail validation.
package streamrelay
