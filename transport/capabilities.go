package transport

// Capabilities describes what a backend guarantees to relay workers.
type Capabilities struct {
	Name string

	// SupportsOrdering means messages of one queue or partition arrive in
	// publish order.
	SupportsOrdering bool
	SupportsAck      bool
	// SupportsNack means a nacked message is redelivered.
	SupportsNack bool
	// SupportsNativeDLQ means the backend moves exhausted messages to a
	// dead-letter destination on its own.
	SupportsNativeDLQ bool

	// DeliveryCountKey is the metadata key carrying the redelivery count, when
	// the backend exposes one.
	DeliveryCountKey string

	// MaxMessageSize in bytes; zero when unknown.
	MaxMessageSize int64
}

// SupportsRedelivery reports whether failed deliveries come back, which the
// relay's retry budget depends on.
func (c Capabilities) SupportsRedelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// ExposesDeliveryCount reports whether a delivery handler can read the
// redelivery count from message metadata.
func (c Capabilities) ExposesDeliveryCount() bool {
	return c.DeliveryCountKey != ""
}

var (
	// ChannelCapabilities describes the in-process gochannel backend.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities describes Kafka: ordered per partition, no nack.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsAck:      true,
		MaxMessageSize:   1 << 20,
	}

	// RabbitMQCapabilities describes RabbitMQ. Quorum queues expose the
	// delivery count header.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		DeliveryCountKey:  "x-delivery-count",
	}

	// NATSCapabilities describes NATS core subjects.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	// AWSCapabilities describes SNS fanned out to SQS.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		MaxMessageSize:    256 << 10,
	}

	// HTTPCapabilities describes plain HTTP delivery.
	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities looks name up in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
