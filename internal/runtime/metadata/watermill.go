package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies the headers of a watermill message.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill copies m into a watermill header map.
func ToWatermill(m Metadata) message.Metadata {
	return message.Metadata(m.Clone())
}

// DeliveryCount reads the delivery count of msg from key. A missing header
// means the message is on its first attempt.
func DeliveryCount(msg *message.Message, key string) int {
	if msg == nil {
		return 0
	}
	n, ok := FromWatermill(msg.Metadata).Int(key)
	if !ok || n < 0 {
		return 0
	}
	return n
}
