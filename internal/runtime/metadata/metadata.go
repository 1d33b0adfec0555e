// Package metadata carries transport headers alongside queued messages and
// change events.
package metadata

import (
	"strconv"
	"strings"
)

// Well-known keys written by the relay and read by the delivery handlers.
const (
	KeyMessageID     = "message_id"
	KeyCorrelationID = "correlation_id"
	KeyPayloadKind   = "payload_kind"
	KeyFunctionName  = "function_name"
	KeyStreamName    = "stream_name"
	KeyEventType     = "event_type"
	// KeyBrokerDeliveryCount is set by quorum queues on redelivery.
	KeyBrokerDeliveryCount = "x-delivery-count"
)

// Metadata is a flat string map of headers.
type Metadata map[string]string

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a shallow copy; a nil receiver yields an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

// Merge returns a copy of m overlaid with entries.
func (m Metadata) Merge(entries Metadata) Metadata {
	out := m.Clone()
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// Lookup finds key, falling back to a case-insensitive match since some
// transports canonicalise header names.
func (m Metadata) Lookup(key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Int reads key as a base-10 integer. Missing or malformed values report false.
func (m Metadata) Int(key string) (int, bool) {
	raw, ok := m.Lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}
