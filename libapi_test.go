package streamrelay

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamrelay/internal/delivery"
)

func discardLogger() ServiceLogger {
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func auditMessage() delivery.Message[AuditPayload] {
	return delivery.Message[AuditPayload]{
		Envelope: Envelope{CallerID: "billing", CallID: "call-1"},
		Payload:  AuditPayload{Action: "invoice.paid", Resource: "invoice/42"},
	}
}

func TestParseExport(t *testing.T) {
	payload, err := Serialize(auditMessage())
	require.NoError(t, err)

	msg, err := Parse[AuditPayload](payload)
	require.NoError(t, err)
	assert.Equal(t, "invoice.paid", msg.Payload.Action)

	_, err = Parse[AuditPayload]([]byte("notvalidjson"))
	assert.True(t, IsValidation(err))
}

func TestRegistrationExportsPropagateErrors(t *testing.T) {
	assert.ErrorIs(t, RegisterRelayWorker(nil, RelayWorkerRegistration{}), ErrServiceRequired)
	assert.ErrorIs(t, RegisterMessageHandler(nil, MessageHandlerRegistration{}), ErrServiceRequired)
}

func TestServiceExport(t *testing.T) {
	svc, err := NewService(context.Background(), &Config{PubSubSystem: "channel"}, discardLogger(), ServiceDependencies{
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	handler := NewQueueTriggerHandler("audit-relay", 5, WithBreaker(RouterBreaker{Handlers: svc}))
	worker, err := NewWorker[AuditPayload](RelayerFunc(func(context.Context, Queued) error { return nil }), handler)
	require.NoError(t, err)

	require.NoError(t, RegisterRelayWorker(svc, RelayWorkerRegistration{ConsumeQueue: "audit", Worker: worker}))
	assert.Equal(t, "audit-relay", svc.Handlers()[0].Name)
	assert.True(t, GetCapabilities("channel").SupportsAck)
}

func TestShouldBreakExport(t *testing.T) {
	assert.False(t, ShouldBreak(3, 5))
	assert.True(t, ShouldBreak(4, 5))
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md["key"])
	assert.Len(t, CreateULID(), 26)
}
