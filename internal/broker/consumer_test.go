package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamrelay/internal/delivery"
	"github.com/drblury/streamrelay/internal/runtime/config"
	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/metadata"
)

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	rejects int
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) counts() (acks, nacks, rejects int, requeue bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks, a.rejects, a.requeue
}

func newTestConsumer(handler Handler) *Consumer {
	c := NewConsumer(config.BrokerConfig{Host: "localhost", Queues: []string{"audit"}})
	c.Handle("audit", handler)
	return c
}

func TestSettleAcksOnSuccess(t *testing.T) {
	c := newTestConsumer(func(context.Context, *message.Message) error { return nil })
	rec := &ackRecorder{}

	c.process(context.Background(), "audit", amqp.Delivery{Acknowledger: rec, DeliveryTag: 7, Body: []byte(`{}`)})

	acks, nacks, rejects, _ := rec.counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
	assert.Zero(t, rejects)
}

func TestSettleNacksWithRequeueOnFailure(t *testing.T) {
	c := newTestConsumer(func(context.Context, *message.Message) error { return errors.New("relay failed") })
	rec := &ackRecorder{}

	c.process(context.Background(), "audit", amqp.Delivery{Acknowledger: rec, DeliveryTag: 7})

	acks, nacks, rejects, requeue := rec.counts()
	assert.Zero(t, acks)
	assert.Equal(t, 1, nacks)
	assert.Zero(t, rejects)
	assert.True(t, requeue)
}

func TestSettleRejectsInvalidMessages(t *testing.T) {
	c := newTestConsumer(func(context.Context, *message.Message) error {
		return &rterrors.ValidationError{TargetType: "Message[delivery.AuditPayload]", Content: "x"}
	})
	rec := &ackRecorder{}

	c.process(context.Background(), "audit", amqp.Delivery{Acknowledger: rec, DeliveryTag: 7})

	acks, nacks, rejects, requeue := rec.counts()
	assert.Zero(t, acks)
	assert.Zero(t, nacks)
	assert.Equal(t, 1, rejects)
	assert.False(t, requeue)
}

func TestToMessage(t *testing.T) {
	msg := toMessage("audit", amqp.Delivery{
		MessageId:     "m-1",
		CorrelationId: "corr-1",
		Body:          []byte("body"),
		Headers:       amqp.Table{"x-delivery-count": int64(3), "tenant": "t-1"},
	})
	assert.Equal(t, "m-1", msg.UUID)
	assert.Equal(t, []byte("body"), []byte(msg.Payload))
	assert.Equal(t, "3", msg.Metadata.Get(metadata.KeyBrokerDeliveryCount))
	assert.Equal(t, "t-1", msg.Metadata.Get("tenant"))
	assert.Equal(t, "corr-1", msg.Metadata.Get(metadata.KeyCorrelationID))
	assert.Equal(t, "audit", msg.Metadata.Get(KeyQueue))

	redelivered := toMessage("audit", amqp.Delivery{Redelivered: true})
	assert.NotEmpty(t, redelivered.UUID)
	assert.Equal(t, "1", redelivered.Metadata.Get(metadata.KeyBrokerDeliveryCount))
}

func TestDeliveryHandler(t *testing.T) {
	h := NewDeliveryHandler("DeliverAudit", 5, nil)
	msg := message.NewMessage("1", nil)
	assert.Equal(t, 0, h.DeliveryCount(msg))
	msg.Metadata.Set(metadata.KeyBrokerDeliveryCount, "4")
	assert.Equal(t, 4, h.DeliveryCount(msg))

	assert.NoError(t, h.CompleteMessage(context.Background(), msg))
	assert.NoError(t, h.AbandonMessage(context.Background(), msg))
	assert.NoError(t, h.CheckCircuit(context.Background(), "DeliverAudit", 4, 5))
}

func TestBrokerWorkerSettlement(t *testing.T) {
	relayErr := errors.New("monitoring API unavailable")
	var fail bool
	worker, err := delivery.NewWorker[delivery.AuditPayload](
		delivery.RelayerFunc(func(context.Context, delivery.Queued) error {
			if fail {
				return relayErr
			}
			return nil
		}),
		NewDeliveryHandler("DeliverAudit", 5, nil),
	)
	require.NoError(t, err)
	c := newTestConsumer(worker.Handle)

	valid, err := delivery.Serialize(delivery.Message[delivery.AuditPayload]{
		Envelope: delivery.Envelope{CallerID: "c", CallID: "k"},
		Payload:  delivery.AuditPayload{Action: "login", Resource: "portal"},
	})
	require.NoError(t, err)

	ok := &ackRecorder{}
	c.process(context.Background(), "audit", amqp.Delivery{Acknowledger: ok, Body: valid})
	acks, _, _, _ := ok.counts()
	assert.Equal(t, 1, acks)

	fail = true
	retried := &ackRecorder{}
	c.process(context.Background(), "audit", amqp.Delivery{Acknowledger: retried, Body: valid})
	_, nacks, _, requeue := retried.counts()
	assert.Equal(t, 1, nacks)
	assert.True(t, requeue)

	invalid := &ackRecorder{}
	c.process(context.Background(), "audit", amqp.Delivery{Acknowledger: invalid, Body: []byte("notvalidjson")})
	_, _, rejects, _ := invalid.counts()
	assert.Equal(t, 1, rejects)
}

type fakeChannel struct {
	mu         sync.Mutex
	prefetch   int
	declared   []string
	args       []amqp.Table
	deliveries map[string]chan amqp.Delivery
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	f.args = append(f.args, args)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("manual acknowledgement required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan amqp.Delivery, 4)
	f.deliveries[queue] = ch
	return ch, nil
}

func (f *fakeChannel) Close() error { return nil }

type fakeConnection struct {
	ch      *fakeChannel
	notify  chan *amqp.Error
	started chan<- *fakeConnection
}

func (f *fakeConnection) Channel() (channel, error) { return f.ch, nil }

func (f *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.notify = receiver
	f.started <- f
	return receiver
}

func (f *fakeConnection) Close() error { return nil }

func (f *fakeConnection) drop() {
	f.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
	for _, d := range f.ch.deliveries {
		close(d)
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	failFor int
	started chan *fakeConnection
}

func (d *fakeDialer) dial(config.BrokerConfig) (connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFor {
		return nil, errors.New("connection refused")
	}
	return &fakeConnection{
		ch:      &fakeChannel{deliveries: make(map[string]chan amqp.Delivery)},
		started: d.started,
	}, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestRunRequiresHandlers(t *testing.T) {
	c := NewConsumer(config.BrokerConfig{})
	assert.ErrorIs(t, c.Run(context.Background()), rterrors.ErrConsumeQueueRequired)

	c = NewConsumer(config.BrokerConfig{Queues: []string{"audit"}})
	assert.ErrorIs(t, c.Run(context.Background()), rterrors.ErrHandlerRequired)
}

func TestRunRecoversDroppedConnection(t *testing.T) {
	dialer := &fakeDialer{failFor: 1, started: make(chan *fakeConnection, 2)}
	handled := make(chan string, 4)
	c := NewConsumer(config.BrokerConfig{
		Host:             "localhost",
		Queues:           []string{"audit", "usage"},
		AutoRecovery:     true,
		RecoveryInterval: time.Millisecond,
		Prefetch:         3,
	}, WithDeliveryLimit(5))
	c.dial = dialer.dial
	for _, q := range []string{"audit", "usage"} {
		c.Handle(q, func(_ context.Context, msg *message.Message) error {
			handled <- msg.Metadata.Get(KeyQueue)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first := <-dialer.started
	assert.Equal(t, 3, first.ch.prefetch)
	assert.Equal(t, []string{"audit", "usage"}, first.ch.declared)
	assert.Equal(t, amqp.Table{"x-queue-type": "quorum", "x-delivery-limit": int64(5)}, first.ch.args[0])

	rec := &ackRecorder{}
	first.ch.deliveries["usage"] <- amqp.Delivery{Acknowledger: rec, Body: []byte(`{}`)}
	assert.Equal(t, "usage", <-handled)

	first.drop()
	second := <-dialer.started
	assert.Equal(t, 3, dialer.count())

	second.ch.deliveries["audit"] <- amqp.Delivery{Acknowledger: rec, Body: []byte(`{}`)}
	assert.Equal(t, "audit", <-handled)

	require.Eventually(t, func() bool {
		acks, _, _, _ := rec.counts()
		return acks == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRunWithoutRecoveryReportsLostConnection(t *testing.T) {
	dialer := &fakeDialer{started: make(chan *fakeConnection, 1)}
	c := NewConsumer(config.BrokerConfig{Host: "localhost", Queues: []string{"audit"}})
	c.dial = dialer.dial
	c.Handle("audit", func(context.Context, *message.Message) error { return nil })

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	conn := <-dialer.started
	conn.drop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.Contains(t, err.Error(), "CONNECTION_FORCED")
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, 1, dialer.count())
}

func TestRunWithoutRecoveryFailsOnDial(t *testing.T) {
	dialer := &fakeDialer{failFor: 1, started: make(chan *fakeConnection, 1)}
	c := NewConsumer(config.BrokerConfig{Host: "localhost", Queues: []string{"audit"}})
	c.dial = dialer.dial
	c.Handle("audit", func(context.Context, *message.Message) error { return nil })

	err := c.Run(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestRunRecoversClosedChannel(t *testing.T) {
	dialer := &fakeDialer{started: make(chan *fakeConnection, 2)}
	handled := make(chan string, 2)
	c := NewConsumer(config.BrokerConfig{
		Host:             "localhost",
		Queues:           []string{"audit", "usage"},
		AutoRecovery:     true,
		RecoveryInterval: time.Millisecond,
	})
	c.dial = dialer.dial
	for _, q := range []string{"audit", "usage"} {
		c.Handle(q, func(_ context.Context, msg *message.Message) error {
			handled <- msg.Metadata.Get(KeyQueue)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first := <-dialer.started
	// The channel goes away while the connection stays up.
	close(first.ch.deliveries["audit"])

	var second *fakeConnection
	select {
	case second = <-dialer.started:
	case <-time.After(time.Second):
		t.Fatal("consumer did not reconnect after the channel closed")
	}
	assert.Equal(t, 2, dialer.count())

	rec := &ackRecorder{}
	second.ch.deliveries["audit"] <- amqp.Delivery{Acknowledger: rec, Body: []byte(`{}`)}
	assert.Equal(t, "audit", <-handled)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRunWithoutRecoveryReportsClosedChannel(t *testing.T) {
	dialer := &fakeDialer{started: make(chan *fakeConnection, 1)}
	c := NewConsumer(config.BrokerConfig{Host: "localhost", Queues: []string{"audit"}})
	c.dial = dialer.dial
	c.Handle("audit", func(context.Context, *message.Message) error { return nil })

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	conn := <-dialer.started
	close(conn.ch.deliveries["audit"])

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.ErrorIs(t, err, ErrDeliveriesClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
