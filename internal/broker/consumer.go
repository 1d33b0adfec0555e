// Package broker consumes named queues on a self-hosted AMQP broker and settles
// each delivery according to the handler's outcome.
package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/streamrelay/internal/runtime/config"
	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/ids"
	"github.com/drblury/streamrelay/internal/runtime/logging"
	"github.com/drblury/streamrelay/internal/runtime/metadata"
	"github.com/drblury/streamrelay/internal/telemetry"
)

// KeyQueue is the metadata key holding the queue a message was consumed from.
const KeyQueue = "broker_queue"

// ErrConnectionLost is returned by Run when the connection drops and
// automatic recovery is off.
var ErrConnectionLost = errors.New("broker: connection lost")

// ErrDeliveriesClosed reports a queue whose deliveries stopped while the
// connection stayed open: a channel exception, a consumer cancel or a deleted
// queue. Run treats it like a lost connection.
var ErrDeliveriesClosed = errors.New("broker: deliveries closed")

// Handler processes one delivery converted to a watermill message.
// delivery.Worker.Handle has this shape.
type Handler func(ctx context.Context, msg *message.Message) error

type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type dialFunc func(cfg config.BrokerConfig) (connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(cfg config.BrokerConfig) (connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("streamrelay")
	conn, err := amqp.DialConfig(cfg.BrokerURL(), amqp.Config{
		Vhost:      cfg.VirtualHost,
		Heartbeat:  10 * time.Second,
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Consumer declares a fixed set of durable queues and feeds their deliveries
// to the registered handlers, one queue at a time in delivery order.
type Consumer struct {
	cfg      config.BrokerConfig
	handlers map[string]Handler
	args     amqp.Table
	tag      string
	logger   logging.ServiceLogger
	metrics  *telemetry.RelayMetrics
	dial     dialFunc
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger for connection and settlement events.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// WithMetrics records reconnects on metrics.
func WithMetrics(metrics *telemetry.RelayMetrics) Option {
	return func(c *Consumer) { c.metrics = metrics }
}

// WithConsumerTag prefixes the consumer tag of every queue.
func WithConsumerTag(tag string) Option {
	return func(c *Consumer) { c.tag = tag }
}

// WithDeliveryLimit declares the queues as quorum queues that dead-letter a
// message after limit redeliveries. Existing classic queues reject the
// changed arguments.
func WithDeliveryLimit(limit int) Option {
	return func(c *Consumer) {
		c.args = amqp.Table{"x-queue-type": "quorum", "x-delivery-limit": int64(limit)}
	}
}

// NewConsumer builds a consumer for cfg. Register handlers with Handle
// before calling Run.
func NewConsumer(cfg config.BrokerConfig, opts ...Option) *Consumer {
	c := &Consumer{
		cfg:      config.Config{Broker: cfg}.WithDefaults().Broker,
		handlers: make(map[string]Handler),
		tag:      "streamrelay",
		dial:     dialAMQP,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// Handle binds h to queue. Queues registered here are declared in addition to
// the configured ones.
func (c *Consumer) Handle(queue string, h Handler) {
	c.handlers[queue] = h
}

func (c *Consumer) queues() []string {
	set := slices.Clone(c.cfg.Queues)
	for q := range c.handlers {
		set = append(set, q)
	}
	slices.Sort(set)
	return slices.Compact(set)
}

type session struct {
	conn       connection
	ch         channel
	deliveries map[string]<-chan amqp.Delivery
}

func (s *session) close() {
	_ = s.ch.Close()
	_ = s.conn.Close()
}

// Run consumes until ctx is cancelled. A dropped connection or a closed
// channel is re-established every RecoveryInterval when AutoRecovery is set;
// otherwise Run returns ErrConnectionLost.
func (c *Consumer) Run(ctx context.Context) error {
	queues := c.queues()
	if len(queues) == 0 {
		return rterrors.ErrConsumeQueueRequired
	}
	for _, q := range queues {
		if c.handlers[q] == nil {
			return fmt.Errorf("queue %s: %w", q, rterrors.ErrHandlerRequired)
		}
	}

	for {
		s, err := c.connect(ctx, queues)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.logger.Info("Broker consumer started", logging.LogFields{"queues": queues, "host": c.cfg.Host})

		lost := c.consume(ctx, s)
		if lost == nil {
			return nil
		}
		if !c.cfg.AutoRecovery {
			return fmt.Errorf("%w: %w", ErrConnectionLost, lost)
		}
		c.logger.Error("Broker connection lost, recovering", lost, logging.LogFields{
			"recovery_interval": c.cfg.RecoveryInterval.String(),
		})
		for _, q := range queues {
			c.metrics.RecordReconnect(q)
		}
	}
}

func (c *Consumer) connect(ctx context.Context, queues []string) (*session, error) {
	op := func() (*session, error) { return c.open(queues) }
	if !c.cfg.AutoRecovery {
		return op()
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RecoveryInterval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Error("Broker connection attempt failed", err, logging.LogFields{"retry_in": next.String()})
		}),
	)
}

func (c *Consumer) open(queues []string) (*session, error) {
	conn, err := c.dial(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	s := &session{conn: conn, ch: ch, deliveries: make(map[string]<-chan amqp.Delivery, len(queues))}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		s.close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, c.args); err != nil {
			s.close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
		d, err := ch.Consume(q, c.tag+"-"+q, false, false, false, false, nil)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("consume queue %s: %w", q, err)
		}
		s.deliveries[q] = d
	}
	return s, nil
}

// consume returns nil once ctx is done. It returns the connection's close
// reason when the connection drops, or ErrDeliveriesClosed when the channel
// stops delivering while the connection is still up.
func (c *Consumer) consume(ctx context.Context, s *session) error {
	closed := s.conn.NotifyClose(make(chan *amqp.Error, 1))

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	stopped := make(chan error, len(s.deliveries))
	var wg sync.WaitGroup
	for q, deliveries := range s.deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-sessionCtx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						stopped <- fmt.Errorf("queue %s: %w", q, ErrDeliveriesClosed)
						return
					}
					c.process(ctx, q, d)
				}
			}
		}()
	}

	var lost error
	select {
	case <-ctx.Done():
	case reason, ok := <-closed:
		lost = connectionClosed(reason, ok)
	case err := <-stopped:
		lost = err
		// A dropped connection closes the deliveries too; prefer its reason.
		select {
		case reason, ok := <-closed:
			lost = connectionClosed(reason, ok)
		default:
		}
	}
	stop()
	wg.Wait()
	s.close()
	return lost
}

func connectionClosed(reason *amqp.Error, ok bool) error {
	if ok && reason != nil {
		return reason
	}
	return errors.New("connection closed")
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

func (c *Consumer) process(ctx context.Context, queue string, d amqp.Delivery) {
	msg := toMessage(queue, d)
	c.settle(ctx, queue, msg, &d)
}

// settle runs the handler and acknowledges: ack on success, reject without
// requeue on validation errors so the dead-letter exchange takes the message,
// nack with requeue on anything else.
func (c *Consumer) settle(ctx context.Context, queue string, msg *message.Message, ack acknowledger) {
	ctx, span := telemetry.Tracer().Start(ctx, "broker.Deliver")
	defer span.End()
	span.SetAttributes(attribute.String("broker.queue", queue), attribute.String("message.uuid", msg.UUID))
	msg.SetContext(ctx)

	fields := logging.LogFields{"queue": queue, "message_uuid": msg.UUID}
	err := c.handlers[queue](ctx, msg)

	var settleErr error
	switch {
	case err == nil:
		settleErr = ack.Ack(false)
	case rterrors.IsValidation(err):
		span.SetStatus(codes.Error, "validation")
		c.logger.Error("Rejecting invalid message", err, fields)
		settleErr = ack.Reject(false)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		settleErr = ack.Nack(false, true)
	}
	if settleErr != nil {
		c.logger.Error("Settling delivery failed", settleErr, fields)
	}
}

func toMessage(queue string, d amqp.Delivery) *message.Message {
	id := d.MessageId
	if id == "" {
		id = ids.CreateULID()
	}
	msg := message.NewMessage(id, d.Body)
	for k, v := range d.Headers {
		msg.Metadata.Set(k, fmt.Sprint(v))
	}
	if d.CorrelationId != "" {
		msg.Metadata.Set(metadata.KeyCorrelationID, d.CorrelationId)
	}
	// classic queues only flag redeliveries
	if msg.Metadata.Get(metadata.KeyBrokerDeliveryCount) == "" && d.Redelivered {
		msg.Metadata.Set(metadata.KeyBrokerDeliveryCount, "1")
	}
	msg.Metadata.Set(KeyQueue, queue)
	return msg
}
