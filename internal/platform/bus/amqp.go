package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const tenantHeader = "tenant"

type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
	// BindingKey selects the routing keys delivered to Queue.
	BindingKey string
	Prefetch   int
}

func (c AMQPConfig) withDefaults() AMQPConfig {
	if c.Exchange == "" {
		c.Exchange = "booking.lifecycle"
	}
	if c.Queue == "" {
		c.Queue = "booking.projection"
	}
	if c.BindingKey == "" {
		c.BindingKey = "reservation.#"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 50
	}
	return c
}

func (c AMQPConfig) deadLetterExchange() string { return c.Exchange + ".dlx" }
func (c AMQPConfig) deadLetterQueue() string    { return c.Queue + ".dead" }

// AMQP publishes to a durable topic exchange with publisher confirms and
// consumes from a durable queue whose rejected messages go to a dead-letter
// queue.
type AMQP struct {
	cfg    AMQPConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

func NewAMQP(cfg AMQPConfig, logger zerolog.Logger) *AMQP {
	return &AMQP{cfg: cfg.withDefaults(), logger: logger.With().Str("component", "amqp").Logger()}
}

// Connect dials the broker and declares the topology. Publish and Subscribe
// connect lazily, so calling it is only needed to fail fast at startup.
func (a *AMQP) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.publishChannel()
	return err
}

func (a *AMQP) dial() (*amqp.Connection, error) {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := declare(ch, a.cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func declare(ch *amqp.Channel, cfg AMQPConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(cfg.deadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.deadLetterExchange(), err)
	}
	if _, err := ch.QueueDeclare(cfg.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.deadLetterQueue(), err)
	}
	if err := ch.QueueBind(cfg.deadLetterQueue(), "", cfg.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.deadLetterQueue(), err)
	}
	args := amqp.Table{"x-dead-letter-exchange": cfg.deadLetterExchange()}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.BindingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// publishChannel returns the confirm-mode channel, reconnecting if needed.
// Callers hold a.mu.
func (a *AMQP) publishChannel() (*amqp.Channel, error) {
	if a.pub != nil && !a.pub.IsClosed() {
		return a.pub, nil
	}
	if a.conn == nil || a.conn.IsClosed() {
		conn, err := a.dial()
		if err != nil {
			return nil, err
		}
		a.conn = conn
	}
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	a.pub = ch
	return ch, nil
}

func (a *AMQP) resetPublisher() {
	if a.pub != nil {
		a.pub.Close()
		a.pub = nil
	}
}

// Publish returns once the broker has confirmed the message.
func (a *AMQP) Publish(ctx context.Context, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, err := a.publishChannel()
	if err != nil {
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, a.cfg.Exchange, msg.RoutingKey, false, false, toPublishing(msg))
	if err != nil {
		a.resetPublisher()
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		a.resetPublisher()
		return fmt.Errorf("confirm %s: %w", msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected %s", msg.ID)
	}
	return nil
}

// Subscribe consumes the queue until ctx is done, reconnecting with a
// doubling delay whenever the connection drops.
func (a *AMQP) Subscribe(ctx context.Context, h Handler) error {
	delay := time.Second
	for {
		conn, err := a.dial()
		if err == nil {
			delay = time.Second
			err = a.consume(ctx, conn, h)
			conn.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("consumer disconnected")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

var errDeliveriesClosed = errors.New("deliveries channel closed")

func (a *AMQP) consume(ctx context.Context, conn *amqp.Connection, h Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(a.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", a.cfg.Queue, err)
	}
	a.logger.Info().Str("queue", a.cfg.Queue).Msg("consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			msg := fromDelivery(d)
			if err := h(ctx, msg); err != nil {
				a.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("message dead-lettered")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetPublisher()
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn.Close()
	}
	return nil
}

func toPublishing(msg Message) amqp.Publishing {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.RoutingKey,
		Timestamp:    ts.UTC(),
		Headers:      amqp.Table{tenantHeader: msg.Tenant},
		Body:         msg.Body,
	}
}

func fromDelivery(d amqp.Delivery) Message {
	tenant, _ := d.Headers[tenantHeader].(string)
	return Message{
		ID:         d.MessageId,
		RoutingKey: d.RoutingKey,
		Tenant:     tenant,
		Body:       d.Body,
		Timestamp:  d.Timestamp,
	}
}
