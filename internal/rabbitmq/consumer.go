package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

const reconnectDelay = 2 * time.Second

// Message wraps an AMQP delivery with the fields handlers need.
type Message struct {
	RoutingKey  string
	Body        []byte
	Headers     amqp.Table
	Redelivered bool
}

// HandlerFunc processes a single delivery.
// Return nil to ack. Return an error to reject without requeue; the broker
// then dead-letters the message if the queue has a dead-letter exchange.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer delivers messages from a queue to a handler with manual acknowledgement.
type Consumer interface {
	Consume(ctx context.Context, handler HandlerFunc) error
}

type consumer struct {
	conn     *Connection
	topology Topology
	prefetch int
	logger   *slog.Logger
}

// NewConsumer creates a consumer of topology.Queue. prefetch <= 0 leaves
// the broker's delivery rate unbounded.
func NewConsumer(conn *Connection, topology Topology, prefetch int, logger *slog.Logger) Consumer {
	return &consumer{conn: conn, topology: topology, prefetch: prefetch, logger: logger}
}

// Consume reads deliveries until ctx is cancelled. A lost channel is
// reopened after a short delay.
func (c *consumer) Consume(ctx context.Context, handler HandlerFunc) error {
	for {
		err := c.consumeOnce(ctx, handler)
		if ctx.Err() != nil {
			return nil // normal shutdown
		}
		if err != nil {
			c.logger.Error("consumer channel lost, reconnecting",
				slog.String("queue", c.topology.Queue),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *consumer) consumeOnce(ctx context.Context, handler HandlerFunc) error {
	ch, err := c.conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := c.topology.Declare(ch); err != nil {
		return err
	}
	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}

	tag := c.topology.Queue + "-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(c.topology.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.topology.Queue, err)
	}
	c.logger.Info("consuming", slog.String("queue", c.topology.Queue))

	// Cancelling the consumer stops new deliveries and ends the range below
	// once the message in flight is settled. Unacked prefetched messages
	// return to the queue when the channel closes.
	stop := context.AfterFunc(ctx, func() {
		if err := ch.Cancel(tag, false); err != nil {
			_ = ch.Close()
		}
	})
	defer stop()

	for d := range deliveries {
		c.handle(ctx, d, handler)
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("delivery channel for %s closed", c.topology.Queue)
}

// handle runs the handler for one delivery and settles it.
func (c *consumer) handle(ctx context.Context, d amqp.Delivery, handler HandlerFunc) {
	headers := d.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	// Shutdown does not abort a handler mid-message.
	msgCtx := otel.GetTextMapPropagator().Extract(context.WithoutCancel(ctx), HeaderCarrier(headers))

	msg := Message{
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Headers:     d.Headers,
		Redelivered: d.Redelivered,
	}

	if err := handler(msgCtx, msg); err != nil {
		c.logger.Error("message handler failed, rejecting",
			slog.String("routing_key", d.RoutingKey),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.String("error", err.Error()),
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("nack failed",
				slog.Uint64("delivery_tag", d.DeliveryTag),
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}
