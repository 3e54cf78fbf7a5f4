package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// Publisher publishes messages to the topic exchange.
type Publisher interface {
	// Publish returns once the broker has confirmed the message.
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// publishChannel is the subset of *amqp.Channel used to publish.
type publishChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

type publisher struct {
	exchange string
	open     func(ctx context.Context) (publishChannel, error)

	mu sync.Mutex
	ch publishChannel
}

// NewPublisher opens a confirming channel on conn and declares the topology.
// A channel lost to a broker error is reopened on the next publish.
func NewPublisher(ctx context.Context, conn *Connection, topology Topology) (Publisher, error) {
	p := &publisher{
		exchange: topology.Exchange,
		open: func(ctx context.Context) (publishChannel, error) {
			ch, err := conn.Channel(ctx)
			if err != nil {
				return nil, err
			}
			if err := topology.Declare(ch); err != nil {
				_ = ch.Close()
				return nil, err
			}
			if err := ch.Confirm(false); err != nil {
				_ = ch.Close()
				return nil, fmt.Errorf("enable publisher confirms: %w", err)
			}
			return ch, nil
		},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.channel(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *publisher) channel(ctx context.Context) (publishChannel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	headers := make(HeaderCarrier)
	otel.GetTextMapPropagator().Inject(ctx, headers)

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table(headers),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", routingKey, err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.ch = nil
		}
		return fmt.Errorf("amqp publish %s: %w", routingKey, err)
	}
	// nil when the channel is not in confirm mode.
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("amqp publish %s: broker nacked message", routingKey)
	}
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
