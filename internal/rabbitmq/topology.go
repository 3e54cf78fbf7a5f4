package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
)

// Topology names the exchanges and queues the services share.
type Topology struct {
	Exchange    string
	Queue       string
	RoutingKeys []string
	// DeadLetterExchange receives messages the consumer rejects. Empty disables dead-lettering.
	DeadLetterExchange string
	DeadLetterQueue    string
}

// DefaultTopology is the task_events exchange fanned into task_notifications.
func DefaultTopology() Topology {
	return Topology{
		Exchange:           "task_events",
		Queue:              "task_notifications",
		RoutingKeys:        domain.RoutingKeys,
		DeadLetterExchange: "task_events.dlx",
		DeadLetterQueue:    "task_notifications.dlq",
	}
}

// declarer is the subset of *amqp.Channel used to declare topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the topology. Every declaration is durable and idempotent.
func (t Topology) Declare(ch declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}

	var queueArgs amqp.Table
	if t.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", t.DeadLetterExchange, err)
		}
		if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue, err)
		}
		if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", t.DeadLetterQueue, t.DeadLetterExchange, err)
		}
		queueArgs = amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	for _, key := range t.RoutingKeys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s with %s: %w", t.Queue, t.Exchange, key, err)
		}
	}
	return nil
}
