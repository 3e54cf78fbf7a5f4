package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ramiqadoumi/go-task-cqrs/pkg/retry"
)

const connectTimeout = 5 * time.Second

// Connection owns a single long-lived AMQP connection per process and
// redials it when the broker drops it.
type Connection struct {
	url    string
	retry  retry.Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker, retrying with backoff up to attempts times.
func Dial(ctx context.Context, url string, attempts int, logger *slog.Logger) (*Connection, error) {
	c := &Connection{
		url: url,
		retry: retry.Config{
			MaxAttempts: attempts,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		logger: logger,
	}
	if _, err := c.connection(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Channel opens a new channel, redialing first if the connection is closed.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return ch, nil
}

// IsOpen reports whether the underlying connection is currently usable.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Connection) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error) {
		c.logger.Warn("amqp dial failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	var conn *amqp.Connection
	err := retry.Do(ctx, cfg, func() error {
		var dialErr error
		conn, dialErr = amqp.DialConfig(c.url, amqp.Config{
			Dial:       amqp.DefaultDial(connectTimeout),
			Properties: amqp.Table{"connection_name": "task-cqrs"},
		})
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	c.conn = conn
	c.logger.Info("connected to broker")
	return conn, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
