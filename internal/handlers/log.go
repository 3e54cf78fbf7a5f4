package handlers

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// LogChannel writes notifications to the service log after a random delay
// standing in for a real integration's latency.
type LogChannel struct {
	logger   *slog.Logger
	maxDelay time.Duration
}

// NewLogChannel creates a LogChannel that waits up to maxDelay per send.
func NewLogChannel(logger *slog.Logger, maxDelay time.Duration) *LogChannel {
	return &LogChannel{logger: logger, maxDelay: maxDelay}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, n Notification) error {
	ctx, span := otel.Tracer("notification").Start(ctx, "channel.log")
	defer span.End()

	var delay time.Duration
	if c.maxDelay > 0 {
		delay = rand.N(c.maxDelay)
	}
	span.SetAttributes(attribute.Int64("delay_ms", delay.Milliseconds()))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Info(n.Subject,
		slog.String("event_type", n.EventType),
		slog.String("task_id", n.TaskID),
		slog.String("body", n.Body),
	)
	return nil
}
