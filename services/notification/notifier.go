// Package notification consumes task events from the broker and fans each
// one out to the configured notification channels.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
	"github.com/ramiqadoumi/go-task-cqrs/internal/handlers"
	"github.com/ramiqadoumi/go-task-cqrs/internal/rabbitmq"
	"github.com/ramiqadoumi/go-task-cqrs/pkg/retry"
	"github.com/ramiqadoumi/go-task-cqrs/pkg/telemetry"
)

// Notifier handles task event deliveries.
type Notifier struct {
	registry *handlers.Registry
	logger   *slog.Logger
	retry    retry.Config

	mu     sync.Mutex
	counts map[string]int64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the notifier's logger.
func WithLogger(l *slog.Logger) Option { return func(n *Notifier) { n.logger = l } }

// WithChannelRetries sets the attempts per channel before a delivery is
// rejected, and the base backoff between them.
func WithChannelRetries(attempts int, baseDelay time.Duration) Option {
	return func(n *Notifier) {
		n.retry.MaxAttempts = attempts
		n.retry.BaseDelay = baseDelay
	}
}

// NewNotifier creates a Notifier sending to every channel in registry.
func NewNotifier(registry *handlers.Registry, opts ...Option) *Notifier {
	n := &Notifier{
		registry: registry,
		logger:   slog.Default(),
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		counts: make(map[string]int64, len(domain.RoutingKeys)),
	}
	for _, k := range domain.RoutingKeys {
		n.counts[k] = 0
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Handle processes one delivery. It matches rabbitmq.HandlerFunc: a nil
// return acks the message and an error rejects it to the dead-letter queue.
func (n *Notifier) Handle(ctx context.Context, msg rabbitmq.Message) error {
	ctx, span := otel.Tracer("notification").Start(ctx, "notification.handle")
	defer span.End()
	start := time.Now()

	var env domain.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		telemetry.NotificationsProcessed.WithLabelValues("unknown", "malformed").Inc()
		telemetry.NotificationDeadLettered.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return &domain.MessageProcessingError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	eventType := env.EventType
	span.SetAttributes(
		attribute.String("event.type", eventType),
		attribute.Bool("messaging.redelivered", msg.Redelivered),
	)

	n.logger.Info("processing notification",
		slog.String("event_type", eventType),
		slog.String("timestamp", env.Timestamp),
	)
	n.count(eventType)

	note, known, err := render(env)
	if !known {
		n.logger.Warn("unknown event type", slog.String("event_type", eventType))
		telemetry.NotificationsProcessed.WithLabelValues(eventType, "ignored").Inc()
		return nil
	}
	if err != nil {
		telemetry.NotificationsProcessed.WithLabelValues(eventType, "malformed").Inc()
		telemetry.NotificationDeadLettered.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed payload")
		return &domain.MessageProcessingError{EventType: eventType, Err: err}
	}
	span.SetAttributes(attribute.String("task.id", note.TaskID))

	if err := n.dispatch(ctx, note); err != nil {
		telemetry.NotificationsProcessed.WithLabelValues(eventType, "failed").Inc()
		telemetry.NotificationDeadLettered.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return &domain.MessageProcessingError{EventType: eventType, Err: err}
	}

	telemetry.NotificationsProcessed.WithLabelValues(eventType, "ok").Inc()
	telemetry.NotificationDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	return nil
}

// dispatch sends note to every channel, retrying each on its own.
func (n *Notifier) dispatch(ctx context.Context, note handlers.Notification) error {
	var errs []error
	for _, ch := range n.registry.Channels() {
		policy := n.retry
		policy.OnRetry = func(attempt int, err error) {
			telemetry.NotificationRetries.WithLabelValues(note.EventType).Inc()
			n.logger.Warn("notification channel failed, retrying",
				slog.String("channel", ch.Name()),
				slog.String("event_type", note.EventType),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		if err := retry.Do(ctx, policy, func() error { return ch.Send(ctx, note) }); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) count(eventType string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.counts[eventType]; ok {
		n.counts[eventType]++
	}
}

// Stats returns the processed count per event type plus a "total" entry.
func (n *Notifier) Stats() map[string]int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int64, len(n.counts)+1)
	var total int64
	for k, v := range n.counts {
		out[k] = v
		total += v
	}
	out["total"] = total
	return out
}

// render builds the notification for an envelope. known is false for event
// types this service does not handle.
func render(env domain.Envelope) (note handlers.Notification, known bool, err error) {
	note = handlers.Notification{EventType: env.EventType, Data: env.Data, Timestamp: env.Timestamp}

	switch env.EventType {
	case domain.RoutingKeyCreated:
		var p domain.TaskCreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return note, true, fmt.Errorf("decode %s data: %w", env.EventType, err)
		}
		note.TaskID = p.TaskID
		note.Subject = "Task created: " + p.Name
		note.Body = fmt.Sprintf("Task %s %q was created.%s", p.TaskID, p.Name, describe(p.Description))

	case domain.RoutingKeyUpdated:
		var p domain.TaskUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return note, true, fmt.Errorf("decode %s data: %w", env.EventType, err)
		}
		note.TaskID = p.TaskID
		note.Subject = "Task updated: " + p.Name
		note.Body = fmt.Sprintf("Task %s was updated.%s", p.TaskID, changes(p))

	case domain.RoutingKeyDeleted:
		var p domain.TaskDeletedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return note, true, fmt.Errorf("decode %s data: %w", env.EventType, err)
		}
		note.TaskID = p.TaskID
		note.Subject = "Task deleted: " + p.TaskID
		note.Body = fmt.Sprintf("Task %s was deleted.", p.TaskID)

	default:
		return note, false, nil
	}

	if note.TaskID == "" {
		return note, true, fmt.Errorf("%s data has no taskId", env.EventType)
	}
	return note, true, nil
}

func describe(d *string) string {
	if d == nil || *d == "" {
		return ""
	}
	return "\n\n" + *d
}

func changes(p domain.TaskUpdatedPayload) string {
	var lines []string
	if p.PreviousData.Name != p.Name {
		lines = append(lines, fmt.Sprintf("name: %q -> %q", p.PreviousData.Name, p.Name))
	}
	if deref(p.PreviousData.Description) != deref(p.Description) {
		lines = append(lines, fmt.Sprintf("description: %q -> %q", deref(p.PreviousData.Description), deref(p.Description)))
	}
	if p.PreviousData.Status != p.Status {
		lines = append(lines, fmt.Sprintf("status: %s -> %s", p.PreviousData.Status, p.Status))
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n\n" + strings.Join(lines, "\n")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
