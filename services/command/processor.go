// Package command is the write side: it turns task commands into events,
// projection changes and outbox messages committed in one transaction, and
// relays committed outbox messages to the broker.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
	"github.com/ramiqadoumi/go-task-cqrs/internal/postgres"
	"github.com/ramiqadoumi/go-task-cqrs/pkg/retry"
	"github.com/ramiqadoumi/go-task-cqrs/pkg/telemetry"
)

// Kicker is woken after a command commits so pending outbox rows are
// relayed without waiting for the next poll.
type Kicker interface {
	Kick()
}

// Processor executes task commands against the event store.
type Processor struct {
	store          postgres.EventStore
	logger         *slog.Logger
	now            func() time.Time
	newID          func() string
	kicker         Kicker
	conflictPolicy retry.Config
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor's logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// WithIDGenerator overrides the aggregate id generator.
func WithIDGenerator(f func() string) Option { return func(p *Processor) { p.newID = f } }

// WithKicker registers the relay to wake after each commit.
func WithKicker(k Kicker) Option { return func(p *Processor) { p.kicker = k } }

// WithConflictRetries sets how many times a command is attempted when it
// loses a version race, and the base backoff between attempts.
func WithConflictRetries(attempts int, baseDelay time.Duration) Option {
	return func(p *Processor) {
		p.conflictPolicy.MaxAttempts = attempts
		p.conflictPolicy.BaseDelay = baseDelay
	}
}

// NewProcessor creates a Processor writing through store.
func NewProcessor(store postgres.EventStore, opts ...Option) *Processor {
	p := &Processor{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
		conflictPolicy: retry.Config{
			MaxAttempts: 5,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.conflictPolicy.Retryable = isConflict
	return p
}

// CreateTask records TaskCreated at version 1 and inserts the read-model row.
func (p *Processor) CreateTask(ctx context.Context, name string, description *string) (*domain.Task, error) {
	ctx, span := otel.Tracer("command").Start(ctx, "command.create_task")
	defer span.End()

	if name == "" {
		return nil, &domain.ValidationError{Reason: "Name is required"}
	}

	id := p.newID()
	span.SetAttributes(attribute.String("task.id", id))

	var created *domain.Task
	err := p.run(ctx, "create task", id, func(tx postgres.Tx, at time.Time) error {
		version, err := tx.NextVersion(ctx, id)
		if err != nil {
			return err
		}

		data := domain.EventData{
			AggregateID: id,
			Name:        name,
			Description: description,
			EventType:   domain.EventTaskCreated,
			Timestamp:   domain.FormatTimestamp(at),
		}
		if err := p.append(ctx, tx, id, domain.EventTaskCreated, version, data, at); err != nil {
			return err
		}

		created, err = tx.InsertTask(ctx, &domain.Task{
			ID:          id,
			Name:        name,
			Description: description,
			Status:      domain.StatusPending,
			CreatedAt:   at,
			UpdatedAt:   at,
		})
		if err != nil {
			return err
		}

		return p.enqueue(ctx, tx, id, domain.RoutingKeyCreated, domain.TaskCreatedPayload{
			TaskID:      id,
			Name:        name,
			Description: description,
		}, at)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, err
	}

	telemetry.CommandEventsAppended.WithLabelValues(string(domain.EventTaskCreated)).Inc()
	p.logger.Info("task created", slog.String("task_id", id))
	return created, nil
}

// UpdateTask merges patch over the current row and records TaskUpdated with
// both the merged values and the previous snapshot.
func (p *Processor) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	ctx, span := otel.Tracer("command").Start(ctx, "command.update_task")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var updated *domain.Task
	err := p.run(ctx, "update task", id, func(tx postgres.Tx, at time.Time) error {
		current, err := tx.LockTask(ctx, id)
		if err != nil {
			return err
		}
		version, err := tx.NextVersion(ctx, id)
		if err != nil {
			return err
		}

		previous := current.Snapshot()
		merged := patch.Apply(previous)
		data := domain.EventData{
			AggregateID: id,
			Name:        merged.Name,
			Description: merged.Description,
			Status:      merged.Status,
			Previous:    &previous,
			EventType:   domain.EventTaskUpdated,
			Timestamp:   domain.FormatTimestamp(at),
		}
		if err := p.append(ctx, tx, id, domain.EventTaskUpdated, version, data, at); err != nil {
			return err
		}

		updated, err = tx.UpdateTask(ctx, id, patch, at)
		if err != nil {
			return err
		}

		return p.enqueue(ctx, tx, id, domain.RoutingKeyUpdated, domain.TaskUpdatedPayload{
			TaskID:       id,
			Name:         merged.Name,
			Description:  merged.Description,
			Status:       merged.Status,
			PreviousData: previous,
		}, at)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, err
	}

	telemetry.CommandEventsAppended.WithLabelValues(string(domain.EventTaskUpdated)).Inc()
	p.logger.Info("task updated", slog.String("task_id", id))
	return updated, nil
}

// DeleteTask records TaskDeleted and removes the read-model row. The event
// history is kept.
func (p *Processor) DeleteTask(ctx context.Context, id string) (*domain.Task, error) {
	ctx, span := otel.Tracer("command").Start(ctx, "command.delete_task")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	var deleted *domain.Task
	err := p.run(ctx, "delete task", id, func(tx postgres.Tx, at time.Time) error {
		if _, err := tx.LockTask(ctx, id); err != nil {
			return err
		}
		version, err := tx.NextVersion(ctx, id)
		if err != nil {
			return err
		}

		data := domain.EventData{
			AggregateID: id,
			EventType:   domain.EventTaskDeleted,
			Timestamp:   domain.FormatTimestamp(at),
		}
		if err := p.append(ctx, tx, id, domain.EventTaskDeleted, version, data, at); err != nil {
			return err
		}

		deleted, err = tx.DeleteTask(ctx, id)
		if err != nil {
			return err
		}

		return p.enqueue(ctx, tx, id, domain.RoutingKeyDeleted, domain.TaskDeletedPayload{TaskID: id}, at)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return nil, err
	}

	telemetry.CommandEventsAppended.WithLabelValues(string(domain.EventTaskDeleted)).Inc()
	p.logger.Info("task deleted", slog.String("task_id", id))
	return deleted, nil
}

// GetEventHistory returns every event recorded for id, oldest first.
// An unknown id yields an empty list.
func (p *Processor) GetEventHistory(ctx context.Context, id string) ([]domain.Event, error) {
	events, err := p.store.History(ctx, id)
	if err != nil {
		return nil, &domain.InfrastructureError{Op: "fetch events", Err: err}
	}
	return events, nil
}

// run executes fn in a transaction, retrying the whole command when another
// writer took the same event version. Domain errors pass through; anything
// else is reported as an InfrastructureError.
func (p *Processor) run(ctx context.Context, op, id string, fn func(tx postgres.Tx, at time.Time) error) error {
	policy := p.conflictPolicy
	policy.OnRetry = func(attempt int, err error) {
		telemetry.CommandVersionConflicts.Inc()
		p.logger.Warn("version conflict, retrying command",
			slog.String("op", op),
			slog.String("task_id", id),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	err := retry.Do(ctx, policy, func() error {
		return p.store.WithinTx(ctx, func(tx postgres.Tx) error {
			return fn(tx, p.now())
		})
	})
	if err == nil {
		if p.kicker != nil {
			p.kicker.Kick()
		}
		return nil
	}

	var (
		validation *domain.ValidationError
		notFound   *domain.TaskNotFoundError
		conflict   *domain.VersionConflictError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &notFound), errors.As(err, &conflict):
		return err
	default:
		p.logger.Error(op+" failed", slog.String("task_id", id), slog.String("error", err.Error()))
		return &domain.InfrastructureError{Op: op, Err: err}
	}
}

func (p *Processor) append(ctx context.Context, tx postgres.Tx, id string, kind domain.EventType, version int, data domain.EventData, at time.Time) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event data: %w", kind, err)
	}
	return tx.AppendEvent(ctx, &domain.Event{
		AggregateID:   id,
		AggregateType: domain.AggregateType,
		EventType:     kind,
		EventData:     raw,
		EventVersion:  version,
		OccurredAt:    at,
	})
}

func (p *Processor) enqueue(ctx context.Context, tx postgres.Tx, id, routingKey string, payload any, at time.Time) error {
	env, err := domain.NewEnvelope(routingKey, payload, at)
	if err != nil {
		return fmt.Errorf("build %s envelope: %w", routingKey, err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", routingKey, err)
	}
	return tx.EnqueueOutbox(ctx, &postgres.OutboxMessage{
		AggregateID: id,
		RoutingKey:  routingKey,
		Payload:     body,
		CreatedAt:   at,
	})
}

func isConflict(err error) bool {
	var conflict *domain.VersionConflictError
	return errors.As(err, &conflict)
}
