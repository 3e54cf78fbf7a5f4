package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
)

const (
	uniqueViolation        = "23505"
	eventVersionConstraint = "events_aggregate_version_key"
)

// Tx is the unit of work a command runs in. Every call shares one
// transaction; nothing is visible to other sessions until commit.
type Tx interface {
	// LockTask reads the projection row and holds a row lock until commit.
	LockTask(ctx context.Context, id string) (*domain.Task, error)
	NextVersion(ctx context.Context, aggregateID string) (int, error)
	AppendEvent(ctx context.Context, evt *domain.Event) error
	InsertTask(ctx context.Context, task *domain.Task) (*domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, at time.Time) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) (*domain.Task, error)
	EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error
}

// EventStore appends events together with their projection changes and
// serves the per-aggregate history.
type EventStore interface {
	// WithinTx runs fn in a transaction. It commits when fn returns nil
	// and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	History(ctx context.Context, aggregateID string) ([]domain.Event, error)
}

type eventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore wraps a pgxpool with the EventStore interface.
func NewEventStore(pool *pgxpool.Pool) EventStore {
	return &eventStore{pool: pool}
}

func (s *eventStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *eventStore) History(ctx context.Context, aggregateID string) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, event_version, occurred_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY event_version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var e domain.Event
		var eventType string
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType, &eventType,
			&e.EventData, &e.EventVersion, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = domain.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockTask(ctx context.Context, id string) (*domain.Task, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanTask(row, id)
}

func (t *pgTx) NextVersion(ctx context.Context, aggregateID string) (int, error) {
	var next int
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(event_version), 0) + 1
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next version for %s: %w", aggregateID, err)
	}
	return next, nil
}

func (t *pgTx) AppendEvent(ctx context.Context, evt *domain.Event) error {
	if evt.AggregateType == "" {
		evt.AggregateType = domain.AggregateType
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO events
			(aggregate_id, aggregate_type, event_type, event_data, event_version, occurred_at)
		VALUES
			($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		evt.AggregateID, evt.AggregateType, string(evt.EventType),
		evt.EventData, evt.EventVersion, evt.OccurredAt,
	).Scan(&evt.ID)
	if err != nil {
		if isVersionConflict(err) {
			return &domain.VersionConflictError{AggregateID: evt.AggregateID, Version: evt.EventVersion}
		}
		return fmt.Errorf("append %s event for %s: %w", evt.EventType, evt.AggregateID, err)
	}
	return nil
}

func (t *pgTx) InsertTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO tasks
			(id, name, description, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6)
		RETURNING `+taskColumns,
		task.ID, task.Name, task.Description, string(task.Status),
		task.CreatedAt, task.UpdatedAt,
	)
	created, err := scanTask(row, task.ID)
	if err != nil {
		return nil, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return created, nil
}

// updateTaskSQL is the single statement every partial update uses.
// Absent fields bind NULL and COALESCE keeps the stored value.
const updateTaskSQL = `
	UPDATE tasks
	SET name        = COALESCE($2, name),
	    description = COALESCE($3, description),
	    status      = COALESCE($4, status),
	    updated_at  = $5
	WHERE id = $1
	RETURNING ` + taskColumns

// updateTaskArgs binds a patch to updateTaskSQL's parameters.
func updateTaskArgs(id string, patch domain.TaskPatch, at time.Time) []any {
	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}
	return []any{id, patch.Name, patch.Description, status, at}
}

func (t *pgTx) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch, at time.Time) (*domain.Task, error) {
	row := t.tx.QueryRow(ctx, updateTaskSQL, updateTaskArgs(id, patch, at)...)
	return scanTask(row, id)
}

func (t *pgTx) DeleteTask(ctx context.Context, id string) (*domain.Task, error) {
	row := t.tx.QueryRow(ctx, `
		DELETE FROM tasks
		WHERE id = $1
		RETURNING `+taskColumns, id)
	return scanTask(row, id)
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg *OutboxMessage) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO outbox
			(aggregate_id, routing_key, payload, created_at, next_attempt_at)
		VALUES
			($1, $2, $3, $4, $4)
		RETURNING id
	`, msg.AggregateID, msg.RoutingKey, msg.Payload, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("enqueue outbox %s for %s: %w", msg.RoutingKey, msg.AggregateID, err)
	}
	return nil
}

// isVersionConflict reports whether err is a unique violation on the
// (aggregate_id, event_version) constraint.
func isVersionConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && pgErr.ConstraintName == eventVersionConstraint
}
