package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxMessage is a broker message written in the same transaction as the
// event that produced it.
type OutboxMessage struct {
	ID          int64
	AggregateID string
	RoutingKey  string
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
}

// OutboxRepository hands pending outbox rows to the relay and records the
// outcome of each delivery.
type OutboxRepository interface {
	// Claim leases up to limit due rows. A leased row is invisible to other
	// claimers until lease expires or the row is marked.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	// MarkFailed records a failed attempt. dead stops further attempts.
	MarkFailed(ctx context.Context, id int64, reason string, nextAttemptAt time.Time, dead bool) error
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
	Backlog(ctx context.Context) (int64, error)
}

type outboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository wraps a pgxpool with the OutboxRepository interface.
func NewOutboxRepository(pool *pgxpool.Pool) OutboxRepository {
	return &outboxRepository{pool: pool}
}

func (r *outboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxMessage, error) {
	now := time.Now().UTC()
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox
		SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE published_at IS NULL AND dead_at IS NULL AND next_attempt_at <= $1
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_id, routing_key, payload, attempts, created_at
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.RoutingKey, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}

	// RETURNING order is unspecified; publish in commit order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET published_at = $2, attempts = attempts + 1, last_error = NULL
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox %d published: %w", id, err)
	}
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id int64, reason string, nextAttemptAt time.Time, dead bool) error {
	var deadAt *time.Time
	if dead {
		t := time.Now().UTC()
		deadAt = &t
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, dead_at = $4
		WHERE id = $1
	`, id, reason, nextAttemptAt, deadAt)
	if err != nil {
		return fmt.Errorf("mark outbox %d failed: %w", id, err)
	}
	return nil
}

func (r *outboxRepository) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE published_at IS NOT NULL AND published_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *outboxRepository) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox
		WHERE published_at IS NULL AND dead_at IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox backlog: %w", err)
	}
	return n, nil
}
