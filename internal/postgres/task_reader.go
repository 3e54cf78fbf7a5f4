package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
)

const taskColumns = `id, name, description, status, created_at, updated_at`

// TaskReader serves read-model queries for the query side.
type TaskReader interface {
	List(ctx context.Context) ([]domain.Task, error)
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	SearchByName(ctx context.Context, term string) ([]domain.Task, error)
}

type taskReader struct {
	pool *pgxpool.Pool
}

// NewTaskReader wraps a pgxpool with the TaskReader interface.
func NewTaskReader(pool *pgxpool.Pool) TaskReader {
	return &taskReader{pool: pool}
}

func (r *taskReader) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *taskReader) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id)
	return scanTask(row, id)
}

func (r *taskReader) SearchByName(ctx context.Context, term string) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE LOWER(name) LIKE LOWER($1) ESCAPE '\'
		ORDER BY created_at DESC
	`, containsPattern(term))
	if err != nil {
		return nil, fmt.Errorf("search tasks %q: %w", term, err)
	}
	return collectTasks(rows)
}

// likeEscaper makes LIKE metacharacters in a search term match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern returns a LIKE pattern matching names that contain term.
func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()
	tasks := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type. id names the task in
// the not-found error.
func scanTask(row interface {
	Scan(...any) error
}, id string) (*domain.Task, error) {
	var task domain.Task
	var statusStr string
	err := row.Scan(
		&task.ID, &task.Name, &task.Description, &statusStr,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	return &task, nil
}
