package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/postgres/migrations"
)

// TaskRepository is the durable task history.
type TaskRepository interface {
	// Record upserts the task snapshot and appends the transition, if any.
	Record(ctx context.Context, task *domain.Task, tr *domain.Transition) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.Task, error)
	// ListUnfinished returns every non-terminal task, oldest first.
	ListUnfinished(ctx context.Context) ([]*domain.Task, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order. Migrations are
// idempotent so Migrate is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, applied func(name string)) error {
	files, err := migrations.Files()
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for _, f := range files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		if applied != nil {
			applied(f)
		}
	}
	return nil
}

const taskColumns = `id, type, title, description, priority, status, channel, payload,
	assigned_to, escalations, result, reason, created_at, updated_at, completed_at`

func (r *repository) Record(ctx context.Context, task *domain.Task, tr *domain.Transition) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				priority     = EXCLUDED.priority,
				status       = EXCLUDED.status,
				assigned_to  = EXCLUDED.assigned_to,
				escalations  = EXCLUDED.escalations,
				result       = EXCLUDED.result,
				reason       = EXCLUDED.reason,
				updated_at   = EXCLUDED.updated_at,
				completed_at = EXCLUDED.completed_at
			WHERE tasks.updated_at <= EXCLUDED.updated_at
		`,
			task.ID, task.Type, task.Title, task.Description,
			string(task.Priority), string(task.Status), task.Channel, []byte(task.Payload),
			task.AssignedTo, task.Escalations, task.Result, task.Reason,
			task.CreatedAt, task.UpdatedAt, task.CompletedAt,
		); err != nil {
			return fmt.Errorf("upsert task %s: %w", task.ID, err)
		}
		if tr == nil {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_transitions (task_id, from_status, to_status, agent_id, reason, at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, tr.TaskID, string(tr.From), string(tr.To), tr.AgentID, tr.Reason, tr.At); err != nil {
			return fmt.Errorf("insert transition for task %s: %w", task.ID, err)
		}
		return nil
	})
	return err
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT task_id, from_status, to_status, agent_id, reason, at
		FROM task_transitions
		WHERE task_id = $1
		ORDER BY at, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions for task %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var tr domain.Transition
		var from, to string
		if err := rows.Scan(&tr.TaskID, &from, &to, &tr.AgentID, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From, tr.To = domain.Status(from), domain.Status(to)
		task.History = append(task.History, tr)
	}
	return task, rows.Err()
}

func (r *repository) ListRecent(ctx context.Context, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *repository) ListUnfinished(ctx context.Context) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at, id
	`, string(domain.StatusCompleted), string(domain.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type. pgx.ErrNoRows is
// returned unwrapped.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var priority, status string
	var payload []byte
	err := row.Scan(
		&task.ID, &task.Type, &task.Title, &task.Description,
		&priority, &status, &task.Channel, &payload,
		&task.AssignedTo, &task.Escalations, &task.Result, &task.Reason,
		&task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Priority = domain.Priority(priority)
	task.Status = domain.Status(status)
	task.Payload = payload
	return &task, nil
}
