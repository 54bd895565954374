package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// JobRepository stores cron-driven submissions.
type JobRepository interface {
	Due(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error)
	MarkRun(ctx context.Context, id string, ranAt, next time.Time) error
	Upsert(ctx context.Context, job domain.ScheduledJob) error
}

type jobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepository{pool: pool}
}

func (r *jobRepository) Due(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, cron_expr, task_type, title, priority, payload, enabled, last_run_at, next_run_at
		FROM scheduled_jobs
		WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at ASC NULLS FIRST
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query scheduled_jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.ScheduledJob
	for rows.Next() {
		var j domain.ScheduledJob
		var priority string
		var payload []byte
		if err := rows.Scan(
			&j.ID, &j.Name, &j.CronExpr, &j.TaskType, &j.Title, &priority,
			&payload, &j.Enabled, &j.LastRunAt, &j.NextRunAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled_job: %w", err)
		}
		j.Priority = domain.Priority(priority)
		j.Payload = payload
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *jobRepository) MarkRun(ctx context.Context, id string, ranAt, next time.Time) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET last_run_at = $1, next_run_at = $2
		WHERE id = $3
	`, ranAt, next, id); err != nil {
		return fmt.Errorf("update scheduled_job %s: %w", id, err)
	}
	return nil
}

func (r *jobRepository) Upsert(ctx context.Context, j domain.ScheduledJob) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, name, cron_expr, task_type, title, priority, payload, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			cron_expr = EXCLUDED.cron_expr,
			task_type = EXCLUDED.task_type,
			title     = EXCLUDED.title,
			priority  = EXCLUDED.priority,
			payload   = EXCLUDED.payload,
			enabled   = EXCLUDED.enabled
	`, j.ID, j.Name, j.CronExpr, j.TaskType, j.Title, string(j.Priority), []byte(j.Payload), j.Enabled); err != nil {
		return fmt.Errorf("upsert scheduled_job %q: %w", j.Name, err)
	}
	return nil
}
