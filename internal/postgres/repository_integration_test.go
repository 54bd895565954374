//go:build integration

package postgres_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/postgres"
)

var testPostgresDSN string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("agentflow"),
		tcPostgres.WithUsername("agentflow"),
		tcPostgres.WithPassword("agentflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	testPostgresDSN, err = pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}

	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := postgres.Migrate(ctx, pool, nil); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := postgres.Migrate(ctx, pool, nil); err != nil {
		log.Fatalf("migrate twice: %v", err)
	}
	pool.Close()

	return m.Run()
}

func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE task_transitions, tasks, scheduled_jobs CASCADE") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func makeTask(status domain.Status, created time.Time) *domain.Task {
	return &domain.Task{
		ID:        uuid.NewString(),
		Type:      domain.TypeMaintenanceRequest,
		Title:     "Leaking tap",
		Priority:  domain.PriorityMedium,
		Status:    status,
		Payload:   []byte(`{"unit":"4B"}`),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestRepository_RecordAndGet(t *testing.T) {
	repo := postgres.NewRepository(newPool(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	task := makeTask(domain.StatusPending, now)
	require.NoError(t, repo.Record(ctx, task, &domain.Transition{TaskID: task.ID, To: domain.StatusPending, At: now}))

	task.Status = domain.StatusInProgress
	task.AssignedTo = "maintenance"
	task.UpdatedAt = now.Add(time.Second)
	require.NoError(t, repo.Record(ctx, task, &domain.Transition{
		TaskID: task.ID, From: domain.StatusPending, To: domain.StatusInProgress,
		AgentID: "maintenance", At: task.UpdatedAt,
	}))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, "maintenance", got.AssignedTo)
	assert.JSONEq(t, `{"unit":"4B"}`, string(got.Payload))
	require.Len(t, got.History, 2)
	assert.Equal(t, domain.StatusInProgress, got.History[1].To)
}

func TestRepository_StaleSnapshotIgnored(t *testing.T) {
	repo := postgres.NewRepository(newPool(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	task := makeTask(domain.StatusCompleted, now)
	task.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, repo.Record(ctx, task, nil))

	stale := task.Clone()
	stale.Status = domain.StatusInProgress
	stale.UpdatedAt = now
	require.NoError(t, repo.Record(ctx, stale, nil))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	repo := postgres.NewRepository(newPool(t))

	_, err := repo.GetByID(context.Background(), uuid.NewString())
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestRepository_ListUnfinishedAndRecent(t *testing.T) {
	repo := postgres.NewRepository(newPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	pending := makeTask(domain.StatusPending, base)
	flight := makeTask(domain.StatusAwaitingResponse, base.Add(time.Second))
	done := makeTask(domain.StatusCompleted, base.Add(2*time.Second))
	for _, task := range []*domain.Task{pending, flight, done} {
		require.NoError(t, repo.Record(ctx, task, nil))
	}

	open, err := repo.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, pending.ID, open[0].ID)
	assert.Equal(t, flight.ID, open[1].ID)

	recent, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, done.ID, recent[0].ID)
}

func TestJobRepository_DueAndMarkRun(t *testing.T) {
	jobs := postgres.NewJobRepository(newPool(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := domain.ScheduledJob{
		ID:       uuid.NewString(),
		Name:     "weekly-arrears",
		CronExpr: "0 9 * * MON",
		TaskType: domain.TypeRentArrears,
		Priority: domain.PriorityHigh,
		Enabled:  true,
	}
	require.NoError(t, jobs.Upsert(ctx, job))

	due, err := jobs.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, domain.PriorityHigh, due[0].Priority)

	require.NoError(t, jobs.MarkRun(ctx, job.ID, now, now.Add(time.Hour)))
	due, err = jobs.Due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}
