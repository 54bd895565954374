package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// newTestClient connects to localhost:6379 and skips when Redis is absent.
func newTestClient(tb testing.TB) *redis.Client {
	tb.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:         "localhost:6379",
		DialTimeout:  1 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		tb.Skipf("Redis not available at localhost:6379: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStateStore_RecordAndRead(t *testing.T) {
	store := NewStateStore(newTestClient(t))
	ctx := context.Background()

	task := &domain.Task{
		ID:         "it-" + uuid.NewString(),
		Type:       domain.TypePropertyEnquiry,
		Priority:   domain.PriorityHigh,
		Status:     domain.StatusInProgress,
		AssignedTo: "sales",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Record(ctx, task, nil))

	status, err := store.GetStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, status)

	got, err := store.GetTaskMeta(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "sales", got.AssignedTo)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
}

func TestStateStore_TracksAgentInFlight(t *testing.T) {
	store := NewStateStore(newTestClient(t))
	ctx := context.Background()
	agentID := "agent-" + uuid.NewString()

	task := &domain.Task{ID: "it-" + uuid.NewString(), Status: domain.StatusInProgress, AssignedTo: agentID}
	require.NoError(t, store.Record(ctx, task, &domain.Transition{TaskID: task.ID, From: domain.StatusPending, To: domain.StatusInProgress, AgentID: agentID}))

	ids, err := store.InFlight(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids)

	task.Status = domain.StatusAwaitingResponse
	require.NoError(t, store.Record(ctx, task, &domain.Transition{TaskID: task.ID, From: domain.StatusInProgress, To: domain.StatusAwaitingResponse, AgentID: agentID}))
	ids, err = store.InFlight(ctx, agentID)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "awaiting a reply still holds the slot")

	task.Status, task.AssignedTo = domain.StatusCompleted, agentID
	require.NoError(t, store.Record(ctx, task, &domain.Transition{TaskID: task.ID, From: domain.StatusAwaitingResponse, To: domain.StatusCompleted, AgentID: agentID}))
	ids, err = store.InFlight(ctx, agentID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStateStore_Missing(t *testing.T) {
	store := NewStateStore(newTestClient(t))

	_, err := store.GetTaskMeta(context.Background(), "missing-"+uuid.NewString())
	assert.True(t, domain.IsNotFound(err))
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(newTestClient(t), 2, time.Minute)
	ctx := context.Background()
	key := "it-" + uuid.NewString()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, rl.Limit())
}

func TestRateLimiter_RejectionsDoNotConsumeWindow(t *testing.T) {
	rl := NewRateLimiter(newTestClient(t), 1, time.Second).(*slidingWindowLimiter)
	ctx := context.Background()
	key := "it-" + uuid.NewString()
	start := time.Now()

	rl.now = func() time.Time { return start }
	ok, err := rl.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rl.now = func() time.Time { return start.Add(500 * time.Millisecond) }
	ok, err = rl.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	rl.now = func() time.Time { return start.Add(1100 * time.Millisecond) }
	ok, err = rl.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "the rejected attempt at +500ms must not hold the window")
}

func TestLeader_SingleHolder(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "it-leader-" + uuid.NewString()

	a := NewLeader(client, key, "a", 5*time.Second)
	b := NewLeader(client, key, "b", 5*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second instance must not take a held lease")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is a no-op")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func BenchmarkStateStore_Record(b *testing.B) {
	store := NewStateStore(newTestClient(b))
	ctx := context.Background()
	task := &domain.Task{ID: "bench-record", Type: domain.TypeGeneralEnquiry, Priority: domain.PriorityLow, Status: domain.StatusPending}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.Record(ctx, task, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStateStore_GetStatus(b *testing.B) {
	store := NewStateStore(newTestClient(b))
	ctx := context.Background()
	task := &domain.Task{ID: "bench-get", Type: domain.TypeGeneralEnquiry, Priority: domain.PriorityLow, Status: domain.StatusPending}
	if err := store.Record(ctx, task, nil); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.GetStatus(ctx, task.ID); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRateLimiter_Allow_Parallel(b *testing.B) {
	rl := NewRateLimiter(newTestClient(b), 1_000_000, time.Second)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := rl.Allow(ctx, "bench-parallel"); err != nil {
				b.Fatal(err)
			}
		}
	})
}
