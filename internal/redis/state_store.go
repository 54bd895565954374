package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

const (
	activeTTL   = 24 * time.Hour
	terminalTTL = 6 * time.Hour
)

func statusKey(taskID string) string { return "agentflow:task:status:" + taskID }
func metaKey(taskID string) string   { return "agentflow:task:meta:" + taskID }
func agentKey(agentID string) string { return "agentflow:agent:inflight:" + agentID }

// StateStore keeps the latest snapshot of every task in Redis, plus the set
// of tasks each agent is holding, so dashboards and other instances can read
// them without touching Postgres.
type StateStore interface {
	// Record stores the snapshot taken after a transition.
	Record(ctx context.Context, task *domain.Task, tr *domain.Transition) error
	GetStatus(ctx context.Context, taskID string) (domain.Status, error)
	GetTaskMeta(ctx context.Context, taskID string) (*domain.Task, error)
	// InFlight lists the task IDs an agent holds, in no particular order.
	InFlight(ctx context.Context, agentID string) ([]string, error)
}

type stateStore struct {
	client *redis.Client
}

// NewStateStore creates a Redis-backed StateStore.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

// NewClient returns a client tuned for short, latency-sensitive commands.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *stateStore) Record(ctx context.Context, task *domain.Task, tr *domain.Transition) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	ttl := activeTTL
	if task.Status.IsTerminal() {
		ttl = terminalTTL
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, metaKey(task.ID), data, ttl)
	pipe.Set(ctx, statusKey(task.ID), string(task.Status), ttl)
	switch {
	case task.Status.IsInFlight() && task.AssignedTo != "":
		pipe.SAdd(ctx, agentKey(task.AssignedTo), task.ID)
		pipe.Expire(ctx, agentKey(task.AssignedTo), activeTTL)
	case tr != nil && tr.AgentID != "":
		// Released: completed, failed, escalated away or rolled back.
		pipe.SRem(ctx, agentKey(tr.AgentID), task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record task %s: %w", task.ID, err)
	}
	return nil
}

func (s *stateStore) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, statusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}

func (s *stateStore) GetTaskMeta(ctx context.Context, taskID string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, metaKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get meta for %s: %w", taskID, err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task meta: %w", err)
	}
	return &task, nil
}

func (s *stateStore) InFlight(ctx context.Context, agentID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, agentKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis in-flight for agent %s: %w", agentID, err)
	}
	return ids, nil
}
