package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// Leader is a single-key lease. Only the instance holding the key may renew
// or release it.
type Leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration) *Leader {
	return &Leader{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// Acquire takes the lease if it is free, or renews it if this instance
// already holds it. It reports whether this instance is the leader.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader setnx %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release gives up the lease if held.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release %s: %w", l.key, err)
	}
	return nil
}

func (l *Leader) InstanceID() string { return l.instanceID }
