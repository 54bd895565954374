package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds submissions per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// admit trims the window and records the event only when there is room, so
// rejected submissions do not extend a burst.
var admit = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1] - ARGV[2])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], math.ceil(ARGV[2] / 1000000) * 2)
return 1
`)

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter admits at most limit events per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	// Members must be unique even when two events share a nanosecond.
	ok, err := admit.Run(ctx, r.client, []string{"agentflow:ratelimit:" + key},
		r.now().UnixNano(), r.window.Nanoseconds(), r.limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter for %q: %w", key, err)
	}
	return ok == 1, nil
}
