package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a rate limiter check.
type Decision struct {
	Allowed bool
	// Count is the number of requests seen in the current window, this one included.
	Count int64
	// RetryAfter is how long the caller should wait when not allowed.
	RetryAfter time.Duration
}

// RateLimiter allows or denies requests per key using a sliding window in Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter allowing
// limit requests per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records the request in a sorted set scored by arrival time and
// counts the entries still inside the window.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "ratelimit:" + key
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()[:8]

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, rkey)
	oldestCmd := pipe.ZRangeWithScores(ctx, rkey, 0, 0)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	d := Decision{Count: countCmd.Val(), Allowed: countCmd.Val() <= int64(r.limit)}
	if !d.Allowed {
		d.RetryAfter = r.window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			if wait := time.Duration(int64(oldest[0].Score) + r.window.Nanoseconds() - now); wait > 0 {
				d.RetryAfter = wait
			}
		}
	}
	return d, nil
}
