package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a Redis-held exclusive lease with an owner and a TTL.
type Lease interface {
	// Acquire takes the lease or renews it if this owner already holds it.
	Acquire(ctx context.Context) (bool, error)
	// Release drops the lease if this owner holds it.
	Release(ctx context.Context) error
}

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

type lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewLease returns a lease on key held as owner for ttl at a time.
func NewLease(client *redis.Client, key, owner string, ttl time.Duration) Lease {
	return &lease{client: client, key: key, owner: owner, ttl: ttl}
}

func (l *lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease setnx %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	// Held already; renew only if the holder is us.
	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease renew %s: %w", l.key, err)
	}
	return result == 1, nil
}

func (l *lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release %s: %w", l.key, err)
	}
	return nil
}
