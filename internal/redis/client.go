package redis

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client from either a redis:// URL or a bare host:port.
func NewClient(addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 1 * time.Second
	opts.WriteTimeout = 1 * time.Second
	opts.PoolSize = 10
	return redis.NewClient(opts), nil
}
