package db

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisDB struct {
	*redis.Client
}

// NewRedis parses a redis:// URL, applies pool settings suited to the
// blocking dequeue pattern, and verifies connectivity with a ping.
func NewRedis(ctx context.Context, url string) (*RedisDB, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	// Blocking BLMOVE calls pin a connection each, so the pool must be
	// larger than the worker concurrency.
	if opts.PoolSize < 32 {
		opts.PoolSize = 32
	}
	opts.MinIdleConns = 5
	opts.ConnMaxLifetime = time.Hour

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisDB{Client: client}, nil
}
