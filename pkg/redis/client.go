// Package redis wraps go-redis/v9 for the match-result cache: get/set with
// TTL plus pattern-scoped invalidation when the reference set reloads.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/awarddata/linkage-platform/pkg/config"
	"github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

// scanBatch is the COUNT hint for SCAN during invalidation; large enough to
// sweep a warm cache in a few round trips without blocking the server.
const scanBatch = 500

type Client struct {
	rdb *redis.Client
}

// NewClient connects and verifies the server with a PING. Callers treat a
// connection failure as "run without cache", not as fatal.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// FlushByPattern deletes every key matching the glob pattern, unlinking in
// scan-sized batches, and returns how many were removed.
func (c *Client) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	batch := make([]string, 0, scanBatch)
	iter := c.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			n, err := c.rdb.Unlink(ctx, batch...).Result()
			deleted += n
			if err != nil {
				return deleted, fmt.Errorf("unlinking keys: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scanning pattern %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		n, err := c.rdb.Unlink(ctx, batch...).Result()
		deleted += n
		if err != nil {
			return deleted, fmt.Errorf("unlinking keys: %w", err)
		}
	}
	return deleted, nil
}

// IsNilError reports whether err means key-not-found.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
