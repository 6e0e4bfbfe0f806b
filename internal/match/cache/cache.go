package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/awarddata/linkage-platform/internal/match"
	"github.com/awarddata/linkage-platform/pkg/config"
	pkgredis "github.com/awarddata/linkage-platform/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "match:"

// ResultCache memoises match results in Redis, collapsing concurrent misses
// for the same record with singleflight. Keys embed the reference-set version
// so a reloaded set never serves results computed against the old one.
type ResultCache struct {
	client *pkgredis.Client
	cfg    config.RedisConfig
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func New(client *pkgredis.Client, cfg config.RedisConfig) *ResultCache {
	return &ResultCache{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "match-cache"),
	}
}

func (c *ResultCache) Get(ctx context.Context, version string, q match.QueryRecord) (*match.Result, bool) {
	key := c.buildKey(version, q)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if pkgredis.IsNilError(err) {
			c.misses.Add(1)
			return nil, false
		}
		c.logger.Error("cache get failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	var result match.Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &result, true
}

func (c *ResultCache) Set(ctx context.Context, version string, q match.QueryRecord, result *match.Result) {
	key := c.buildKey(version, q)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.cfg.CacheTTL.Std()); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for q or computes, caches, and
// returns it. The second return reports whether it was a cache hit.
func (c *ResultCache) GetOrCompute(
	ctx context.Context,
	version string,
	q match.QueryRecord,
	computeFn func() (*match.Result, error),
) (*match.Result, bool, error) {
	if result, ok := c.Get(ctx, version, q); ok {
		return result, true, nil
	}
	key := c.buildKey(version, q)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if result, ok := c.Get(ctx, version, q); ok {
			return result, nil
		}
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, version, q, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*match.Result), false, nil
}

// Invalidate drops all cached match results. Called when the reference set is
// reloaded.
func (c *ResultCache) Invalidate(ctx context.Context) error {
	pattern := keyPrefix + "*"
	deleted, err := c.client.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating match cache: %w", err)
	}
	c.logger.Info("match cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ResultCache) buildKey(version string, q match.QueryRecord) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", version, q.PrimaryID, q.SecondaryID, q.Name)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
