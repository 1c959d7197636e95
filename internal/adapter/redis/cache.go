package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const queryKeyPrefix = "smara:qvec:"

// QueryVectorCache memoises query embeddings. Identical concurrent misses
// share one upstream call.
type QueryVectorCache struct {
	rdb   goredis.Cmdable
	ttl   time.Duration
	group singleflight.Group
}

func NewQueryVectorCache(rdb goredis.Cmdable, ttl time.Duration) *QueryVectorCache {
	return &QueryVectorCache{rdb: rdb, ttl: ttl}
}

func queryKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return queryKeyPrefix + hex.EncodeToString(sum[:])
}

func (c *QueryVectorCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	key := queryKey(model, text)
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			slog.WarnContext(ctx, "query cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil || len(vec) == 0 {
		slog.WarnContext(ctx, "query cache entry unreadable", "key", key, "error", err)
		return nil, false
	}
	return vec, true
}

func (c *QueryVectorCache) Set(ctx context.Context, model, text string, vec []float32) {
	key := queryKey(model, text)
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "query cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached vector or computes, stores and returns it.
// Cache failures degrade to computing.
func (c *QueryVectorCache) GetOrCompute(ctx context.Context, model, text string, compute func(context.Context) ([]float32, error)) ([]float32, bool, error) {
	if vec, ok := c.Get(ctx, model, text); ok {
		return vec, true, nil
	}
	v, err, _ := c.group.Do(queryKey(model, text), func() (any, error) {
		vec, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, model, text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]float32), false, nil
}
