package resolution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"bundlenudge.sh/internal/models"
)

// DefaultCacheTTL is T_cache from spec §4.5 step 2: how long a resolved
// (app, channel) row may be served stale before the next check re-reads it.
const DefaultCacheTTL = 5 * time.Second

// channelCache is the (app_id, channel_name) -> channel_row cache of
// §4.5 step 2. It is always best-effort: a cache miss or error falls
// through to the repository, never to an error response.
type channelCache interface {
	Get(ctx context.Context, key string) (*models.Channel, bool)
	Set(ctx context.Context, key string, ch *models.Channel)
	// Invalidate drops key so a write path can bypass the cache
	// immediately instead of waiting out the TTL (§4.5 step 2).
	Invalidate(ctx context.Context, key string)
}

func channelCacheKey(appID, channelName string) string {
	return appID + "\x00" + channelName
}

// inMemoryChannelCache backs the single-process default: an expirable LRU,
// mirroring the teacher's in-memory fallback for its Valkey-backed rate
// limiter (internal/middleware/ratelimit_valkey.go) when no Redis is
// configured.
type inMemoryChannelCache struct {
	lru *lru.LRU[string, *models.Channel]
}

func newInMemoryChannelCache(ttl time.Duration, size int) *inMemoryChannelCache {
	if size <= 0 {
		size = 4096
	}
	return &inMemoryChannelCache{lru: lru.NewLRU[string, *models.Channel](size, nil, ttl)}
}

func (c *inMemoryChannelCache) Get(_ context.Context, key string) (*models.Channel, bool) {
	return c.lru.Get(key)
}

func (c *inMemoryChannelCache) Set(_ context.Context, key string, ch *models.Channel) {
	c.lru.Add(key, ch)
}

func (c *inMemoryChannelCache) Invalidate(_ context.Context, key string) {
	c.lru.Remove(key)
}

// redisChannelCache backs multi-replica deployments so every C7 instance
// observes the same 5s cache window instead of each holding its own stale
// copy; selected when Config.RedisAddr is set, the same
// fallback shape as internal/middleware/ratelimit_valkey.go.
type redisChannelCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func newRedisChannelCache(client *redis.Client, ttl time.Duration) *redisChannelCache {
	return &redisChannelCache{client: client, ttl: ttl, prefix: "bundlenudge:channel:"}
}

func (c *redisChannelCache) Get(ctx context.Context, key string) (*models.Channel, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var ch models.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, false
	}
	return &ch, true
}

func (c *redisChannelCache) Set(ctx context.Context, key string, ch *models.Channel) {
	data, err := json.Marshal(ch)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

func (c *redisChannelCache) Invalidate(ctx context.Context, key string) {
	_ = c.client.Del(ctx, c.prefix+key).Err()
}

// NewRedisClient is a small convenience wrapper so callers building a
// Service don't need to import go-redis directly just to wire the cache.
func NewRedisClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis/valkey: %w", err)
	}
	return client, nil
}
