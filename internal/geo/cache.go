package geo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "geo:"

// CachedResolver is a read-through Redis cache in front of another resolver.
// Only successful lookups are cached; Redis failures fall through to the
// underlying resolver.
type CachedResolver struct {
	next   Resolver
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedResolver wraps next with a Redis cache.
func NewCachedResolver(next Resolver, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedResolver{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// Lookup implements Resolver.
func (c *CachedResolver) Lookup(ctx context.Context, ip string) (*Record, error) {
	if ip == "" {
		return c.next.Lookup(ctx, ip)
	}
	key := cacheKeyPrefix + ip

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec Record
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil {
			return &rec, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Debug("geo cache read failed", "ip", ip, "err", err)
	}

	rec, err := c.next.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rec); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Debug("geo cache write failed", "ip", ip, "err", err)
		}
	}
	return rec, nil
}
