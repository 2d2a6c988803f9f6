package orgsettings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CurtisStartsCoding/radscheduler-sub000/pkg/logging"
)

// Source is anything that can load settings; *Store satisfies it.
type Source interface {
	Get(ctx context.Context, orgID string) (*Settings, error)
}

// CachedSource is a Redis read-through cache in front of a Source. Settings
// change rarely but are read on every outbound SMS, so a short TTL keeps the
// database out of the hot path without making edits wait long.
type CachedSource struct {
	inner  Source
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

const defaultCacheTTL = 60 * time.Second

// NewCachedSource wraps inner with a Redis cache. A zero ttl uses the default.
func NewCachedSource(inner Source, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedSource{inner: inner, client: client, ttl: ttl, logger: logger}
}

var _ Source = (*CachedSource)(nil)

func cacheKey(orgID string) string {
	return "orgsettings:" + orgID
}

// Get returns cached settings when present, otherwise loads and caches them.
// Cache failures fall through to the database.
func (c *CachedSource) Get(ctx context.Context, orgID string) (*Settings, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, cacheKey(orgID)).Result()
		if err == nil {
			var out Settings
			if jsonErr := json.Unmarshal([]byte(raw), &out); jsonErr == nil {
				return &out, nil
			}
			// Corrupt entry; drop it and reload.
			c.client.Del(ctx, cacheKey(orgID))
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("orgsettings cache read failed", "error", err, "org_id", orgID)
		}
	}

	set, err := c.inner.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if c.client != nil {
		if raw, err := json.Marshal(set); err == nil {
			if err := c.client.Set(ctx, cacheKey(orgID), raw, c.ttl).Err(); err != nil {
				c.logger.Warn("orgsettings cache write failed", "error", err, "org_id", orgID)
			}
		}
	}
	return set, nil
}

// Invalidate drops the cached entry after an update.
func (c *CachedSource) Invalidate(ctx context.Context, orgID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(orgID)).Err(); err != nil {
		c.logger.Warn("orgsettings cache invalidate failed", "error", err, "org_id", orgID)
	}
}
