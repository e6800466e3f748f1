package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/models"
)

const cacheKeyPrefix = "tenant:domain:"

// cacheClient is the subset of go-redis used by CachedLookup.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedLookup is a read-through Redis cache in front of another Lookup.
// Only found tenants are cached; cache errors fall through to the backing lookup.
type CachedLookup struct {
	next   Lookup
	client cacheClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedLookup wraps next with a Redis cache.
func NewCachedLookup(next Lookup, client cacheClient, ttl time.Duration, logger *zap.Logger) *CachedLookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedLookup{next: next, client: client, ttl: ttl, logger: logger}
}

// FindByDomain implements Lookup.
func (c *CachedLookup) FindByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	key := cacheKeyPrefix + domain
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var t models.Tenant
		if jsonErr := json.Unmarshal(raw, &t); jsonErr == nil {
			return &t, nil
		}
		c.logger.Warn("corrupt tenant cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("tenant cache get failed", zap.String("key", key), zap.Error(err))
	}

	t, err := c.next.FindByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	if body, err := json.Marshal(t); err == nil {
		if err := c.client.Set(ctx, key, body, c.ttl).Err(); err != nil {
			c.logger.Warn("tenant cache set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return t, nil
}
