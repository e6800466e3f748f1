package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/convo-crm/backend/internal/models"
)

type mockLookup struct{ mock.Mock }

func (m *mockLookup) FindByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	args := m.Called(ctx, domain)
	t, _ := args.Get(0).(*models.Tenant)
	return t, args.Error(1)
}

type mockCache struct{ mock.Mock }

func (m *mockCache) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	return args.Get(0).(*redis.StringCmd)
}

func (m *mockCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.StatusCmd)
}

func TestCachedLookup(t *testing.T) {
	ctx := context.Background()
	tenant := &models.Tenant{ID: uuid.New(), Name: "Acme", Subdomain: "acme"}
	encoded, err := json.Marshal(tenant)
	require.NoError(t, err)

	t.Run("should serve a cache hit without touching the repository", func(t *testing.T) {
		next := new(mockLookup)
		cache := new(mockCache)
		cache.On("Get", ctx, "tenant:domain:acme").Return(redis.NewStringResult(string(encoded), nil))

		got, err := NewCachedLookup(next, cache, time.Minute, nil).FindByDomain(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, got.ID)
		next.AssertNotCalled(t, "FindByDomain", mock.Anything, mock.Anything)
	})

	t.Run("should populate the cache on a miss", func(t *testing.T) {
		next := new(mockLookup)
		cache := new(mockCache)
		cache.On("Get", ctx, "tenant:domain:acme").Return(redis.NewStringResult("", redis.Nil))
		next.On("FindByDomain", ctx, "acme").Return(tenant, nil)
		cache.On("Set", ctx, "tenant:domain:acme", encoded, time.Minute).Return(redis.NewStatusResult("OK", nil))

		got, err := NewCachedLookup(next, cache, time.Minute, nil).FindByDomain(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tenant.Subdomain, got.Subdomain)
		cache.AssertExpectations(t)
	})

	t.Run("should fall through when redis is down", func(t *testing.T) {
		next := new(mockLookup)
		cache := new(mockCache)
		down := errors.New("connection refused")
		cache.On("Get", ctx, "tenant:domain:acme").Return(redis.NewStringResult("", down))
		next.On("FindByDomain", ctx, "acme").Return(tenant, nil)
		cache.On("Set", ctx, "tenant:domain:acme", encoded, time.Minute).Return(redis.NewStatusResult("", down))

		got, err := NewCachedLookup(next, cache, time.Minute, nil).FindByDomain(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, got.ID)
	})

	t.Run("should not cache a missing tenant", func(t *testing.T) {
		next := new(mockLookup)
		cache := new(mockCache)
		cache.On("Get", ctx, "tenant:domain:nope").Return(redis.NewStringResult("", redis.Nil))
		next.On("FindByDomain", ctx, "nope").Return(nil, ErrTenantNotFound)

		_, err := NewCachedLookup(next, cache, time.Minute, nil).FindByDomain(ctx, "nope")
		assert.ErrorIs(t, err, ErrTenantNotFound)
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
