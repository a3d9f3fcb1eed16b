package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidecast/billingsync/pkg/reconcile"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return cache
}

func TestCachePutGet(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	token := Token{
		UserID:   "42",
		Plan:     reconcile.TierBasic,
		Status:   "active",
		IssuedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, cache.Put(ctx, token))

	got, err := cache.Get(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, reconcile.TierBasic, got.Plan)
	assert.Equal(t, "active", got.Status)
	assert.True(t, token.IssuedAt.Equal(got.IssuedAt))
}

func TestCacheGetMissing(t *testing.T) {
	cache := newTestCache(t)

	got, err := cache.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheInvalidate(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, Token{UserID: "42", Plan: reconcile.TierPremium}))
	require.NoError(t, cache.Invalidate(ctx, "42"))

	got, err := cache.Get(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Invalidating an absent key is not an error.
	require.NoError(t, cache.Invalidate(ctx, "42"))
}

func TestCacheRequiresClient(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}
