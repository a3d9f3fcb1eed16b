// Package redis provides a Redis-backed entitlement token cache. The
// reconciliation engine uses it to invalidate cached entitlements after
// a plan or status change so clients re-derive their token on the next
// request instead of serving stale tier data.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slidecast/billingsync/pkg/reconcile"
)

// Cache implements reconcile.TokenInvalidator backed by Redis.
type Cache struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis cache configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billingsync:token:").
	KeyPrefix string

	// TokenTTL is the TTL for cached entitlement tokens (0 = no expiration).
	TokenTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "billingsync:token:",
		TokenTTL:  24 * time.Hour,
	}
}

// New creates a new Redis token cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "billingsync:token:"
	}
	return &Cache{client: client, config: config}, nil
}

// Token is the cached entitlement snapshot for one user.
type Token struct {
	UserID   string         `json:"user_id"`
	Plan     reconcile.Tier `json:"plan"`
	Status   string         `json:"status"`
	IssuedAt time.Time      `json:"issued_at"`
}

func (c *Cache) key(userID string) string {
	return c.config.KeyPrefix + userID
}

// Put caches an entitlement token for a user.
func (c *Cache) Put(ctx context.Context, token Token) error {
	if token.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := c.client.Set(ctx, c.key(token.UserID), data, c.config.TokenTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache token: %w", err)
	}
	return nil
}

// Get returns the cached token for a user, or nil if none is cached.
func (c *Cache) Get(ctx context.Context, userID string) (*Token, error) {
	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// Invalidate implements reconcile.TokenInvalidator.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}
	return nil
}
