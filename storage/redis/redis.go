// Package redis provides a Redis-backed revocation index and a
// read-through cache in front of a durable grant store. The cache only
// serves reads; every compare-and-swap still runs against the durable
// store, so single-use and rotation guarantees are unaffected by cache
// staleness.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearauth/grantd/instrumentation"
	"github.com/clearauth/grantd/storage"
)

const (
	tokenKeyPrefix   = "grantd:rt:"
	revokedKeyPrefix = "grantd:revoked:"
)

// DefaultCacheTTL bounds how stale a cached refresh-token record can get.
// Revocations write through to the durable store, so a cached record may
// briefly read as live after a chain revocation; the rotation CAS still
// rejects it. The TTL caps that window.
const DefaultCacheTTL = 30 * time.Second

// New connects to Redis at url and verifies connectivity.
func New(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Index implements storage.RevocationIndex on Redis. Entries expire with
// the access token they shadow, so the index never needs sweeping.
type Index struct {
	client *redis.Client
}

var _ storage.RevocationIndex = (*Index)(nil)

// NewIndex creates a revocation index on the given client.
func NewIndex(client *redis.Client) *Index {
	return &Index{client: client}
}

// Revoke records an access-token identifier as revoked for ttl.
func (i *Index) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := i.client.Set(ctx, revokedKeyPrefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether an access-token identifier has been revoked.
func (i *Index) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := i.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// Cache decorates a durable grant store with a Redis read cache for
// refresh-token lookups. Writes go to the durable store first; the cache
// entry is then updated or invalidated.
type Cache struct {
	inner    storage.GrantStore
	client   *redis.Client
	cacheTTL time.Duration

	// Metrics, when set, receives cache hit/miss counts and durable-store
	// operation timings.
	Metrics *instrumentation.Metrics
}

var _ storage.GrantStore = (*Cache)(nil)

// NewCache wraps inner with a read-through refresh-token cache. A
// non-positive ttl falls back to DefaultCacheTTL.
func NewCache(inner storage.GrantStore, client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{inner: inner, client: client, cacheTTL: ttl}
}

// SaveAuthorizationCode passes through. Codes are consumed once and read
// never; caching them buys nothing.
func (c *Cache) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	return c.inner.SaveAuthorizationCode(ctx, code)
}

// ConsumeAuthorizationCode passes through: the single-winner guarantee
// lives in the durable store.
func (c *Cache) ConsumeAuthorizationCode(ctx context.Context, id string) (*storage.AuthorizationCode, error) {
	start := time.Now()
	code, err := c.inner.ConsumeAuthorizationCode(ctx, id)
	c.storeOp(ctx, "consume_authorization_code", err, time.Since(start))
	return code, err
}

// CreateRefreshToken writes through and primes the cache.
func (c *Cache) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	start := time.Now()
	err := c.inner.CreateRefreshToken(ctx, token)
	c.storeOp(ctx, "create_refresh_token", err, time.Since(start))
	if err != nil {
		return err
	}
	c.prime(ctx, token)
	return nil
}

// GetRefreshToken serves from cache when possible.
func (c *Cache) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	payload, err := c.client.Get(ctx, tokenKeyPrefix+id).Result()
	if err == nil {
		var token storage.RefreshToken
		if jsonErr := json.Unmarshal([]byte(payload), &token); jsonErr == nil {
			c.lookup(ctx, true)
			return &token, nil
		}
		// Corrupt entry: drop it and fall through to the durable store.
		c.client.Del(ctx, tokenKeyPrefix+id)
	} else if !errors.Is(err, redis.Nil) {
		// Redis down degrades to durable-store reads, not to failure.
		c.lookup(ctx, false)
		return c.inner.GetRefreshToken(ctx, id)
	}
	c.lookup(ctx, false)

	token, err := c.inner.GetRefreshToken(ctx, id)
	if err != nil {
		return nil, err
	}
	c.prime(ctx, token)
	return token, nil
}

// RotateRefreshToken runs the CAS on the durable store, then drops the old
// entry and primes the successor.
func (c *Cache) RotateRefreshToken(ctx context.Context, oldID string, successor *storage.RefreshToken) (*storage.RefreshToken, error) {
	start := time.Now()
	old, err := c.inner.RotateRefreshToken(ctx, oldID, successor)
	c.storeOp(ctx, "rotate_refresh_token", err, time.Since(start))
	c.invalidate(ctx, oldID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenReplayed) {
			// The chain just died; whatever we had cached of it is stale.
			c.invalidate(ctx, successor.ID)
		}
		return old, err
	}
	c.prime(ctx, successor)
	return old, nil
}

// HasSuccessor passes through. Rotation state feeds replay decisions and
// is never served from cache.
func (c *Cache) HasSuccessor(ctx context.Context, id string) (bool, error) {
	return c.inner.HasSuccessor(ctx, id)
}

// RevokeRefreshToken writes through and invalidates.
func (c *Cache) RevokeRefreshToken(ctx context.Context, id string) error {
	err := c.inner.RevokeRefreshToken(ctx, id)
	c.invalidate(ctx, id)
	return err
}

// RevokeChain writes through. Chain members other than id cannot be
// enumerated here; their cached copies age out within the cache TTL, and
// the rotation CAS rejects them meanwhile.
func (c *Cache) RevokeChain(ctx context.Context, id string) (int, error) {
	n, err := c.inner.RevokeChain(ctx, id)
	c.invalidate(ctx, id)
	return n, err
}

// RevokeAllForPrincipalClient writes through; see RevokeChain for the
// staleness bound on cached members.
func (c *Cache) RevokeAllForPrincipalClient(ctx context.Context, principalID, clientID string) (int, error) {
	return c.inner.RevokeAllForPrincipalClient(ctx, principalID, clientID)
}

// DeleteExpired passes through; cache entries carry their own TTL.
func (c *Cache) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return c.inner.DeleteExpired(ctx, now)
}

// prime stores a record in the cache. Failures are ignored: the durable
// store remains the source of truth.
func (c *Cache) prime(ctx context.Context, token *storage.RefreshToken) {
	ttl := c.cacheTTL
	if until := time.Until(token.ExpiresAt); until < ttl {
		ttl = until
	}
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return
	}
	c.client.Set(ctx, tokenKeyPrefix+token.ID, payload, ttl)
}

func (c *Cache) invalidate(ctx context.Context, id string) {
	c.client.Del(ctx, tokenKeyPrefix+id)
}

func (c *Cache) lookup(ctx context.Context, hit bool) {
	c.Metrics.RecordCacheLookup(ctx, hit)
}

func (c *Cache) storeOp(ctx context.Context, operation string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Metrics.RecordStoreOperation(ctx, operation, result, d)
}
