//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clearauth/grantd/storage"
	"github.com/clearauth/grantd/storage/memory"
	"github.com/clearauth/grantd/storage/redis"
)

var redisURL string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		panic(err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		panic(err)
	}
	redisURL = fmt.Sprintf("redis://%s:%s/0", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newClient(t *testing.T) *goredis.Client {
	t.Helper()
	client, err := redis.New(context.Background(), redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newToken(id string) *storage.RefreshToken {
	now := time.Now().UTC()
	return &storage.RefreshToken{
		ID:          id,
		PrincipalID: "alice",
		ClientID:    "web-app",
		Scope:       "read write",
		ExpiresAt:   now.Add(24 * time.Hour),
		CreatedAt:   now,
	}
}

func TestRevocationIndex(t *testing.T) {
	client := newClient(t)
	index := redis.NewIndex(client)
	ctx := context.Background()

	revoked, err := index.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, index.Revoke(ctx, "jti-1", time.Hour))
	revoked, err = index.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Short TTL entries disappear on their own.
	require.NoError(t, index.Revoke(ctx, "jti-short", 50*time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	revoked, err = index.IsRevoked(ctx, "jti-short")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestCacheReadThrough(t *testing.T) {
	client := newClient(t)
	inner := memory.New()
	t.Cleanup(inner.Stop)

	cache := redis.NewCache(inner, client, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.CreateRefreshToken(ctx, newToken("ct-1")))

	// First read may hit the primed entry; either way the record matches
	// the durable store.
	got, err := cache.GetRefreshToken(ctx, "ct-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PrincipalID)
	assert.Equal(t, "read write", got.Scope)

	_, err = cache.GetRefreshToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestCacheRotateInvalidatesOldEntry(t *testing.T) {
	client := newClient(t)
	inner := memory.New()
	t.Cleanup(inner.Stop)

	cache := redis.NewCache(inner, client, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.CreateRefreshToken(ctx, newToken("rot-1")))
	_, err := cache.GetRefreshToken(ctx, "rot-1")
	require.NoError(t, err)

	pred := "rot-1"
	successor := newToken("rot-2")
	successor.PredecessorID = &pred
	old, err := cache.RotateRefreshToken(ctx, "rot-1", successor)
	require.NoError(t, err)
	assert.True(t, old.Revoked)

	// The cached predecessor entry must not serve the stale live record.
	got, err := cache.GetRefreshToken(ctx, "rot-1")
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	head, err := cache.GetRefreshToken(ctx, "rot-2")
	require.NoError(t, err)
	assert.False(t, head.Revoked)
}

func TestCacheReplayPropagates(t *testing.T) {
	client := newClient(t)
	inner := memory.New()
	t.Cleanup(inner.Stop)

	cache := redis.NewCache(inner, client, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.CreateRefreshToken(ctx, newToken("rep-1")))
	pred := "rep-1"
	s2 := newToken("rep-2")
	s2.PredecessorID = &pred
	_, err := cache.RotateRefreshToken(ctx, "rep-1", s2)
	require.NoError(t, err)

	thief := newToken("rep-thief")
	thief.PredecessorID = &pred
	_, err = cache.RotateRefreshToken(ctx, "rep-1", thief)
	assert.ErrorIs(t, err, storage.ErrTokenReplayed)

	got, err := cache.GetRefreshToken(ctx, "rep-2")
	require.NoError(t, err)
	assert.True(t, got.Revoked, "chain revocation must reach the successor")
}
