//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clearauth/grantd/storage"
	"github.com/clearauth/grantd/storage/postgres"
)

var dsn string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "grantd_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(2 * time.Minute),
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
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		panic(err)
	}
	dsn = fmt.Sprintf("postgres://postgres:password@%s:%s/grantd_test?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	store, err := postgres.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func newCode(id string) *storage.AuthorizationCode {
	now := time.Now().UTC()
	return &storage.AuthorizationCode{
		ID:          id,
		PrincipalID: "alice",
		ClientID:    "web-app",
		RedirectURI: "https://app.test/cb",
		Scope:       "read write",
		ExpiresAt:   now.Add(10 * time.Minute),
		CreatedAt:   now,
	}
}

func newToken(id string, predecessor *string) *storage.RefreshToken {
	now := time.Now().UTC()
	return &storage.RefreshToken{
		ID:            id,
		PrincipalID:   "alice",
		ClientID:      "web-app",
		Scope:         "read write",
		ExpiresAt:     now.Add(24 * time.Hour),
		PredecessorID: predecessor,
		CreatedAt:     now,
	}
}

func TestAuthorizationCodeLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthorizationCode(ctx, newCode("code-1")))

	got, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PrincipalID)
	assert.Equal(t, "https://app.test/cb", got.RedirectURI)
	assert.True(t, got.Consumed)

	// Second consume classifies as consumed and still returns the record.
	again, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	require.ErrorIs(t, err, storage.ErrCodeConsumed)
	require.NotNil(t, again)
	assert.Equal(t, "alice", again.PrincipalID)

	_, err = store.ConsumeAuthorizationCode(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)

	expired := newCode("code-expired")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveAuthorizationCode(ctx, expired))
	_, err = store.ConsumeAuthorizationCode(ctx, "code-expired")
	assert.ErrorIs(t, err, storage.ErrCodeExpired)
}

func TestConsumeAuthorizationCodeSingleWinner(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthorizationCode(ctx, newCode("code-race")))

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeAuthorizationCode(ctx, "code-race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one consumer must win")
}

func TestRefreshTokenRotation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRefreshToken(ctx, newToken("rt-1", nil)))

	pred := "rt-1"
	old, err := store.RotateRefreshToken(ctx, "rt-1", newToken("rt-2", &pred))
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	assert.Equal(t, "read write", old.Scope)

	got, err := store.GetRefreshToken(ctx, "rt-2")
	require.NoError(t, err)
	assert.False(t, got.Revoked)
	require.NotNil(t, got.PredecessorID)
	assert.Equal(t, "rt-1", *got.PredecessorID)
}

func TestRotationReplayRevokesChain(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRefreshToken(ctx, newToken("chain-1", nil)))
	p1 := "chain-1"
	_, err := store.RotateRefreshToken(ctx, "chain-1", newToken("chain-2", &p1))
	require.NoError(t, err)
	p2 := "chain-2"
	_, err = store.RotateRefreshToken(ctx, "chain-2", newToken("chain-3", &p2))
	require.NoError(t, err)

	// Replaying the first generation kills the live third generation too.
	old, err := store.RotateRefreshToken(ctx, "chain-1", newToken("chain-thief", &p1))
	require.ErrorIs(t, err, storage.ErrTokenReplayed)
	require.NotNil(t, old)
	assert.Equal(t, "alice", old.PrincipalID)

	head, err := store.GetRefreshToken(ctx, "chain-3")
	require.NoError(t, err)
	assert.True(t, head.Revoked)
}

func TestRotateClassification(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.RotateRefreshToken(ctx, "missing", newToken("rt-x", nil))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	expired := newToken("rt-expired", nil)
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.CreateRefreshToken(ctx, expired))
	_, err = store.RotateRefreshToken(ctx, "rt-expired", newToken("rt-y", nil))
	assert.ErrorIs(t, err, storage.ErrTokenExpired)

	// Revoked without a successor: a dead token, not replay evidence.
	require.NoError(t, store.CreateRefreshToken(ctx, newToken("rt-dead", nil)))
	require.NoError(t, store.RevokeRefreshToken(ctx, "rt-dead"))
	old, err := store.RotateRefreshToken(ctx, "rt-dead", newToken("rt-z", nil))
	assert.ErrorIs(t, err, storage.ErrTokenRevoked)
	require.NotNil(t, old)
	assert.True(t, old.Revoked)
}

func TestHasSuccessor(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRefreshToken(ctx, newToken("succ-1", nil)))

	rotated, err := store.HasSuccessor(ctx, "succ-1")
	require.NoError(t, err)
	assert.False(t, rotated)

	pred := "succ-1"
	_, err = store.RotateRefreshToken(ctx, "succ-1", newToken("succ-2", &pred))
	require.NoError(t, err)

	rotated, err = store.HasSuccessor(ctx, "succ-1")
	require.NoError(t, err)
	assert.True(t, rotated)

	rotated, err = store.HasSuccessor(ctx, "succ-2")
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestRevokeAllForPrincipalClient(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRefreshToken(ctx, newToken("bulk-1", nil)))
	require.NoError(t, store.CreateRefreshToken(ctx, newToken("bulk-2", nil)))
	other := newToken("bulk-other", nil)
	other.ClientID = "batch-svc"
	require.NoError(t, store.CreateRefreshToken(ctx, other))

	n, err := store.RevokeAllForPrincipalClient(ctx, "alice", "web-app")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	kept, err := store.GetRefreshToken(ctx, "bulk-other")
	require.NoError(t, err)
	assert.False(t, kept.Revoked)
}

func TestDeleteExpired(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	expiredCode := newCode("del-code")
	expiredCode.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.SaveAuthorizationCode(ctx, expiredCode))

	expiredToken := newToken("del-token", nil)
	expiredToken.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.CreateRefreshToken(ctx, expiredToken))

	n, err := store.DeleteExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	_, err = store.GetRefreshToken(ctx, "del-token")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestRevocationIndex(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.Revoke(ctx, "jti-1", time.Hour))
	revoked, err = store.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Zero TTL is a no-op: natural expiry already passed.
	require.NoError(t, store.Revoke(ctx, "jti-2", 0))
	revoked, err = store.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}
