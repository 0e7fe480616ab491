package grant

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearauth/grantd/storage"
	"github.com/clearauth/grantd/storage/memory"
)

func TestSweeperReapsExpiredRecords(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		ID:          "expired-code",
		PrincipalID: "alice",
		ClientID:    "web-app",
		ExpiresAt:   now.Add(-time.Minute),
		CreatedAt:   now.Add(-time.Hour),
	}))
	require.NoError(t, store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		ID:          "live-code",
		PrincipalID: "alice",
		ClientID:    "web-app",
		ExpiresAt:   now.Add(time.Minute),
		CreatedAt:   now,
	}))

	s := NewSweeper(store, time.Hour, time.Second, slog.Default())
	s.sweep()

	_, err := store.ConsumeAuthorizationCode(ctx, "expired-code")
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)

	_, err = store.ConsumeAuthorizationCode(ctx, "live-code")
	assert.NoError(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	s := NewSweeper(store, 10*time.Millisecond, time.Second, slog.Default())
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}

func TestSweeperStopWithoutStartReturns(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	s := NewSweeper(store, time.Hour, time.Second, slog.Default())

	finished := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop() // repeated Stop must not panic
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running sweep loop")
	}
}
