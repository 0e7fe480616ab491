// Package memory provides an in-memory implementation of the grant record
// store and revocation index. It is suitable for development, testing, and
// single-instance deployments; atomicity is provided by a single mutex.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clearauth/grantd/storage"
)

// Store is an in-memory implementation of storage.GrantStore and
// storage.RevocationIndex.
type Store struct {
	mu sync.Mutex

	codes  map[string]*storage.AuthorizationCode
	tokens map[string]*storage.RefreshToken

	// successors inverts PredecessorID so chain revocation can walk forward.
	// Rotation is one-to-one, so each ID has at most one successor.
	successors map[string]string

	revoked map[string]time.Time // access-token jti -> entry expiry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.GrantStore      = (*Store)(nil)
	_ storage.RevocationIndex = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.RefreshToken),
		successors:      make(map[string]string),
		revoked:         make(map[string]time.Time),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// SaveAuthorizationCode stores a newly issued code record.
func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.ID == "" {
		return fmt.Errorf("authorization code record requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[code.ID] = &cp
	return nil
}

// ConsumeAuthorizationCode atomically checks and flips the consumed flag.
// Exactly one caller observes an unconsumed record; the mutex is held across
// the check and the set.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, id string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[id]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	if time.Now().After(code.ExpiresAt) {
		return nil, storage.ErrCodeExpired
	}
	if code.Consumed {
		// Return the record so the caller can attribute the reuse attempt.
		cp := *code
		return &cp, storage.ErrCodeConsumed
	}

	code.Consumed = true
	cp := *code
	return &cp, nil
}

// CreateRefreshToken stores a new refresh token record.
func (s *Store) CreateRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("refresh token record requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertTokenLocked(token)
}

func (s *Store) insertTokenLocked(token *storage.RefreshToken) error {
	if _, exists := s.tokens[token.ID]; exists {
		return fmt.Errorf("refresh token %q already exists", token.ID)
	}

	cp := *token
	s.tokens[token.ID] = &cp
	if token.PredecessorID != nil {
		s.successors[*token.PredecessorID] = token.ID
	}
	return nil
}

// GetRefreshToken returns a copy of the record for the ID.
func (s *Store) GetRefreshToken(_ context.Context, id string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

// RotateRefreshToken atomically revokes the old record and inserts its
// successor. Replay of an already-rotated token revokes the whole chain
// before returning ErrTokenReplayed.
func (s *Store) RotateRefreshToken(_ context.Context, oldID string, successor *storage.RefreshToken) (*storage.RefreshToken, error) {
	if successor == nil || successor.ID == "" {
		return nil, fmt.Errorf("successor record requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[oldID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	if old.Revoked {
		if _, rotated := s.successors[oldID]; !rotated {
			// Revoked by teardown or explicit revocation, never rotated.
			// Dead, but not replay evidence.
			cp := *old
			return &cp, storage.ErrTokenRevoked
		}
		// Replay of a rotated-out token. Revoke every generation of the
		// chain so the thief's successor dies with it.
		n := s.revokeChainLocked(oldID)
		s.logger.Warn("refresh token replay detected, chain revoked",
			"principal_id", old.PrincipalID,
			"client_id", old.ClientID,
			"revoked", n)
		cp := *old
		return &cp, storage.ErrTokenReplayed
	}

	if time.Now().After(old.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	if err := s.insertTokenLocked(successor); err != nil {
		return nil, err
	}
	old.Revoked = true

	cp := *old
	return &cp, nil
}

// HasSuccessor reports whether a rotation has created a successor for id.
func (s *Store) HasSuccessor(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.successors[id]
	return ok, nil
}

// RevokeRefreshToken marks a single record revoked.
func (s *Store) RevokeRefreshToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.tokens[id]; ok {
		token.Revoked = true
	}
	return nil
}

// RevokeChain revokes every record linked to id by predecessor references,
// walking both toward ancestors and toward descendants.
func (s *Store) RevokeChain(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeChainLocked(id), nil
}

func (s *Store) revokeChainLocked(id string) int {
	revoked := 0

	mark := func(tokenID string) bool {
		token, ok := s.tokens[tokenID]
		if !ok {
			return false
		}
		if !token.Revoked {
			token.Revoked = true
			revoked++
		}
		return true
	}

	// Walk back through predecessors.
	for cur := id; ; {
		token, ok := s.tokens[cur]
		if !ok {
			break
		}
		mark(cur)
		if token.PredecessorID == nil {
			break
		}
		cur = *token.PredecessorID
	}

	// Walk forward through successors.
	for cur := id; ; {
		next, ok := s.successors[cur]
		if !ok || !mark(next) {
			break
		}
		cur = next
	}

	return revoked
}

// RevokeAllForPrincipalClient revokes every live refresh token the principal
// holds for the client.
func (s *Store) RevokeAllForPrincipalClient(_ context.Context, principalID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.tokens {
		if token.PrincipalID == principalID && token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

// DeleteExpired reaps expired codes and tokens.
func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, code := range s.codes {
		if now.After(code.ExpiresAt) {
			delete(s.codes, id)
			removed++
		}
	}
	for id, token := range s.tokens {
		if now.After(token.ExpiresAt) {
			delete(s.tokens, id)
			delete(s.successors, id)
			removed++
		}
	}
	return removed, nil
}

// Revoke records an access-token identifier as revoked for ttl.
func (s *Store) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		// Already past natural expiry, nothing to index.
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked[tokenID] = time.Now().Add(ttl)
	return nil
}

// IsRevoked reports whether an access-token identifier has been revoked.
func (s *Store) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.revoked[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.revoked, tokenID)
		return false, nil
	}
	return true, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := time.Now()
	removed, _ := s.DeleteExpired(context.Background(), now)

	s.mu.Lock()
	for id, expiry := range s.revoked {
		if now.After(expiry) {
			delete(s.revoked, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("memory store cleanup completed", "removed", removed)
	}
}
