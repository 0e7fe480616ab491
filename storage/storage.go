// Package storage defines the grant record store and revocation index
// contracts the grant authority depends on, together with the persisted
// record types. Implementations live in subpackages:
//   - storage/memory: in-memory store for development, testing, and
//     single-instance deployments
//   - storage/postgres: durable store on pgx, the authority for all
//     compare-and-swap operations
//   - storage/redis: read-through cache decorator and a Redis-backed
//     revocation index
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. The grant authority
// maps these onto its public error taxonomy; implementations wrap them
// with backend detail.
var (
	// ErrCodeNotFound indicates the authorization code does not exist.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeConsumed indicates the authorization code was already
	// exchanged. ConsumeAuthorizationCode returns the record alongside this
	// error so the caller can run its reuse-detection response.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrCodeExpired indicates the authorization code is past its expiry.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound indicates no refresh token record exists for the ID.
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrTokenRevoked indicates the refresh token record is revoked
	// without having been rotated: it died in a chain teardown or an
	// explicit revocation, not by the holder rotating past it.
	ErrTokenRevoked = errors.New("refresh token revoked")

	// ErrTokenExpired indicates the refresh token is past its expiry.
	ErrTokenExpired = errors.New("refresh token expired")

	// ErrTokenReplayed indicates a rotation was attempted with an
	// already-rotated-out token, one that has a successor. The store has
	// revoked the whole rotation chain before returning this error.
	ErrTokenReplayed = errors.New("refresh token replayed, rotation chain revoked")
)

// AuthorizationCode is the durable record of a one-time exchange ticket.
// The ID is a digest of the code value, never the value itself.
type AuthorizationCode struct {
	ID          string
	PrincipalID string
	ClientID    string
	RedirectURI string
	Scope       string // canonical space-joined form
	ExpiresAt   time.Time
	Consumed    bool
	CreatedAt   time.Time
}

// RefreshToken is the durable record of a rotating refresh credential.
// PredecessorID links rotation generations into a chain; it is nil for the
// first token of a chain.
type RefreshToken struct {
	ID            string
	PrincipalID   string
	ClientID      string
	Scope         string // canonical space-joined form
	ExpiresAt     time.Time
	Revoked       bool
	PredecessorID *string
	CreatedAt     time.Time
}

// GrantStore persists authorization codes and refresh tokens.
//
// ConsumeAuthorizationCode and RotateRefreshToken are compare-and-swap
// primitives, not read-then-write: under N concurrent callers with the same
// identifier, exactly one succeeds. Everything the authority issues or
// revokes goes through this interface, including the background sweep.
type GrantStore interface {
	// SaveAuthorizationCode stores a newly issued code record.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically flips the consumed flag and
	// returns the record. Returns ErrCodeConsumed (with the record) when the
	// flag was already set, ErrCodeExpired past expiry, ErrCodeNotFound
	// otherwise.
	ConsumeAuthorizationCode(ctx context.Context, id string) (*AuthorizationCode, error)

	// CreateRefreshToken stores a new refresh token record (first of a chain).
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the record for an ID, or ErrTokenNotFound.
	// The returned record may be revoked or expired; callers must check.
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// RotateRefreshToken atomically revokes the old record and creates its
	// successor; no state where both or neither are live is ever observable.
	// If the old record was already rotated out (revoked with a successor)
	// the implementation revokes every record in the same rotation chain
	// and returns ErrTokenReplayed together with the old record for
	// auditing. A record revoked without a successor returns
	// ErrTokenRevoked instead: it is dead, but its reuse is not a replay.
	RotateRefreshToken(ctx context.Context, oldID string, successor *RefreshToken) (*RefreshToken, error)

	// HasSuccessor reports whether a rotation has created a successor for
	// the record. Distinguishes a rotated-out token (replay evidence when
	// presented) from one revoked by teardown or explicit revocation.
	HasSuccessor(ctx context.Context, id string) (bool, error)

	// RevokeRefreshToken marks a single record revoked. Idempotent.
	RevokeRefreshToken(ctx context.Context, id string) error

	// RevokeChain revokes every record reachable from id along predecessor
	// links, in both directions. Returns the number of records revoked.
	RevokeChain(ctx context.Context, id string) (int, error)

	// RevokeAllForPrincipalClient revokes every live refresh token held by
	// the principal for the client. Returns the number revoked.
	RevokeAllForPrincipalClient(ctx context.Context, principalID, clientID string) (int, error)

	// DeleteExpired reaps codes and tokens whose expiry precedes now.
	// Returns the number of records removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// RevocationIndex records revoked access-token identifiers until their
// natural expiry. Entries carry a TTL equal to the token's remaining
// lifetime so the index never grows unbounded.
type RevocationIndex interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// HashID derives the storage identifier for a presented secret (code or
// refresh token value). Records are keyed by this digest so a store dump
// never yields usable credentials.
func HashID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
