// Package postgres provides the durable implementation of the grant record
// store and revocation index on PostgreSQL. Single-use and rotation
// atomicity come from conditional UPDATEs: the database serializes
// concurrent consumers on the row, so exactly one request wins.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearauth/grantd/database"
	"github.com/clearauth/grantd/storage"
)

// Store implements storage.GrantStore and storage.RevocationIndex on a
// pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.GrantStore      = (*Store)(nil)
	_ storage.RevocationIndex = (*Store)(nil)
)

// New connects to the database at dsn, applies pending migrations, and
// returns the store.
func New(ctx context.Context, dsn string) (*Store, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}

	if err := database.Migrate(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool without running migrations.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveAuthorizationCode stores a newly issued code record.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.ID == "" {
		return fmt.Errorf("authorization code record requires an id")
	}

	const query = `
        INSERT INTO authorization_codes (
            id, principal_id, client_id, redirect_uri, scope, expires_at, consumed, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
    `
	_, err := s.pool.Exec(ctx, query,
		code.ID, code.PrincipalID, code.ClientID, code.RedirectURI,
		code.Scope, code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode flips the consumed flag and returns the record.
// The conditional UPDATE admits exactly one winner per code; losers get the
// classified sentinel. On ErrCodeConsumed the record is returned so the
// caller can attribute the reuse attempt.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, id string) (*storage.AuthorizationCode, error) {
	const consume = `
        UPDATE authorization_codes
        SET consumed = TRUE
        WHERE id = $1 AND NOT consumed AND expires_at > NOW()
        RETURNING principal_id, client_id, redirect_uri, scope, expires_at, created_at
    `

	code := &storage.AuthorizationCode{ID: id, Consumed: true}
	err := s.pool.QueryRow(ctx, consume, id).Scan(
		&code.PrincipalID, &code.ClientID, &code.RedirectURI,
		&code.Scope, &code.ExpiresAt, &code.CreatedAt,
	)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// The CAS matched nothing; look at the row to say why.
	const classify = `
        SELECT principal_id, client_id, redirect_uri, scope, expires_at, consumed, created_at
        FROM authorization_codes WHERE id = $1
    `
	err = s.pool.QueryRow(ctx, classify, id).Scan(
		&code.PrincipalID, &code.ClientID, &code.RedirectURI,
		&code.Scope, &code.ExpiresAt, &code.Consumed, &code.CreatedAt,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, storage.ErrCodeNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to classify authorization code: %w", err)
	case code.Consumed:
		return code, storage.ErrCodeConsumed
	default:
		return nil, storage.ErrCodeExpired
	}
}

// CreateRefreshToken stores a new refresh token record.
func (s *Store) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("refresh token record requires an id")
	}

	const query = `
        INSERT INTO refresh_tokens (
            id, principal_id, client_id, scope, expires_at, revoked, predecessor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
    `
	_, err := s.pool.Exec(ctx, query,
		token.ID, token.PrincipalID, token.ClientID, token.Scope,
		token.ExpiresAt, token.PredecessorID, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns the record for the ID.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	const query = `
        SELECT principal_id, client_id, scope, expires_at, revoked, predecessor_id, created_at
        FROM refresh_tokens WHERE id = $1
    `

	token := &storage.RefreshToken{ID: id}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&token.PrincipalID, &token.ClientID, &token.Scope,
		&token.ExpiresAt, &token.Revoked, &token.PredecessorID, &token.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return token, nil
}

// RotateRefreshToken atomically revokes the old record and inserts its
// successor in one transaction. Replay of an already-rotated token revokes
// the whole chain before returning ErrTokenReplayed.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, successor *storage.RefreshToken) (*storage.RefreshToken, error) {
	if successor == nil || successor.ID == "" {
		return nil, fmt.Errorf("successor record requires an id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer tx.Rollback(ctx)

	const revokeOld = `
        UPDATE refresh_tokens
        SET revoked = TRUE
        WHERE id = $1 AND NOT revoked AND expires_at > NOW()
        RETURNING principal_id, client_id, scope, expires_at, predecessor_id, created_at
    `

	old := &storage.RefreshToken{ID: oldID, Revoked: true}
	err = tx.QueryRow(ctx, revokeOld, oldID).Scan(
		&old.PrincipalID, &old.ClientID, &old.Scope,
		&old.ExpiresAt, &old.PredecessorID, &old.CreatedAt,
	)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to revoke rotated token: %w", err)
		}
		return s.classifyRotateFailure(ctx, tx, oldID)
	}

	const insert = `
        INSERT INTO refresh_tokens (
            id, principal_id, client_id, scope, expires_at, revoked, predecessor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
    `
	_, err = tx.Exec(ctx, insert,
		successor.ID, successor.PrincipalID, successor.ClientID, successor.Scope,
		successor.ExpiresAt, successor.PredecessorID, successor.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert successor token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit rotation: %w", err)
	}
	return old, nil
}

// classifyRotateFailure distinguishes not-found, expired, revoked, and
// replayed after the rotation CAS matched nothing. Only a revoked record
// with a successor counts as replay; that branch revokes the chain and
// commits the side effect.
func (s *Store) classifyRotateFailure(ctx context.Context, tx pgx.Tx, oldID string) (*storage.RefreshToken, error) {
	const query = `
        SELECT principal_id, client_id, scope, expires_at, revoked, predecessor_id, created_at
        FROM refresh_tokens WHERE id = $1
    `

	old := &storage.RefreshToken{ID: oldID}
	err := tx.QueryRow(ctx, query, oldID).Scan(
		&old.PrincipalID, &old.ClientID, &old.Scope,
		&old.ExpiresAt, &old.Revoked, &old.PredecessorID, &old.CreatedAt,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, storage.ErrTokenNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to classify rotation failure: %w", err)
	case old.Revoked:
		var rotated bool
		if err := tx.QueryRow(ctx, successorQuery, oldID).Scan(&rotated); err != nil {
			return nil, fmt.Errorf("failed to check rotation successor: %w", err)
		}
		if !rotated {
			return old, storage.ErrTokenRevoked
		}
		if _, err := revokeChainTx(ctx, tx, oldID); err != nil {
			return nil, fmt.Errorf("failed to revoke chain after replay: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit chain revocation: %w", err)
		}
		return old, storage.ErrTokenReplayed
	default:
		return nil, storage.ErrTokenExpired
	}
}

const successorQuery = `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE predecessor_id = $1)`

// HasSuccessor reports whether a rotation has created a successor for id.
func (s *Store) HasSuccessor(ctx context.Context, id string) (bool, error) {
	var rotated bool
	if err := s.pool.QueryRow(ctx, successorQuery, id).Scan(&rotated); err != nil {
		return false, fmt.Errorf("failed to check rotation successor: %w", err)
	}
	return rotated, nil
}

// RevokeRefreshToken marks a single record revoked. Unknown IDs are a
// no-op.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// chainQuery collects every record linked to $1 by predecessor references,
// walking both toward ancestors and toward descendants, and revokes the
// live ones.
const chainQuery = `
    WITH RECURSIVE ancestors AS (
        SELECT id, predecessor_id FROM refresh_tokens WHERE id = $1
        UNION ALL
        SELECT rt.id, rt.predecessor_id
        FROM refresh_tokens rt
        JOIN ancestors a ON rt.id = a.predecessor_id
    ), descendants AS (
        SELECT id FROM refresh_tokens WHERE id = $1
        UNION ALL
        SELECT rt.id
        FROM refresh_tokens rt
        JOIN descendants d ON rt.predecessor_id = d.id
    ), chain AS (
        SELECT id FROM ancestors
        UNION
        SELECT id FROM descendants
    )
    UPDATE refresh_tokens
    SET revoked = TRUE
    WHERE id IN (SELECT id FROM chain) AND NOT revoked
`

func revokeChainTx(ctx context.Context, tx pgx.Tx, id string) (int, error) {
	tag, err := tx.Exec(ctx, chainQuery, id)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RevokeChain revokes every record in the rotation chain containing id.
func (s *Store) RevokeChain(ctx context.Context, id string) (int, error) {
	tag, err := s.pool.Exec(ctx, chainQuery, id)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke chain: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RevokeAllForPrincipalClient revokes every live refresh token the
// principal holds for the client.
func (s *Store) RevokeAllForPrincipalClient(ctx context.Context, principalID, clientID string) (int, error) {
	const query = `
        UPDATE refresh_tokens
        SET revoked = TRUE
        WHERE principal_id = $1 AND client_id = $2 AND NOT revoked
    `
	tag, err := s.pool.Exec(ctx, query, principalID, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens for principal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpired reaps expired codes, tokens, and revocation entries.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0

	for _, query := range []string{
		`DELETE FROM authorization_codes WHERE expires_at <= $1`,
		`DELETE FROM refresh_tokens WHERE expires_at <= $1`,
		`DELETE FROM revoked_access_tokens WHERE expires_at <= $1`,
	} {
		tag, err := s.pool.Exec(ctx, query, now)
		if err != nil {
			return removed, fmt.Errorf("failed to delete expired records: %w", err)
		}
		removed += int(tag.RowsAffected())
	}
	return removed, nil
}

// Revoke records an access-token identifier as revoked for ttl.
func (s *Store) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		// Already past natural expiry, nothing to index.
		return nil
	}

	const query = `
        INSERT INTO revoked_access_tokens (token_id, expires_at)
        VALUES ($1, $2)
        ON CONFLICT (token_id) DO UPDATE
        SET expires_at = GREATEST(revoked_access_tokens.expires_at, EXCLUDED.expires_at)
    `
	if _, err := s.pool.Exec(ctx, query, tokenID, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether an access-token identifier has been revoked.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	const query = `
        SELECT EXISTS (
            SELECT 1 FROM revoked_access_tokens
            WHERE token_id = $1 AND expires_at > NOW()
        )
    `
	var revoked bool
	if err := s.pool.QueryRow(ctx, query, tokenID).Scan(&revoked); err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked, nil
}
