// Package grant implements the token and grant authority: it turns verified
// credentials into signed, scoped, time-bounded tokens and enforces
// single-use and rotation invariants across concurrent requests.
//
// The authority holds no mutable state of its own; all mutable state lives
// in the grant record store and revocation index, which provide their own
// atomicity. One authority instance serves concurrent requests.
package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearauth/grantd/instrumentation"
	"github.com/clearauth/grantd/internal/util"
	"github.com/clearauth/grantd/scope"
	"github.com/clearauth/grantd/security"
	"github.com/clearauth/grantd/storage"
	"github.com/clearauth/grantd/token"
)

// secretLogLength is the number of characters of a secret included in debug
// logs. Enough to correlate, not enough to replay.
const secretLogLength = 8

// Authority validates grant requests, drives the grant record store and
// revocation index, and emits token pairs.
type Authority struct {
	config      *Config
	codec       *token.Codec
	store       storage.GrantStore
	revocations storage.RevocationIndex
	verifier    CredentialVerifier
	principals  PrincipalDirectory
	clients     ClientDirectory

	// Optional collaborators.
	Auditor *security.Auditor
	Guard   *security.RateGuard
	Metrics *instrumentation.Metrics

	clock  Clock
	ids    IDSource
	logger *slog.Logger
}

// New creates a grant authority. The store, revocation index, credential
// verifier, and directories are required; auditor, rate guard, and metrics
// are attached through the exported fields.
func New(
	store storage.GrantStore,
	revocations storage.RevocationIndex,
	verifier CredentialVerifier,
	principals PrincipalDirectory,
	clients ClientDirectory,
	config *Config,
	logger *slog.Logger,
) (*Authority, error) {
	if store == nil {
		return nil, errors.New("grant store is required")
	}
	if revocations == nil {
		return nil, errors.New("revocation index is required")
	}
	if verifier == nil {
		return nil, errors.New("credential verifier is required")
	}
	if principals == nil {
		return nil, errors.New("principal directory is required")
	}
	if clients == nil {
		return nil, errors.New("client directory is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := *config
	cfg.applyDefaults()
	if err := cfg.validate(logger); err != nil {
		return nil, err
	}
	if cfg.FailOpen {
		logger.Warn("revocation index failures will be treated as not revoked",
			"recommendation", "leave FailOpen unset unless the index is durable")
	}

	codec, err := token.NewCodec(cfg.SigningKey, cfg.Issuer, cfg.ClockSkewGrace)
	if err != nil {
		return nil, fmt.Errorf("failed to construct token codec: %w", err)
	}

	return &Authority{
		config:      &cfg,
		codec:       codec,
		store:       store,
		revocations: revocations,
		verifier:    verifier,
		principals:  principals,
		clients:     clients,
		clock:       systemClock{},
		ids:         randomIDSource{},
		logger:      logger,
	}, nil
}

// SetClock overrides the time source.
func (a *Authority) SetClock(c Clock) {
	if c != nil {
		a.clock = c
	}
}

// SetIDSource overrides the opaque ID generator.
func (a *Authority) SetIDSource(ids IDSource) {
	if ids != nil {
		a.ids = ids
	}
}

// Grant exchanges the presented credential for a token pair. Every failure
// maps to exactly one GrantError; nothing else escapes.
func (a *Authority) Grant(ctx context.Context, req Request) (*TokenPair, *GrantError) {
	start := a.clock.NowUTC()

	if _, ok := ParseGrantType(string(req.GrantType)); !ok {
		return nil, ErrUnsupportedGrantType("unsupported grant type")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidClient("client identification required")
	}

	// Admission control before anything touches the store.
	identity := req.PrincipalID
	if identity == "" {
		identity = req.ClientID
	}
	if a.Guard != nil && !a.Guard.Allow(security.Key(identity, string(req.GrantType))) {
		a.Auditor.LogRateLimitExceeded(req.PrincipalID, req.ClientID, string(req.GrantType))
		a.Metrics.RecordRateLimitExceeded(ctx, string(req.GrantType))
		a.record(ctx, req.GrantType, ErrorCodeRateLimited, start)
		return nil, ErrRateLimited("too many grant attempts")
	}

	gerr := a.checkClientGrantType(ctx, req.ClientID, req.GrantType)
	if gerr != nil {
		a.record(ctx, req.GrantType, gerr.Code, start)
		return nil, gerr
	}

	var pair *TokenPair
	switch req.GrantType {
	case GrantTypePassword:
		pair, gerr = a.passwordGrant(ctx, req)
	case GrantTypeAuthorizationCode:
		pair, gerr = a.authorizationCodeGrant(ctx, req)
	case GrantTypeRefreshToken:
		pair, gerr = a.refreshTokenGrant(ctx, req)
	case GrantTypeClientCredentials:
		pair, gerr = a.clientCredentialsGrant(ctx, req)
	default:
		// Unreachable: ParseGrantType covers the closed set above.
		gerr = ErrUnsupportedGrantType("unsupported grant type")
	}

	if gerr != nil {
		a.record(ctx, req.GrantType, gerr.Code, start)
		return nil, gerr
	}

	a.record(ctx, req.GrantType, "success", start)
	return pair, nil
}

// VerifyAccessToken verifies a bearer token for resource-server use: codec
// verification first, then a revocation index lookup.
func (a *Authority) VerifyAccessToken(ctx context.Context, tokenString string) (*token.AccessClaims, *GrantError) {
	claims, err := a.codec.Verify(tokenString)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			return nil, ErrExpiredToken("access token expired")
		case errors.Is(err, token.ErrSignatureInvalid):
			return nil, ErrSignatureInvalid("access token signature invalid")
		default:
			return nil, ErrMalformedToken("access token malformed")
		}
	}

	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	revoked, err := a.revocations.IsRevoked(storeCtx, claims.ID)
	if err != nil {
		if !a.config.FailOpen {
			a.logger.Warn("revocation index unavailable, failing closed", "error", err)
			return nil, ErrTemporarilyUnavailable("revocation status unavailable")
		}
		a.logger.Warn("revocation index unavailable, treating token as not revoked", "error", err)
		revoked = false
	}
	if revoked {
		return nil, ErrInvalidGrant("access token revoked")
	}

	return claims, nil
}

// Revoke invalidates a token before its natural expiry. It accepts either a
// signed access token (revoked by jti in the index), a raw refresh-token
// value, or an access-token jti directly. Unknown values succeed silently,
// matching RFC 7009 semantics for the administrative surface.
func (a *Authority) Revoke(ctx context.Context, tokenStringOrID string) *GrantError {
	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	if claims, err := a.codec.Verify(tokenStringOrID); err == nil {
		ttl := time.Until(claims.ExpiresAt.Time)
		if err := a.revocations.Revoke(storeCtx, claims.ID, ttl); err != nil {
			return a.storeFailure("revoke access token", err)
		}
		a.Auditor.LogTokenRevoked(claims.Subject, claims.ClientID, "access")
		a.Metrics.RecordTokenRevoked(ctx, claims.ClientID)
		return nil
	}

	// Try as a refresh-token value: revoking one generation revokes the
	// chain, so a stolen predecessor cannot outlive a logout.
	id := storage.HashID(tokenStringOrID)
	if n, err := a.store.RevokeChain(storeCtx, id); err != nil {
		return a.storeFailure("revoke refresh chain", err)
	} else if n > 0 {
		a.Auditor.LogChainRevoked("", "", n)
		a.Metrics.RecordTokenRevoked(ctx, "")
		return nil
	}

	// Fall back to treating the value as an access-token jti (admin paths
	// hold jtis, not whole tokens). TTL is bounded by the access TTL since
	// the real remaining lifetime is unknown here.
	if err := a.revocations.Revoke(storeCtx, tokenStringOrID, a.config.AccessTokenTTL); err != nil {
		return a.storeFailure("revoke token id", err)
	}
	a.Metrics.RecordTokenRevoked(ctx, "")
	return nil
}

// checkClientGrantType enforces the per-client grant-type allow-list.
func (a *Authority) checkClientGrantType(ctx context.Context, clientID string, gt GrantType) *GrantError {
	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	allowed, err := a.clients.ClientAllowedGrantTypes(storeCtx, clientID)
	if err != nil {
		a.logger.Debug("client lookup failed",
			"client_id", clientID,
			"error", err)
		return ErrInvalidClient("unknown client")
	}
	for _, g := range allowed {
		if g == gt {
			return nil
		}
	}

	a.Auditor.LogAuthFailure("", clientID, "grant_type_not_allowed")
	return ErrUnauthorizedClient("grant type not permitted for this client")
}

// storeContext derives the deadline-bounded context for store/cache calls.
func (a *Authority) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.config.StoreTimeout)
}

// storeFailure maps a store error onto the public taxonomy. Deadline and
// cancellation become temporarily_unavailable: the operation may or may not
// have taken effect, so the caller must not assume it did not happen.
func (a *Authority) storeFailure(op string, err error) *GrantError {
	a.logger.Error("store operation failed", "op", op, "error", err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTemporarilyUnavailable("storage deadline exceeded")
	}
	return ErrTemporarilyUnavailable("storage unavailable")
}

// record reports a grant outcome to the metrics sink.
func (a *Authority) record(ctx context.Context, gt GrantType, outcome string, start time.Time) {
	if a.Metrics == nil {
		return
	}
	a.Metrics.RecordGrant(ctx, string(gt), outcome, a.clock.NowUTC().Sub(start))
}

// resolveScopes computes the granted scope set: the requested set when it is
// a subset of allowed, the whole allowed set when nothing was requested.
func resolveScopes(requested, allowed scope.Set) (scope.Set, *GrantError) {
	if requested.IsEmpty() {
		return allowed.Clone(), nil
	}
	if !requested.SubsetOf(allowed) {
		return nil, ErrInvalidScope("requested scope exceeds what is allowed")
	}
	return requested.Clone(), nil
}

func logSecret(s string) string {
	return util.SafeTruncate(s, secretLogLength)
}
