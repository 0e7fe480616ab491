package grant

import (
	"context"
	"errors"

	"github.com/clearauth/grantd/scope"
	"github.com/clearauth/grantd/security"
	"github.com/clearauth/grantd/storage"
)

// passwordGrant exchanges a principal's direct credential for a token pair
// with a fresh refresh-token chain.
func (a *Authority) passwordGrant(ctx context.Context, req Request) (*TokenPair, *GrantError) {
	if req.PrincipalID == "" || req.Secret == "" {
		return nil, ErrInvalidGrant("missing credentials")
	}

	if gerr := a.authenticateClient(ctx, req.ClientID, req.ClientSecret, false); gerr != nil {
		return nil, gerr
	}

	storeCtx, cancel := a.storeContext(ctx)
	ok, err := a.verifier.VerifyCredential(storeCtx, req.PrincipalID, req.Secret, CredentialKindUser)
	cancel()
	if err != nil {
		return nil, a.storeFailure("verify credential", err)
	}
	if !ok {
		a.Auditor.LogAuthFailure(req.PrincipalID, req.ClientID, "bad_credentials")
		return nil, ErrInvalidGrant("invalid credentials")
	}

	if gerr := a.requirePrincipalActive(ctx, req.PrincipalID, req.ClientID); gerr != nil {
		return nil, gerr
	}

	allowed, gerr := a.clientScopes(ctx, req.ClientID)
	if gerr != nil {
		return nil, gerr
	}
	granted, gerr := resolveScopes(req.Scope, allowed)
	if gerr != nil {
		return nil, gerr
	}

	pair, gerr := a.mintPair(ctx, req.PrincipalID, req.ClientID, granted, granted, true, nil)
	if gerr != nil {
		return nil, gerr
	}

	a.Auditor.LogTokenIssued(req.PrincipalID, req.ClientID, string(GrantTypePassword), granted.String())
	a.Metrics.RecordTokenIssued(ctx, req.ClientID, string(GrantTypePassword))
	return pair, nil
}

// authorizationCodeGrant exchanges a one-time code for a token pair. The
// consume is a compare-and-swap in the store: under concurrent exchange of
// the same code exactly one request reaches the minting path.
func (a *Authority) authorizationCodeGrant(ctx context.Context, req Request) (*TokenPair, *GrantError) {
	if req.Code == "" {
		return nil, ErrInvalidGrant("missing authorization code")
	}

	if gerr := a.authenticateClient(ctx, req.ClientID, req.ClientSecret, false); gerr != nil {
		return nil, gerr
	}

	storeCtx, cancel := a.storeContext(ctx)
	record, err := a.store.ConsumeAuthorizationCode(storeCtx, storage.HashID(req.Code))
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeConsumed):
			// Reuse of a consumed code signals interception. Revoke every
			// token issued to this principal+client before denying.
			a.respondToCodeReuse(ctx, record, req.ClientID)
			return nil, ErrInvalidGrant("invalid authorization code")
		case errors.Is(err, storage.ErrCodeNotFound), errors.Is(err, storage.ErrCodeExpired):
			a.logger.Debug("authorization code rejected",
				"reason", err.Error(),
				"client_id", req.ClientID,
				"code_prefix", logSecret(req.Code))
			a.Auditor.LogAuthFailure("", req.ClientID, "invalid_authorization_code")
			return nil, ErrInvalidGrant("invalid authorization code")
		default:
			return nil, a.storeFailure("consume authorization code", err)
		}
	}

	// The code is now consumed; every failure below burns it. That is
	// intentional: a code that reached the wrong client must die.
	if record.ClientID != req.ClientID {
		a.Auditor.LogAuthFailure(record.PrincipalID, req.ClientID, "client_id_mismatch")
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	// Byte-for-byte comparison; near-matches are interception attempts,
	// not user error.
	if record.RedirectURI != req.RedirectURI {
		a.logger.Debug("authorization code rejected",
			"reason", "redirect_uri_mismatch",
			"client_id", req.ClientID,
			"code_prefix", logSecret(req.Code))
		a.Auditor.LogAuthFailure(record.PrincipalID, req.ClientID, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	if gerr := a.requirePrincipalActive(ctx, record.PrincipalID, req.ClientID); gerr != nil {
		return nil, gerr
	}

	// The token is bound to what was authorized; the request may narrow
	// but never escalate.
	authorized := scope.Parse(record.Scope)
	granted, gerr := resolveScopes(req.Scope, authorized)
	if gerr != nil {
		return nil, gerr
	}

	pair, gerr := a.mintPair(ctx, record.PrincipalID, record.ClientID, granted, granted, true, nil)
	if gerr != nil {
		return nil, gerr
	}

	a.Auditor.LogTokenIssued(record.PrincipalID, req.ClientID, string(GrantTypeAuthorizationCode), granted.String())
	a.Metrics.RecordTokenIssued(ctx, req.ClientID, string(GrantTypeAuthorizationCode))
	return pair, nil
}

// refreshTokenGrant rotates a refresh token and mints a new access token.
// Presenting an already-rotated-out token is the replay-detection branch:
// the store revokes the whole chain and the caller gets replay_detected.
func (a *Authority) refreshTokenGrant(ctx context.Context, req Request) (*TokenPair, *GrantError) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidGrant("missing refresh token")
	}

	if gerr := a.authenticateClient(ctx, req.ClientID, req.ClientSecret, false); gerr != nil {
		return nil, gerr
	}

	oldID := storage.HashID(req.RefreshToken)

	storeCtx, cancel := a.storeContext(ctx)
	record, err := a.store.GetRefreshToken(storeCtx, oldID)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			a.logger.Debug("refresh token rejected",
				"reason", "not_found",
				"client_id", req.ClientID,
				"token_prefix", logSecret(req.RefreshToken))
			a.Auditor.LogAuthFailure("", req.ClientID, "invalid_refresh_token")
			return nil, ErrInvalidGrant("invalid refresh token")
		}
		return nil, a.storeFailure("load refresh token", err)
	}

	if record.Revoked {
		// A rotated-out token has a successor; presenting one means this
		// copy came from somewhere it should not have, and the chain dies
		// with it. A record revoked without a successor was killed by an
		// earlier teardown or an explicit revoke: dead, but not a replay.
		checkCtx, checkCancel := a.storeContext(ctx)
		rotated, err := a.store.HasSuccessor(checkCtx, oldID)
		checkCancel()
		if err != nil {
			return nil, a.storeFailure("check rotation successor", err)
		}
		if rotated {
			return nil, a.revokeChainForReplay(ctx, oldID, record)
		}
		a.Auditor.LogAuthFailure(record.PrincipalID, req.ClientID, "refresh_token_revoked")
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	if record.ClientID != req.ClientID {
		a.Auditor.LogAuthFailure(record.PrincipalID, req.ClientID, "client_id_mismatch")
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if security.IsExpiredWithGrace(record.ExpiresAt, a.config.ClockSkewGrace) {
		return nil, ErrInvalidGrant("refresh token expired")
	}

	if gerr := a.requirePrincipalActive(ctx, record.PrincipalID, req.ClientID); gerr != nil {
		return nil, gerr
	}

	original := scope.Parse(record.Scope)
	granted, gerr := resolveScopes(req.Scope, original)
	if gerr != nil {
		return nil, gerr
	}

	// The successor carries the original grant's scope so a narrowed
	// request does not permanently shrink the chain; only the minted
	// access token is narrowed.
	pair, gerr := a.mintPair(ctx, record.PrincipalID, record.ClientID, granted, original, true, &oldID)
	if gerr != nil {
		return nil, gerr
	}

	a.Auditor.LogTokenRefreshed(record.PrincipalID, req.ClientID, granted.String())
	a.Metrics.RecordTokenRotated(ctx, req.ClientID)
	a.Metrics.RecordTokenIssued(ctx, req.ClientID, string(GrantTypeRefreshToken))
	return pair, nil
}

// clientCredentialsGrant authenticates a client and mints an access token
// scoped to the client's own allow-list. No refresh token is issued; the
// client re-authenticates with its secret on every request.
func (a *Authority) clientCredentialsGrant(ctx context.Context, req Request) (*TokenPair, *GrantError) {
	if gerr := a.authenticateClient(ctx, req.ClientID, req.ClientSecret, true); gerr != nil {
		return nil, gerr
	}

	allowed, gerr := a.clientScopes(ctx, req.ClientID)
	if gerr != nil {
		return nil, gerr
	}
	granted, gerr := resolveScopes(req.Scope, allowed)
	if gerr != nil {
		return nil, gerr
	}

	pair, gerr := a.mintPair(ctx, req.ClientID, req.ClientID, granted, nil, false, nil)
	if gerr != nil {
		return nil, gerr
	}

	a.Auditor.LogTokenIssued(req.ClientID, req.ClientID, string(GrantTypeClientCredentials), granted.String())
	a.Metrics.RecordTokenIssued(ctx, req.ClientID, string(GrantTypeClientCredentials))
	return pair, nil
}

// IssueAuthorizationCode mints a single-use code binding a principal's
// authorization to a client and redirect URI. The returned value is the
// only copy of the raw code; the store holds its hash.
func (a *Authority) IssueAuthorizationCode(ctx context.Context, principalID, clientID, redirectURI string, scopes scope.Set) (string, *GrantError) {
	if principalID == "" || clientID == "" {
		return "", ErrInvalidGrant("principal and client are required")
	}

	if gerr := a.requirePrincipalActive(ctx, principalID, clientID); gerr != nil {
		return "", gerr
	}

	allowed, gerr := a.clientScopes(ctx, clientID)
	if gerr != nil {
		return "", gerr
	}
	granted, gerr := resolveScopes(scopes, allowed)
	if gerr != nil {
		return "", gerr
	}

	code := a.ids.NewOpaqueID()
	now := a.clock.NowUTC()
	record := &storage.AuthorizationCode{
		ID:          storage.HashID(code),
		PrincipalID: principalID,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       granted.String(),
		ExpiresAt:   now.Add(a.config.AuthorizationCodeTTL),
		CreatedAt:   now,
	}

	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	if err := a.store.SaveAuthorizationCode(storeCtx, record); err != nil {
		return "", a.storeFailure("persist authorization code", err)
	}

	a.logger.Debug("authorization code issued",
		"client_id", clientID,
		"scope", granted.String(),
		"expires_at", record.ExpiresAt)
	a.Metrics.RecordCodeIssued(ctx, clientID)
	return code, nil
}

// authenticateClient verifies the client secret. When secretRequired is
// false a client presenting no secret is treated as public; a presented
// secret is always checked.
func (a *Authority) authenticateClient(ctx context.Context, clientID, clientSecret string, secretRequired bool) *GrantError {
	if clientSecret == "" {
		if secretRequired {
			a.Auditor.LogAuthFailure("", clientID, "missing_client_secret")
			return ErrInvalidClient("client authentication required")
		}
		return nil
	}

	storeCtx, cancel := a.storeContext(ctx)
	ok, err := a.verifier.VerifyCredential(storeCtx, clientID, clientSecret, CredentialKindClient)
	cancel()
	if err != nil {
		return a.storeFailure("verify client secret", err)
	}
	if !ok {
		a.Auditor.LogAuthFailure("", clientID, "bad_client_secret")
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

// requirePrincipalActive re-checks the active flag at issuance time, so a
// suspension invalidates otherwise valid grant material immediately.
func (a *Authority) requirePrincipalActive(ctx context.Context, principalID, clientID string) *GrantError {
	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	active, err := a.principals.PrincipalActive(storeCtx, principalID)
	if err != nil {
		return a.storeFailure("check principal active", err)
	}
	if !active {
		a.Auditor.LogAuthFailure(principalID, clientID, "principal_suspended")
		return ErrInvalidGrant("principal is not active")
	}
	return nil
}

// clientScopes loads the client scope allow-list.
func (a *Authority) clientScopes(ctx context.Context, clientID string) (scope.Set, *GrantError) {
	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	allowed, err := a.clients.ClientAllowedScopes(storeCtx, clientID)
	if err != nil {
		a.logger.Debug("client scope lookup failed",
			"client_id", clientID,
			"error", err)
		return nil, ErrInvalidClient("unknown client")
	}
	return allowed, nil
}

// mintPair signs the access token and, when withRefresh is set, persists
// the refresh record. rotateFrom selects between creating a fresh chain and
// atomically rotating an existing one; refreshScope is the scope stored on
// the refresh record (it may be wider than the access token's scope on
// refresh, never wider than the original grant).
func (a *Authority) mintPair(
	ctx context.Context,
	principalID, clientID string,
	accessScope, refreshScope scope.Set,
	withRefresh bool,
	rotateFrom *string,
) (*TokenPair, *GrantError) {
	now := a.clock.NowUTC()
	accessExpiry := now.Add(a.config.AccessTokenTTL)

	accessToken, err := a.codec.Sign(principalID, clientID, accessScope, a.ids.NewTokenID(), now, accessExpiry)
	if err != nil {
		a.logger.Error("failed to sign access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	pair := &TokenPair{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(a.config.AccessTokenTTL.Seconds()),
		Scope:       accessScope,
	}

	if !withRefresh {
		return pair, nil
	}

	refreshValue := a.ids.NewOpaqueID()
	record := &storage.RefreshToken{
		ID:            storage.HashID(refreshValue),
		PrincipalID:   principalID,
		ClientID:      clientID,
		Scope:         refreshScope.String(),
		ExpiresAt:     now.Add(a.config.RefreshTokenTTL),
		PredecessorID: rotateFrom,
		CreatedAt:     now,
	}

	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	if rotateFrom == nil {
		if err := a.store.CreateRefreshToken(storeCtx, record); err != nil {
			return nil, a.storeFailure("persist refresh token", err)
		}
	} else {
		old, err := a.store.RotateRefreshToken(storeCtx, *rotateFrom, record)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrTokenReplayed):
				// The store revoked the chain before returning. Surface the
				// security event, then the distinguished error code.
				principal, client := principalID, clientID
				if old != nil {
					principal, client = old.PrincipalID, old.ClientID
				}
				a.logger.Error("refresh token replay detected, rotation chain revoked",
					"principal_id", principal,
					"client_id", client)
				a.Auditor.LogReplayDetected(principal, client, "refresh_token", 0)
				a.Metrics.RecordReplayDetected(ctx, "refresh_token")
				return nil, ErrReplayDetected("refresh token reuse detected")
			case errors.Is(err, storage.ErrTokenNotFound),
				errors.Is(err, storage.ErrTokenExpired),
				errors.Is(err, storage.ErrTokenRevoked):
				return nil, ErrInvalidGrant("invalid refresh token")
			default:
				return nil, a.storeFailure("rotate refresh token", err)
			}
		}
	}

	pair.RefreshToken = refreshValue
	return pair, nil
}

// revokeChainForReplay tears down a refresh-token rotation chain after a
// revoked generation was presented, and returns the distinguished error.
func (a *Authority) revokeChainForReplay(ctx context.Context, tokenID string, record *storage.RefreshToken) *GrantError {
	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	n, err := a.store.RevokeChain(storeCtx, tokenID)
	if err != nil {
		a.logger.Error("failed to revoke rotation chain after replay", "error", err)
	}

	a.logger.Error("refresh token replay detected, rotation chain revoked",
		"principal_id", record.PrincipalID,
		"client_id", record.ClientID,
		"revoked", n)
	a.Auditor.LogReplayDetected(record.PrincipalID, record.ClientID, "refresh_token", n)
	a.Metrics.RecordReplayDetected(ctx, "refresh_token")
	a.Metrics.RecordTokenRevoked(ctx, record.ClientID)
	return ErrReplayDetected("refresh token reuse detected")
}

// respondToCodeReuse is the security response to a consumed code being
// presented again: every token issued to the principal+client pair is
// revoked, since the first exchange may have gone to a thief.
func (a *Authority) respondToCodeReuse(ctx context.Context, record *storage.AuthorizationCode, clientID string) {
	if record == nil {
		return
	}

	storeCtx, cancel := a.storeContext(ctx)
	defer cancel()

	n, err := a.store.RevokeAllForPrincipalClient(storeCtx, record.PrincipalID, clientID)
	if err != nil {
		a.logger.Error("failed to revoke tokens after code reuse", "error", err)
	}

	a.logger.Error("authorization code reuse detected, tokens revoked",
		"principal_id", record.PrincipalID,
		"client_id", clientID,
		"revoked", n)
	a.Auditor.LogReplayDetected(record.PrincipalID, clientID, "authorization_code", n)
	a.Metrics.RecordReplayDetected(ctx, "authorization_code")
	a.Metrics.RecordTokenRevoked(ctx, clientID)
}
