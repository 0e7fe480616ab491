package grant

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/clearauth/grantd/scope"
)

// GrantType identifies one of the four supported exchange flows. The set is
// closed: ParseGrantType rejects anything else before dispatch, so the
// switch in Grant never needs a live default branch.
type GrantType string

const (
	GrantTypePassword          GrantType = "password"
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeClientCredentials GrantType = "client_credentials"
)

// ParseGrantType validates a wire-format grant type string.
func ParseGrantType(raw string) (GrantType, bool) {
	switch gt := GrantType(raw); gt {
	case GrantTypePassword, GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials:
		return gt, true
	default:
		return "", false
	}
}

// Request carries the credential material for one grant attempt. Which
// fields are consulted depends on GrantType; everything else is ignored.
type Request struct {
	GrantType GrantType

	// Client identity. ClientSecret is required for the client-credentials
	// grant and for confidential clients on the other grants.
	ClientID     string
	ClientSecret string

	// Direct credential grant.
	PrincipalID string
	Secret      string

	// Authorization-code exchange.
	Code        string
	RedirectURI string

	// Refresh-token exchange.
	RefreshToken string

	// Requested scopes. Optional; an empty set requests everything the
	// grant allows.
	Scope scope.Set
}

// TokenPair is the successful outcome of a grant: an access token, its
// expiry, and (for grants that issue one) a refresh token.
type TokenPair struct {
	AccessToken  string
	TokenType    string // always "Bearer"
	ExpiresIn    int64  // seconds until access-token expiry
	RefreshToken string // empty for the client-credentials grant
	Scope        scope.Set
}

// CredentialKind distinguishes user secrets from client secrets when
// calling the credential verifier.
type CredentialKind string

const (
	CredentialKindUser   CredentialKind = "user"
	CredentialKindClient CredentialKind = "client"
)

// CredentialVerifier checks a presented secret against the stored
// credential for a principal or client. Wraps password hashing; the
// authority only ever sees match/no-match.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, id, secret string, kind CredentialKind) (bool, error)
}

// PrincipalDirectory exposes the principal active-flag, re-checked at every
// issuance so suspension takes effect on the next grant attempt.
type PrincipalDirectory interface {
	PrincipalActive(ctx context.Context, principalID string) (bool, error)
}

// ClientDirectory exposes the per-client allow-lists the authority
// enforces.
type ClientDirectory interface {
	ClientAllowedScopes(ctx context.Context, clientID string) (scope.Set, error)
	ClientAllowedGrantTypes(ctx context.Context, clientID string) ([]GrantType, error)
}

// Clock abstracts the time source for expiries.
type Clock interface {
	NowUTC() time.Time
}

// IDSource generates the opaque values used for codes, refresh tokens, and
// access-token identifiers.
type IDSource interface {
	// NewOpaqueID returns a high-entropy URL-safe secret value.
	NewOpaqueID() string
	// NewTokenID returns a unique identifier for revocation lookups.
	NewTokenID() string
}

type systemClock struct{}

func (systemClock) NowUTC() time.Time { return time.Now().UTC() }

type randomIDSource struct{}

// NewOpaqueID uses the same generator as PKCE verifiers: 256 bits of
// crypto/rand entropy, base64url-encoded.
func (randomIDSource) NewOpaqueID() string { return oauth2.GenerateVerifier() }

func (randomIDSource) NewTokenID() string { return uuid.NewString() }
