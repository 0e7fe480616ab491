// Package token signs and verifies access tokens. The codec is a pure
// function of (claims, key): it performs no I/O and holds no mutable state,
// so a single instance is safe for concurrent use.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clearauth/grantd/scope"
)

// Verification failure classes. Callers branch on these with errors.Is;
// anything that is not expiry or a bad signature is reported as malformed.
var (
	ErrExpired          = errors.New("token expired")
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
)

// AccessClaims is the fixed claim set embedded in every access token.
// Scopes travel in canonical space-joined form. A token missing any
// required claim fails verification as malformed rather than defaulting.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

// Scopes returns the claim's scope string as a parsed set.
func (c *AccessClaims) Scopes() scope.Set {
	return scope.Parse(c.Scope)
}

// Codec signs and verifies access tokens with symmetric HMAC-SHA256.
type Codec struct {
	key    []byte
	issuer string
	leeway time.Duration
}

// NewCodec creates a codec bound to a signing key and issuer identifier.
// leeway is the clock-skew grace applied to time-based claims during
// verification; a token is honored up to that long past its expiry.
func NewCodec(key []byte, issuer string, leeway time.Duration) (*Codec, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is required")
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Codec{key: key, issuer: issuer, leeway: leeway}, nil
}

// Sign mints a token string for the given subject, client and scopes.
// The jti is the caller-supplied token identifier used for revocation lookups.
func (c *Codec) Sign(subject, clientID string, scopes scope.Set, jti string, issuedAt, expiresAt time.Time) (string, error) {
	if subject == "" || jti == "" {
		return "", errors.New("subject and token id are required")
	}

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ClientID: clientID,
		Scope:    scopes.String(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string, returning its claims.
// Tokens signed with any method other than HMAC-SHA256 or issued by a
// different issuer are rejected regardless of signature validity.
func (c *Codec) Verify(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.key, nil
	}, jwt.WithIssuer(c.issuer), jwt.WithLeeway(c.leeway))
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !tok.Valid {
		return nil, ErrSignatureInvalid
	}

	// jwt.ParseWithClaims leaves absent claims at their zero values; every
	// claim in the set is required, so treat holes as malformed.
	if claims.Subject == "" || claims.ID == "" || claims.ClientID == "" ||
		claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing required claim", ErrMalformed)
	}

	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenUnverifiable):
		// Wrong issuer and algorithm confusion both land here. The signature
		// class keeps them out of the malformed bucket callers may retry on.
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
