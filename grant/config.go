package grant

import (
	"errors"
	"log/slog"
	"time"

	"github.com/clearauth/grantd/security"
)

// Config holds the authority's immutable configuration. It is passed at
// construction time; signing keys and allow-lists are never read from
// ambient globals, which keeps tests isolated and makes key rotation a
// matter of constructing a new authority.
type Config struct {
	// Issuer is the authority's issuer identifier, embedded in every
	// access token and checked on verification.
	Issuer string

	// SigningKey is the HMAC key for the token codec. Required.
	SigningKey []byte

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid.
	// Default: 30 days.
	RefreshTokenTTL time.Duration

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// ClockSkewGrace is the grace period applied to expiry checks.
	// Default: 5 seconds.
	ClockSkewGrace time.Duration

	// StoreTimeout is the deadline applied to every store and cache call.
	// On timeout the authority fails closed with temporarily_unavailable;
	// it never retries, since a timed-out consume or rotate may have taken
	// effect. Default: 3 seconds.
	StoreTimeout time.Duration

	// FailOpen controls verification behavior when the revocation index is
	// unreachable. The zero value fails closed: the token is rejected with
	// temporarily_unavailable. Setting FailOpen degrades to treating the
	// token as not revoked; only do that when the index is itself the
	// durable source of truth.
	FailOpen bool
}

// defaultStoreTimeout bounds store and cache calls when the config leaves
// StoreTimeout unset.
const defaultStoreTimeout = 3 * time.Second

// applyDefaults fills zero values with the defaults above. FailOpen needs no
// default: the zero value is the secure fail-closed mode.
func (c *Config) applyDefaults() {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = 10 * time.Minute
	}
	if c.ClockSkewGrace == 0 {
		c.ClockSkewGrace = security.DefaultClockSkewGracePeriod
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
}

// validate rejects configurations the authority cannot start with. A
// missing signing key is the one genuinely unexpected condition that should
// abort the process rather than surface per-request.
func (c *Config) validate(logger *slog.Logger) error {
	if len(c.SigningKey) == 0 {
		return errors.New("signing key is required")
	}
	if len(c.SigningKey) < 32 {
		logger.Warn("signing key is shorter than 32 bytes",
			"length", len(c.SigningKey),
			"recommendation", "use at least 256 bits of entropy")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	return nil
}
