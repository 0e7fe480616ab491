package grant

import (
	"fmt"
	"net/http"
)

// Grant error codes. The first five mirror RFC 6749; the rest distinguish
// outcomes that need a different operational response even though they
// reject the same credential.
const (
	ErrorCodeInvalidClient          = "invalid_client"
	ErrorCodeUnauthorizedClient     = "unauthorized_client"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeInvalidScope           = "invalid_scope"
	ErrorCodeUnsupportedGrantType   = "unsupported_grant_type"
	ErrorCodeReplayDetected         = "replay_detected"
	ErrorCodeRateLimited            = "rate_limited"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
	ErrorCodeMalformedToken         = "malformed_token"
	ErrorCodeExpiredToken           = "expired_token"
	ErrorCodeSignatureInvalid       = "signature_invalid"
	ErrorCodeServerError            = "server_error"
)

// GrantError is the typed failure returned by every authority entry point.
// Descriptions are written for callers: no internal identifiers or
// store-level error text ever appears in them.
type GrantError struct {
	Code        string // stable error code (e.g. "invalid_grant")
	Description string // human-readable description
	Status      int    // suggested HTTP status code
}

// Error implements the error interface.
func (e *GrantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Common grant errors as constructor functions.
var (
	// ErrInvalidClient indicates client authentication failed.
	ErrInvalidClient = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeInvalidClient, Description: desc, Status: http.StatusUnauthorized}
	}

	// ErrUnauthorizedClient indicates the client may not use this grant type.
	ErrUnauthorizedClient = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeUnauthorizedClient, Description: desc, Status: http.StatusBadRequest}
	}

	// ErrInvalidGrant indicates the presented credential is bad, expired,
	// consumed, or mismatched. Deliberately generic toward callers.
	ErrInvalidGrant = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeInvalidGrant, Description: desc, Status: http.StatusBadRequest}
	}

	// ErrInvalidScope indicates the requested scopes exceed what is allowed.
	ErrInvalidScope = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeInvalidScope, Description: desc, Status: http.StatusBadRequest}
	}

	// ErrUnsupportedGrantType indicates an unknown grant type.
	ErrUnsupportedGrantType = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeUnsupportedGrantType, Description: desc, Status: http.StatusBadRequest}
	}

	// ErrReplayDetected indicates reuse of a rotated-out refresh token.
	// Callers should treat this as security-incident-worthy; the rotation
	// chain has already been revoked when this error is returned.
	ErrReplayDetected = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeReplayDetected, Description: desc, Status: http.StatusBadRequest}
	}

	// ErrRateLimited indicates the rate guard rejected the attempt.
	ErrRateLimited = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeRateLimited, Description: desc, Status: http.StatusTooManyRequests}
	}

	// ErrTemporarilyUnavailable indicates a store or cache deadline was
	// exceeded. The request must not be retried automatically by the
	// authority: a consume or rotate may have taken effect.
	ErrTemporarilyUnavailable = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeTemporarilyUnavailable, Description: desc, Status: http.StatusServiceUnavailable}
	}

	// ErrMalformedToken indicates an access token that does not parse.
	ErrMalformedToken = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeMalformedToken, Description: desc, Status: http.StatusUnauthorized}
	}

	// ErrExpiredToken indicates an access token past its expiry.
	ErrExpiredToken = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeExpiredToken, Description: desc, Status: http.StatusUnauthorized}
	}

	// ErrSignatureInvalid indicates a bad signature, issuer, or algorithm.
	ErrSignatureInvalid = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeSignatureInvalid, Description: desc, Status: http.StatusUnauthorized}
	}

	// ErrServerError indicates an unexpected internal failure.
	ErrServerError = func(desc string) *GrantError {
		return &GrantError{Code: ErrorCodeServerError, Description: desc, Status: http.StatusInternalServerError}
	}
)
