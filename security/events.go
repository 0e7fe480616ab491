package security

// Event type constants for security audit logging. Using constants keeps
// event names consistent for downstream alerting rules.
const (
	// EventTokenIssued is logged when a new token pair is issued.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked explicitly.
	EventTokenRevoked = "token_revoked"

	// EventReplayDetected is logged when a consumed code or rotated-out
	// refresh token is presented again. Treated as a security incident.
	EventReplayDetected = "replay_detected"

	// EventAuthFailure is logged when credential or grant validation fails.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when the rate guard rejects an attempt.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventChainRevoked is logged when a rotation chain is revoked in bulk.
	EventChainRevoked = "rotation_chain_revoked"
)
