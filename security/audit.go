package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Principal
// identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type        string
	PrincipalID string
	ClientID    string
	Details     map[string]any
	Timestamp   time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"principal_id_hash", hashForLogging(event.PrincipalID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs the issuance of a token pair.
func (a *Auditor) LogTokenIssued(principalID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:        EventTokenIssued,
		PrincipalID: principalID,
		ClientID:    clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh-token rotation.
func (a *Auditor) LogTokenRefreshed(principalID, clientID, scope string) {
	a.LogEvent(Event{
		Type:        EventTokenRefreshed,
		PrincipalID: principalID,
		ClientID:    clientID,
		Details: map[string]any{
			"scope":   scope,
			"rotated": true,
		},
	})
}

// LogTokenRevoked logs an explicit revocation.
func (a *Auditor) LogTokenRevoked(principalID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:        EventTokenRevoked,
		PrincipalID: principalID,
		ClientID:    clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogReplayDetected logs reuse of a rotated-out refresh token or a consumed
// authorization code. This is the incident-response trigger.
func (a *Auditor) LogReplayDetected(principalID, clientID, credential string, chainRevoked int) {
	a.LogEvent(Event{
		Type:        EventReplayDetected,
		PrincipalID: principalID,
		ClientID:    clientID,
		Details: map[string]any{
			"severity":       "critical",
			"credential":     credential,
			"tokens_revoked": chainRevoked,
		},
	})
}

// LogChainRevoked logs the bulk revocation of a rotation chain, whether
// from replay response or an explicit revoke of one generation.
func (a *Auditor) LogChainRevoked(principalID, clientID string, chainRevoked int) {
	a.LogEvent(Event{
		Type:        EventChainRevoked,
		PrincipalID: principalID,
		ClientID:    clientID,
		Details: map[string]any{
			"tokens_revoked": chainRevoked,
		},
	})
}

// LogAuthFailure logs an authentication or grant failure.
func (a *Auditor) LogAuthFailure(principalID, clientID, reason string) {
	a.LogEvent(Event{
		Type:        EventAuthFailure,
		PrincipalID: principalID,
		ClientID:    clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rejected grant attempt.
func (a *Auditor) LogRateLimitExceeded(principalID, clientID, grantType string) {
	a.LogEvent(Event{
		Type:        EventRateLimitExceeded,
		PrincipalID: principalID,
		ClientID:    clientID,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
