package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User
// identifiers are hashed before they reach the log stream; client IDs are
// public identifiers and pass through unchanged.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	// eventHook, when set, observes the type of every logged event. Used to
	// feed audit metrics without coupling this package to the meter.
	eventHook func(eventType string)
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// SetEventHook registers fn to be called with the type of each event that
// is actually logged.
func (a *Auditor) SetEventHook(fn func(eventType string)) {
	if a == nil {
		return
	}
	a.eventHook = fn
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	if a.eventHook != nil {
		a.eventHook(event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a successful token issuance.
func (a *Auditor) LogTokenIssued(userID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a refresh-token rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope":   scope,
			"rotated": true,
		},
	})
}

// LogTokenRevoked logs a revocation performed at the client's request.
func (a *Auditor) LogTokenRevoked(userID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAllTokensRevoked logs a mass revocation for a user/client pair.
func (a *Auditor) LogAllTokensRevoked(userID, clientID, reason string, count int) {
	a.LogEvent(Event{
		Type:     EventAllTokensRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
			"count":  count,
		},
	})
}

// LogCodeIssued logs the minting of an authorization code.
func (a *Auditor) LogCodeIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeReuseDetected logs a replayed authorization code.
func (a *Auditor) LogCodeReuseDetected(userID, clientID string, revokedCount int) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"revoked_tokens": revokedCount,
		},
	})
}

// LogAuthFailure logs a client authentication failure.
func (a *Auditor) LogAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogOwnershipViolation logs a client presenting another client's token.
func (a *Auditor) LogOwnershipViolation(clientID, endpoint string) {
	a.LogEvent(Event{
		Type:     EventOwnershipViolation,
		ClientID: clientID,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data so events
// can be correlated without exposing the identifier itself.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
