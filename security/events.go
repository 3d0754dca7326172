package security

// Event type constants for security audit logging. Using named constants
// keeps event types consistent across the codebase.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new token pair is issued to a client.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when tokens are reissued via the
	// refresh_token grant.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked on request.
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when every token for a user/client
	// pair is revoked at once.
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is minted.
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization
	// code is presented a second time. This is treated as an attack.
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when code_verifier validation fails.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventScopeEscalationAttempt is logged when a client requests scopes
	// beyond its registration.
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventOwnershipViolation is logged when a client presents a token it
	// does not own to the revocation or introspection endpoint.
	EventOwnershipViolation = "token_ownership_violation"
)
