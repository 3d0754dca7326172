// Package security provides cross-cutting security helpers for the
// authorization server: audit logging with PII protection, per-identifier
// rate limiting for security event floods, and clock skew tolerant expiry
// checks.
package security
