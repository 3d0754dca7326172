package server

import (
	"fmt"
	"time"
)

const (
	// DefaultAccessTokenTTL is the default access token lifetime.
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the default refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultOfflineAccessScope gates refresh token issuance: a grant only
	// receives a refresh token when this scope was granted.
	DefaultOfflineAccessScope = "offline_access"

	// AuthorizationCodeTTL is the fixed lifetime of authorization codes.
	// Deliberately not configurable; codes are meant to be exchanged
	// immediately after the redirect.
	AuthorizationCodeTTL = 600 * time.Second
)

// Config holds the engine configuration.
type Config struct {
	// Issuer is the value of the "iss" claim in every signed token.
	// Required.
	Issuer string

	// SupportedScopes is the registry of scopes this deployment knows.
	// Scope requests containing anything outside this set are rejected.
	// Required.
	SupportedScopes []string

	// AccessTokenTTL is the default access token lifetime, overridable per
	// app. Zero means DefaultAccessTokenTTL.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the default refresh token lifetime, overridable
	// per app. Zero means DefaultRefreshTokenTTL.
	RefreshTokenTTL time.Duration

	// OfflineAccessScope names the scope that must be granted for a
	// refresh token to be issued. Empty means DefaultOfflineAccessScope.
	OfflineAccessScope string

	// AllowPKCEPlain permits the deprecated "plain" code challenge method
	// for legacy clients. S256 is always accepted.
	AllowPKCEPlain bool

	// AllowPublicAppsWithoutPKCE disables the requirement that public apps
	// bind a PKCE challenge to their authorization codes. Leave false.
	AllowPublicAppsWithoutPKCE bool

	// ClockSkewGracePeriod is the leeway applied to token expiry checks
	// during verification. New wires it into the verifier's leeway and the
	// engine applies it to record-level expiry checks. It never applies to
	// authorization codes. Zero means no leeway.
	ClockSkewGracePeriod time.Duration

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// SecurityEventRate and SecurityEventBurst throttle per-client security
	// event logging so replay storms cannot flood the audit stream. Zeros
	// mean 1 event/sec with a burst of 5.
	SecurityEventRate  int
	SecurityEventBurst int
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if len(c.SupportedScopes) == 0 {
		return fmt.Errorf("at least one supported scope is required")
	}
	return nil
}

// applyDefaults fills zero values in place.
func (c *Config) applyDefaults() {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.OfflineAccessScope == "" {
		c.OfflineAccessScope = DefaultOfflineAccessScope
	}
	if c.SecurityEventRate <= 0 {
		c.SecurityEventRate = 1
	}
	if c.SecurityEventBurst <= 0 {
		c.SecurityEventBurst = 5
	}
}
