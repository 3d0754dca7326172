package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers discriminate
// with errors.Is; implementations may wrap these with additional context.
var (
	// ErrAppNotFound is returned when no application is registered under the
	// requested client ID.
	ErrAppNotFound = errors.New("application not found")

	// ErrCodeNotFound is returned when an authorization code does not exist,
	// or exists but is bound to a different client.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired is returned when an authorization code exists but its
	// expiry has passed.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeUsed is returned by ClaimAuthorizationCode when the code has
	// already been redeemed. The record is returned alongside this error so
	// the caller can run its replay response.
	ErrCodeUsed = errors.New("authorization code already used")

	// ErrTokenRecordNotFound is returned when no issued-token record exists
	// for the given token hash.
	ErrTokenRecordNotFound = errors.New("issued token record not found")

	// ErrTokenRevoked is returned by RevokeIssuedToken when the record was
	// already revoked. Exactly one concurrent revoke succeeds; all others
	// get this error.
	ErrTokenRevoked = errors.New("issued token already revoked")
)

// AppStatus is the lifecycle state of a registered application.
type AppStatus string

const (
	AppStatusActive    AppStatus = "active"
	AppStatusSuspended AppStatus = "suspended"
	AppStatusRevoked   AppStatus = "revoked"
)

// App is a registered OAuth application (client).
type App struct {
	ClientID string `json:"client_id"`

	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// apps, which authenticate via PKCE instead.
	SecretHash string `json:"secret_hash,omitempty"`

	// Confidential is true when the app can keep a secret (server-side
	// apps). Public apps (SPAs, native apps) must use PKCE.
	Confidential bool `json:"confidential"`

	Name         string    `json:"name,omitempty"`
	Status       AppStatus `json:"status"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`

	// GrantTypes is the allow-list of grant types this app may use.
	GrantTypes []string `json:"grant_types"`

	// Scopes is the set of scopes this app may be granted.
	Scopes []string `json:"scopes"`

	// AccessTokenTTL and RefreshTokenTTL override the server defaults when
	// positive. Values are in seconds.
	AccessTokenTTL  int64 `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL int64 `json:"refresh_token_ttl,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
}

// IsActive reports whether the app may be used for any grant.
func (a *App) IsActive() bool {
	return a.Status == AppStatusActive
}

// AllowsGrantType reports whether grantType is in the app's allow-list.
func (a *App) AllowsGrantType(grantType string) bool {
	for _, gt := range a.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsScope reports whether scope is in the app's allowed scope set.
func (a *App) AllowsScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthorizationCode is a one-time credential minted after the resource owner
// approves an authorization request.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	OrgID       string    `json:"org_id,omitempty"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// PKCE binding captured at issuance. Empty when the app did not send a
	// challenge.
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// Used flips to true on first redemption and never back. Used records
	// are retained until well past expiry so replays can be detected.
	Used   bool      `json:"used"`
	UsedAt time.Time `json:"used_at,omitzero"`
}

// TokenType discriminates issued-token records.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// IssuedToken is the server-side record of a signed token. The raw token is
// never stored; records are keyed by TokenHash, a SHA-256 fingerprint of the
// raw token string.
type IssuedToken struct {
	TokenHash string    `json:"token_hash"`
	TokenType TokenType `json:"token_type"`

	ClientID string `json:"client_id"`

	// UserID is empty for tokens minted via the client_credentials grant.
	UserID string `json:"user_id,omitempty"`
	OrgID  string `json:"org_id,omitempty"`

	Scopes []string `json:"scopes"`

	// JTI is the unique token identifier embedded in the signed claims.
	JTI string `json:"jti"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Revoked       bool      `json:"revoked"`
	RevokedAt     time.Time `json:"revoked_at,omitzero"`
	RevokedReason string    `json:"revoked_reason,omitempty"`

	// RotationCount and PreviousTokenHash chain refresh tokens minted by
	// rotation back to their predecessors.
	RotationCount     int    `json:"rotation_count,omitempty"`
	PreviousTokenHash string `json:"previous_token_hash,omitempty"`
}

// IsExpired reports whether the record's expiry has passed at the given time.
func (t *IssuedToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AppRegistry provides read access to registered applications. The
// authorization server core never mutates apps; registration and lifecycle
// management are the embedding application's concern.
type AppRegistry interface {
	// GetApp returns the app registered under clientID, or ErrAppNotFound.
	GetApp(ctx context.Context, clientID string) (*App, error)
}

// CodeStore manages one-time authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly minted code record.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ClaimAuthorizationCode atomically redeems a code for the given client.
	// Exactly one concurrent claim for an unused, unexpired code succeeds
	// and marks the record used. Outcomes:
	//   - unknown code, or code bound to a different client: ErrCodeNotFound
	//   - already used: the record plus ErrCodeUsed, so the caller can
	//     identify the grant for its replay response
	//   - expired: ErrCodeExpired
	//   - success: the record, now marked used
	ClaimAuthorizationCode(ctx context.Context, code, clientID string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code record. Deleting an unknown
	// code is not an error.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages server-side records of issued tokens, keyed by hash.
type TokenStore interface {
	// SaveIssuedToken persists the record for a freshly signed token.
	SaveIssuedToken(ctx context.Context, token *IssuedToken) error

	// GetIssuedToken returns the record for the given token hash, or
	// ErrTokenRecordNotFound.
	GetIssuedToken(ctx context.Context, tokenHash string) (*IssuedToken, error)

	// RevokeIssuedToken flips a record to revoked with the given reason.
	// The flip is conditional: if the record is already revoked the store
	// returns ErrTokenRevoked, which lets callers detect that a concurrent
	// operation won the race.
	RevokeIssuedToken(ctx context.Context, tokenHash, reason string) error

	// RevokeAllForUserClient revokes every live token for the (userID,
	// clientID) pair and returns how many records were flipped. Used for
	// the mass revocation triggered by authorization code replay.
	RevokeAllForUserClient(ctx context.Context, userID, clientID, reason string) (int, error)
}

// Store combines all storage interfaces. Backends that serve a complete
// deployment implement this.
type Store interface {
	AppRegistry
	CodeStore
	TokenStore
}
