package server

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/helpdeskhq/oauth-provider/storage"
)

// dummySecretHash is a pre-computed bcrypt hash compared against when the
// client is unknown or has no secret, so the failure path costs the same as
// a real comparison. Without it, response timing would reveal whether a
// client ID exists.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// VerifyClient authenticates a client and checks it may use grantType.
// Public apps authenticate by client ID alone (PKCE carries the proof);
// confidential apps must present their secret. Pass an empty grantType to
// skip the allow-list check, as the revocation and introspection endpoints
// do.
//
// All failures converge on invalid_client with the same description, except
// the grant allow-list check which is its own error code.
func (s *Server) VerifyClient(ctx context.Context, clientID, clientSecret, grantType string) (*storage.App, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication failed")
	}

	app, err := s.apps.GetApp(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrAppNotFound) {
		s.Logger.Error("App registry lookup failed", "error", err)
		return nil, ErrServerError("app lookup failed")
	}

	// Run exactly one bcrypt comparison on every path so unknown clients,
	// public clients, and wrong secrets are indistinguishable by timing.
	hashToCompare := dummySecretHash
	if app != nil && app.SecretHash != "" {
		hashToCompare = app.SecretHash
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if app == nil {
		s.Auditor.LogAuthFailure(clientID, "unknown client")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if app.Confidential {
		if app.SecretHash == "" || compareErr != nil {
			s.Auditor.LogAuthFailure(clientID, "secret mismatch")
			return nil, ErrInvalidClient("client authentication failed")
		}
	} else if clientSecret != "" {
		// Public apps have no secret; presenting one is a misconfigured
		// client, not an authentication factor.
		s.Logger.Warn("Public client sent a client_secret; ignoring",
			"client_id", clientID)
	}

	if !app.IsActive() {
		s.Auditor.LogAuthFailure(clientID, "client not active")
		return nil, ErrInvalidClient("client is not active")
	}

	if grantType != "" && !app.AllowsGrantType(grantType) {
		return nil, ErrUnsupportedGrantType("grant type not allowed for this client: " + grantType)
	}

	return app, nil
}

// HashClientSecret produces the bcrypt hash stored in App.SecretHash.
// Registration tooling calls this; the engine itself never sees plaintext
// secrets outside of VerifyClient.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
