package server

import (
	"context"
	"testing"
	"time"

	"github.com/helpdeskhq/oauth-provider/internal/testutil"
)

func TestRevokeToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	app := testutil.ConfidentialApp("client-1", "unused")
	set, err := env.server.IssueTokens(ctx, app, "user-1", "", []string{"read"}, false)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}

	if err := env.server.RevokeToken(ctx, set.AccessToken, "client-1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	if _, err := env.server.VerifyAccessToken(ctx, set.AccessToken); !IsErrorCode(err, ErrorCodeInvalidToken) {
		t.Errorf("revoked token error = %v, want invalid_token", err)
	}

	// Revocation is idempotent.
	if err := env.server.RevokeToken(ctx, set.AccessToken, "client-1"); err != nil {
		t.Errorf("second RevokeToken() error = %v", err)
	}
}

func TestRevokeTokenNoOracle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	app := testutil.ConfidentialApp("client-1", "unused")
	set, err := env.server.IssueTokens(ctx, app, "user-1", "", []string{"read"}, false)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}

	// Unknown token, empty token, and a foreign client's token all succeed
	// without revealing anything.
	if err := env.server.RevokeToken(ctx, "never-issued", "client-1"); err != nil {
		t.Errorf("RevokeToken() unknown token error = %v", err)
	}
	if err := env.server.RevokeToken(ctx, "", "client-1"); err != nil {
		t.Errorf("RevokeToken() empty token error = %v", err)
	}
	if err := env.server.RevokeToken(ctx, set.AccessToken, "client-2"); err != nil {
		t.Errorf("RevokeToken() foreign client error = %v", err)
	}

	// The foreign attempt did not revoke the token.
	if _, err := env.server.VerifyAccessToken(ctx, set.AccessToken); err != nil {
		t.Errorf("token after foreign revocation attempt error = %v", err)
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	app := testutil.ConfidentialApp("client-1", "unused")
	set, err := env.server.IssueTokens(ctx, app, "user-1", "",
		[]string{"read", "offline_access"}, true)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}

	if err := env.server.RevokeToken(ctx, set.RefreshToken, "client-1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	if _, err := env.server.RefreshTokens(ctx, app, set.RefreshToken, ""); !IsErrorCode(err, ErrorCodeInvalidGrant) {
		t.Errorf("revoked refresh token error = %v, want invalid_grant", err)
	}
}

func TestIntrospectToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	app := testutil.ConfidentialApp("client-1", "unused")
	set, err := env.server.IssueTokens(ctx, app, "user-1", "org-1", []string{"read", "write"}, false)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}

	got := env.server.IntrospectToken(ctx, set.AccessToken, "client-1")
	if !got.Active {
		t.Fatal("live token should introspect active")
	}
	if got.Scope != "read write" {
		t.Errorf("Scope = %q, want %q", got.Scope, "read write")
	}
	if got.ClientID != "client-1" || got.Sub != "user-1" || got.OrgID != "org-1" {
		t.Errorf("identity = %s/%s/%s, want client-1/user-1/org-1", got.ClientID, got.Sub, got.OrgID)
	}
	if got.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", got.TokenType)
	}
	if got.JTI == "" {
		t.Error("JTI should be populated")
	}

	wantExp := env.clock.Now().Add(DefaultAccessTokenTTL).Unix()
	if got.Exp != wantExp {
		t.Errorf("Exp = %d, want %d", got.Exp, wantExp)
	}
	if got.Iat != env.clock.Now().Unix() {
		t.Errorf("Iat = %d, want %d", got.Iat, env.clock.Now().Unix())
	}
}

func TestIntrospectTokenInactiveCases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	app := testutil.ConfidentialApp("client-1", "unused")
	set, err := env.server.IssueTokens(ctx, app, "user-1", "", []string{"read"}, false)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}

	revokedSet, err := env.server.IssueTokens(ctx, app, "user-2", "", []string{"read"}, false)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}
	if err := env.server.RevokeToken(ctx, revokedSet.AccessToken, "client-1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	assertInactive := func(t *testing.T, got *Introspection) {
		t.Helper()
		if got.Active {
			t.Error("want inactive")
		}
		// Inactive responses carry nothing else.
		if got.Scope != "" || got.ClientID != "" || got.Sub != "" || got.Exp != 0 {
			t.Errorf("inactive response leaked detail: %+v", got)
		}
	}

	t.Run("garbage token", func(t *testing.T) {
		assertInactive(t, env.server.IntrospectToken(ctx, "garbage", "client-1"))
	})

	t.Run("empty token", func(t *testing.T) {
		assertInactive(t, env.server.IntrospectToken(ctx, "", "client-1"))
	})

	t.Run("foreign client", func(t *testing.T) {
		assertInactive(t, env.server.IntrospectToken(ctx, set.AccessToken, "client-2"))
	})

	t.Run("revoked token", func(t *testing.T) {
		assertInactive(t, env.server.IntrospectToken(ctx, revokedSet.AccessToken, "client-1"))
	})

	t.Run("expired token", func(t *testing.T) {
		env.advance(DefaultAccessTokenTTL + time.Second)
		defer env.advance(-(DefaultAccessTokenTTL + time.Second))
		assertInactive(t, env.server.IntrospectToken(ctx, set.AccessToken, "client-1"))
	})
}

func TestIntrospectInactiveInsideGraceWindow(t *testing.T) {
	env := newTestEnvWithConfig(t, &Config{
		Issuer:               "https://auth.test.example.com",
		SupportedScopes:      []string{"read"},
		ClockSkewGracePeriod: 5 * time.Second,
	})
	ctx := context.Background()

	app := testutil.ConfidentialApp("client-1", "unused")
	set, err := env.server.IssueTokens(ctx, app, "user-1", "", []string{"read"}, false)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}

	// 3s past expiry: verification tolerates the skew, introspection
	// reports the token's actual state.
	env.advance(DefaultAccessTokenTTL + 3*time.Second)

	if _, err := env.server.VerifyAccessToken(ctx, set.AccessToken); err != nil {
		t.Errorf("VerifyAccessToken() inside grace window error = %v", err)
	}
	if got := env.server.IntrospectToken(ctx, set.AccessToken, "client-1"); got.Active {
		t.Error("introspection inside grace window should report inactive")
	}
}

func TestEndToEndAuthorizationFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	app := testutil.PublicApp("client-1")
	seedApp(t, env, app)
	pkce := testutil.GeneratePKCEPair()

	// Authorize: the embedding app authenticated the user and asks for a
	// code.
	code, err := env.server.IssueAuthorizationCode(ctx, CodeRequest{
		ClientID:            "client-1",
		UserID:              "user-1",
		OrgID:               "org-1",
		RedirectURI:         "https://spa.example.com/callback",
		Scopes:              []string{"read", "offline_access"},
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: pkce.Method,
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	// Token endpoint: exchange the code.
	grant, err := env.server.ExchangeAuthorizationCode(ctx, code, "client-1",
		"https://spa.example.com/callback", pkce.Verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	set, err := env.server.IssueTokens(ctx, app, grant.UserID, grant.OrgID, grant.Scopes, true)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}

	// Resource server: the access token verifies and introspects active.
	if _, err := env.server.VerifyAccessToken(ctx, set.AccessToken); err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}
	if got := env.server.IntrospectToken(ctx, set.AccessToken, "client-1"); !got.Active {
		t.Fatal("fresh access token should introspect active")
	}

	// Refresh rotates the pair.
	next, err := env.server.RefreshTokens(ctx, app, set.RefreshToken, "")
	if err != nil {
		t.Fatalf("RefreshTokens() error = %v", err)
	}

	// Logout: revoke the rotated refresh token.
	if err := env.server.RevokeToken(ctx, next.RefreshToken, "client-1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if _, err := env.server.RefreshTokens(ctx, app, next.RefreshToken, ""); !IsErrorCode(err, ErrorCodeInvalidGrant) {
		t.Errorf("refresh after logout error = %v, want invalid_grant", err)
	}

	// The replayed code still triggers the kill switch for whatever is
	// left.
	if _, err := env.server.ExchangeAuthorizationCode(ctx, code, "client-1",
		"https://spa.example.com/callback", pkce.Verifier); !IsErrorCode(err, ErrorCodeInvalidGrant) {
		t.Errorf("code replay error = %v, want invalid_grant", err)
	}
	if _, err := env.server.VerifyAccessToken(ctx, next.AccessToken); !IsErrorCode(err, ErrorCodeInvalidToken) {
		t.Errorf("access token after replay error = %v, want invalid_token", err)
	}
}
