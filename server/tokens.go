package server

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helpdeskhq/oauth-provider/instrumentation"
	"github.com/helpdeskhq/oauth-provider/security"
	"github.com/helpdeskhq/oauth-provider/storage"
	"github.com/helpdeskhq/oauth-provider/token"
)

// RevokedReasonRotated marks refresh tokens superseded by rotation.
const RevokedReasonRotated = "rotated"

// TokenSet is a successful token endpoint response before serialization.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string
}

// IssueTokens signs an access token (and, when the grant qualifies, a
// refresh token) for the given identity and scope set, and records both in
// the token store. A refresh token is issued only when includeRefresh is
// set, the grant belongs to a user, and the scope set carries the offline
// access scope.
func (s *Server) IssueTokens(ctx context.Context, app *storage.App, userID, orgID string, scopes []string, includeRefresh bool) (*TokenSet, error) {
	return s.issueTokens(ctx, app, userID, orgID, scopes, scopes, includeRefresh, nil)
}

// issueTokens is the shared issuance path. accessScopes go into the access
// token; grantScopes into the refresh token, preserving the original grant
// across narrowing refreshes. prev, when non-nil, chains the new refresh
// record to the rotated-out one.
func (s *Server) issueTokens(ctx context.Context, app *storage.App, userID, orgID string, accessScopes, grantScopes []string, includeRefresh bool, prev *storage.IssuedToken) (*TokenSet, error) {
	ctx, span := s.startSpan(ctx, "issue_tokens",
		attribute.String(instrumentation.AttrClientID, app.ClientID))
	defer span.End()

	now := s.now()
	accessTTL := s.accessTokenTTL(app)

	subject := userID
	if subject == "" {
		// client_credentials grants act on behalf of the app itself.
		subject = app.ClientID
	}

	accessClaims := &token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTTL)),
		},
		ClientID: app.ClientID,
		OrgID:    orgID,
		Scope:    JoinScope(accessScopes),
		Use:      token.KindAccess,
	}

	accessToken, err := s.signer.Sign(accessClaims)
	if err != nil {
		s.Logger.Error("Failed to sign access token", "error", err)
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("failed to sign token")
	}

	accessRec := &storage.IssuedToken{
		TokenHash: token.Hash(accessToken),
		TokenType: storage.TokenTypeAccess,
		ClientID:  app.ClientID,
		UserID:    userID,
		OrgID:     orgID,
		Scopes:    accessScopes,
		JTI:       accessClaims.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(accessTTL),
	}
	if err := s.tokens.SaveIssuedToken(ctx, accessRec); err != nil {
		// A token without a record cannot be verified or revoked; never
		// hand it out.
		s.Logger.Error("Failed to save access token record", "error", err)
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("failed to record token")
	}

	set := &TokenSet{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       JoinScope(accessScopes),
	}

	if includeRefresh && userID != "" && HasScope(grantScopes, s.Config.OfflineAccessScope) {
		refreshTTL := s.refreshTokenTTL(app)

		refreshClaims := &token.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    s.Config.Issuer,
				Subject:   userID,
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(refreshTTL)),
			},
			ClientID: app.ClientID,
			OrgID:    orgID,
			Scope:    JoinScope(grantScopes),
			Use:      token.KindRefresh,
		}

		refreshToken, err := s.signer.Sign(refreshClaims)
		if err != nil {
			s.Logger.Error("Failed to sign refresh token", "error", err)
			instrumentation.RecordError(span, err)
			return nil, ErrServerError("failed to sign token")
		}

		refreshRec := &storage.IssuedToken{
			TokenHash: token.Hash(refreshToken),
			TokenType: storage.TokenTypeRefresh,
			ClientID:  app.ClientID,
			UserID:    userID,
			OrgID:     orgID,
			Scopes:    grantScopes,
			JTI:       refreshClaims.ID,
			IssuedAt:  now,
			ExpiresAt: now.Add(refreshTTL),
		}
		if prev != nil {
			refreshRec.RotationCount = prev.RotationCount + 1
			refreshRec.PreviousTokenHash = prev.TokenHash
		}
		if err := s.tokens.SaveIssuedToken(ctx, refreshRec); err != nil {
			s.Logger.Error("Failed to save refresh token record", "error", err)
			instrumentation.RecordError(span, err)
			return nil, ErrServerError("failed to record token")
		}

		set.RefreshToken = refreshToken
	}

	instrumentation.SetSpanSuccess(span)
	return set, nil
}

// VerifyAccessToken checks a raw access token end to end: signature,
// temporal claims, token kind, and the revocation state of its server-side
// record. On success the verified claims are returned for the resource
// server to authorize against.
func (s *Server) VerifyAccessToken(ctx context.Context, raw string) (*token.Claims, error) {
	claims, _, err := s.verifyToken(ctx, raw, token.KindAccess)
	return claims, err
}

// verifyToken is the shared verification path for both token kinds.
func (s *Server) verifyToken(ctx context.Context, raw string, kind token.Kind) (*token.Claims, *storage.IssuedToken, error) {
	if raw == "" {
		return nil, nil, ErrInvalidToken("token is required")
	}

	claims, err := s.verifier.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, nil, ErrExpiredToken("token expired")
		}
		return nil, nil, ErrInvalidToken("token verification failed")
	}

	if claims.Use != kind {
		return nil, nil, ErrInvalidToken("wrong token type")
	}

	rec, err := s.tokens.GetIssuedToken(ctx, token.Hash(raw))
	switch {
	case errors.Is(err, storage.ErrTokenRecordNotFound):
		// Signed by us but unknown to the store: issued before a store
		// wipe, or never persisted. Fail closed.
		return nil, nil, ErrInvalidToken("unknown token")
	case err != nil:
		s.Logger.Error("Token record lookup failed", "error", err)
		return nil, nil, ErrServerError("token lookup failed")
	}

	if rec.Revoked {
		return nil, nil, ErrInvalidToken("token has been revoked")
	}

	// The record's expiry normally matches the signed exp claim, but it is
	// the engine's view of the token's lifetime and gets the same grace the
	// verifier applies.
	if security.IsExpiredWithGracePeriod(rec.ExpiresAt, s.now(), s.Config.ClockSkewGracePeriod) {
		return nil, nil, ErrExpiredToken("token expired")
	}

	return claims, rec, nil
}

// RefreshTokens rotates a refresh token: the presented token is revoked and
// a fresh pair is issued. The revocation is conditional on the record not
// being revoked already, so when two requests race with the same refresh
// token exactly one wins; the loser fails with invalid_grant and no tokens.
//
// requestedScope narrows the access token within the original grant; scopes
// outside the grant are silently dropped, and an empty request yields the
// full original grant. The new refresh token always carries the original
// grant scopes, so narrowing one refresh does not narrow the next.
func (s *Server) RefreshTokens(ctx context.Context, app *storage.App, rawRefresh, requestedScope string) (*TokenSet, error) {
	ctx, span := s.startSpan(ctx, "refresh_tokens",
		attribute.String(instrumentation.AttrClientID, app.ClientID))
	defer span.End()

	claims, rec, err := s.verifyToken(ctx, rawRefresh, token.KindRefresh)
	if err != nil {
		if IsErrorCode(err, ErrorCodeServerError) {
			return nil, err
		}
		// At the token endpoint every refresh token defect is
		// invalid_grant, per RFC 6749 §5.2.
		instrumentation.SetSpanError(span, "refresh token rejected")
		return nil, ErrInvalidGrant("invalid or expired refresh token")
	}

	if rec.ClientID != app.ClientID {
		// A valid token presented by the wrong client. Reported like any
		// other bad grant so ownership cannot be probed.
		s.Auditor.LogOwnershipViolation(app.ClientID, "token")
		instrumentation.SetSpanError(span, "refresh token ownership mismatch")
		return nil, ErrInvalidGrant("invalid or expired refresh token")
	}

	requested := ParseScope(requestedScope)
	if requested == nil {
		requested = rec.Scopes
	}
	effective := IntersectScopes(requested, rec.Scopes)
	if len(effective) == 0 {
		return nil, ErrInvalidScope("requested scope is outside the original grant")
	}

	err = s.tokens.RevokeIssuedToken(ctx, rec.TokenHash, RevokedReasonRotated)
	switch {
	case err == nil:
		// we own the rotation

	case errors.Is(err, storage.ErrTokenRevoked),
		errors.Is(err, storage.ErrTokenRecordNotFound):
		// A concurrent refresh won the race between our verify and this
		// revoke. This request loses.
		instrumentation.SetSpanError(span, "lost rotation race")
		return nil, ErrInvalidGrant("invalid or expired refresh token")

	default:
		s.Logger.Error("Failed to revoke rotated refresh token", "error", err)
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("refresh rotation failed")
	}

	set, err := s.issueTokens(ctx, app, rec.UserID, rec.OrgID, effective, rec.Scopes, true, rec)
	if err != nil {
		// The old token is already dead. Failing here strands the client
		// until it re-authorizes, which beats resurrecting a revoked
		// token.
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(rec.UserID, app.ClientID, set.Scope)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRefresh(ctx, app.ClientID)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.Int(instrumentation.AttrRotationCount, rec.RotationCount+1))
	instrumentation.SetSpanSuccess(span)

	s.Logger.Debug("Rotated refresh token",
		"client_id", app.ClientID,
		"rotation_count", rec.RotationCount+1,
		"jti", safeTruncate(claims.ID, 8))

	return set, nil
}

func (s *Server) accessTokenTTL(app *storage.App) time.Duration {
	if app.AccessTokenTTL > 0 {
		return time.Duration(app.AccessTokenTTL) * time.Second
	}
	return s.Config.AccessTokenTTL
}

func (s *Server) refreshTokenTTL(app *storage.App) time.Duration {
	if app.RefreshTokenTTL > 0 {
		return time.Duration(app.RefreshTokenTTL) * time.Second
	}
	return s.Config.RefreshTokenTTL
}
