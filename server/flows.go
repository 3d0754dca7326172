package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/helpdeskhq/oauth-provider/instrumentation"
	"github.com/helpdeskhq/oauth-provider/security"
	"github.com/helpdeskhq/oauth-provider/storage"
)

// RevokedReasonCodeReuse marks tokens mass-revoked after an authorization
// code replay. The value appears in audit events and revocation records.
const RevokedReasonCodeReuse = "code_reuse_detected"

// CodeRequest carries everything the authorize endpoint learned before
// asking the engine to mint a code: the approved client, the authenticated
// user, and the PKCE binding.
type CodeRequest struct {
	ClientID    string
	UserID      string
	OrgID       string
	RedirectURI string
	Scopes      []string

	CodeChallenge       string
	CodeChallengeMethod string
}

// Grant is the outcome of a successful code exchange: the identity and
// scope set the code carried.
type Grant struct {
	UserID string
	OrgID  string
	Scopes []string
}

// IssueAuthorizationCode mints a one-time code bound to the request. The
// caller (the embedding application's authorize endpoint) has already
// authenticated the user and validated the redirect URI against the app's
// registration; the engine records the binding and does not re-validate app
// state here.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req CodeRequest) (string, error) {
	ctx, span := s.startSpan(ctx, "issue_authorization_code")
	defer span.End()

	if req.ClientID == "" || req.UserID == "" || req.RedirectURI == "" {
		return "", ErrInvalidRequest("client_id, user_id, and redirect_uri are required")
	}

	if req.CodeChallenge != "" {
		if err := s.validateChallengeMethod(req.CodeChallengeMethod); err != nil {
			return "", ErrInvalidRequest(err.Error())
		}
	} else if req.CodeChallengeMethod != "" {
		return "", ErrInvalidRequest("code_challenge_method without code_challenge")
	}

	code := generateCode()
	now := s.now()

	rec := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		OrgID:               req.OrgID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		IssuedAt:            now,
		ExpiresAt:           now.Add(AuthorizationCodeTTL),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}

	if err := s.codes.SaveAuthorizationCode(ctx, rec); err != nil {
		s.Logger.Error("Failed to save authorization code", "error", err)
		instrumentation.RecordError(span, err)
		return "", ErrServerError("failed to save authorization code")
	}

	s.Auditor.LogCodeIssued(req.UserID, req.ClientID, JoinScope(req.Scopes))
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeIssued(ctx, req.ClientID)
	}
	instrumentation.SetSpanSuccess(span)

	s.Logger.Debug("Issued authorization code",
		"client_id", req.ClientID,
		"code_prefix", safeTruncate(code, 8),
		"pkce", req.CodeChallenge != "")

	return code, nil
}

// ExchangeAuthorizationCode redeems a code for the grant it carries. The
// claim is atomic: the code flips to used before the redirect URI and PKCE
// checks run, so a code can be consumed at most once no matter how the
// checks turn out. A second presentation of the same code is treated as
// theft and revokes every token previously issued for the code's user and
// client.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*Grant, error) {
	ctx, span := s.startSpan(ctx, "exchange_authorization_code",
		attribute.String(instrumentation.AttrClientID, clientID))
	defer span.End()

	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	ac, err := s.codes.ClaimAuthorizationCode(ctx, code, clientID)
	switch {
	case err == nil:
		// claimed below

	case errors.Is(err, storage.ErrCodeUsed):
		return nil, s.handleCodeReplay(ctx, span, ac, clientID, code)

	case errors.Is(err, storage.ErrCodeNotFound):
		instrumentation.SetSpanError(span, "code not found")
		return nil, ErrInvalidGrant("invalid or expired authorization code")

	case errors.Is(err, storage.ErrCodeExpired):
		// The record no longer serves replay detection once it has
		// expired unclaimed.
		if delErr := s.codes.DeleteAuthorizationCode(ctx, code); delErr != nil {
			s.Logger.Warn("Failed to delete expired authorization code", "error", delErr)
		}
		instrumentation.SetSpanError(span, "code expired")
		return nil, ErrInvalidGrant("authorization code expired")

	default:
		s.Logger.Error("Failed to claim authorization code", "error", err)
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("failed to claim authorization code")
	}

	if subtle.ConstantTimeCompare([]byte(ac.RedirectURI), []byte(redirectURI)) != 1 {
		instrumentation.SetSpanError(span, "redirect_uri mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if ac.CodeChallenge == "" && ac.CodeChallengeMethod == "" {
		// Codes minted for public apps must carry a challenge unless the
		// deployment explicitly opted out.
		app, appErr := s.apps.GetApp(ctx, clientID)
		switch {
		case appErr == nil:
			if !app.Confidential && !s.Config.AllowPublicAppsWithoutPKCE {
				instrumentation.SetSpanError(span, "public app without PKCE")
				return nil, ErrInvalidGrant("PKCE is required for public clients")
			}
		case errors.Is(appErr, storage.ErrAppNotFound):
			// The handler authenticated the client before the exchange; a
			// missing registration here means it was deleted mid-flight.
		default:
			// An unreadable registration must not waive the PKCE
			// requirement.
			s.Logger.Error("App lookup failed during code exchange", "error", appErr)
			instrumentation.RecordError(span, appErr)
			return nil, ErrServerError("failed to verify client registration")
		}
	}

	if err := s.validatePKCE(ac.CodeChallenge, ac.CodeChallengeMethod, codeVerifier); err != nil {
		s.Auditor.LogEvent(securityEventPKCEFailure(clientID, ac.CodeChallengeMethod))
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, ac.CodeChallengeMethod)
		}
		instrumentation.SetSpanError(span, "pkce validation failed")
		return nil, ErrInvalidGrant("invalid code_verifier")
	}

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeExchange(ctx, clientID, ac.CodeChallengeMethod)
	}
	instrumentation.AddGrantAttributes(span, clientID, ac.UserID, JoinScope(ac.Scopes))
	instrumentation.SetSpanSuccess(span)

	return &Grant{
		UserID: ac.UserID,
		OrgID:  ac.OrgID,
		Scopes: ac.Scopes,
	}, nil
}

// handleCodeReplay runs the response to a replayed authorization code:
// revoke everything the original exchange produced for that user and
// client, then fail the request with the same error an unknown code gets.
func (s *Server) handleCodeReplay(ctx context.Context, span trace.Span, ac *storage.AuthorizationCode, clientID, code string) error {
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
	instrumentation.SetSpanError(span, "authorization code replayed")

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	}

	// Throttled so a replay loop cannot flood the log stream.
	if s.securityEvents.Allow("code_reuse:" + clientID) {
		s.Logger.Warn("Authorization code replay detected; revoking all tokens for grant",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
	} else if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordRateLimitExceeded(ctx, "security_events")
	}

	if ac == nil {
		// The store reported a replay but could not return the record, so
		// the grant to mass-revoke is unknown. The exchange still fails,
		// but tokens from the original exchange may be alive.
		s.Logger.Error("Replayed authorization code record is unreadable; mass revocation skipped",
			"client_id", clientID,
			"code_prefix", safeTruncate(code, 8))
	} else {
		revoked, err := s.tokens.RevokeAllForUserClient(ctx, ac.UserID, ac.ClientID, RevokedReasonCodeReuse)
		if err != nil {
			// The exchange still fails, but the mass revocation must be
			// surfaced loudly: tokens that should be dead may be alive.
			s.Logger.Error("Mass revocation after code replay failed",
				"client_id", ac.ClientID,
				"error", err)
		}

		s.Auditor.LogCodeReuseDetected(ac.UserID, ac.ClientID, revoked)
		s.Auditor.LogAllTokensRevoked(ac.UserID, ac.ClientID, RevokedReasonCodeReuse, revoked)
	}

	// The used record has done its job; drop it so the store does not
	// accumulate replayed codes.
	if delErr := s.codes.DeleteAuthorizationCode(ctx, code); delErr != nil {
		s.Logger.Warn("Failed to delete replayed authorization code", "error", delErr)
	}

	return ErrInvalidGrant("invalid or expired authorization code")
}

func securityEventPKCEFailure(clientID, method string) security.Event {
	return security.Event{
		Type:     security.EventPKCEValidationFailed,
		ClientID: clientID,
		Details: map[string]any{
			"method": method,
		},
	}
}

func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, fmt.Sprintf("server.%s", name), trace.WithAttributes(attrs...))
}
