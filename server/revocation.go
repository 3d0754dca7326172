package server

import (
	"context"
	"crypto/subtle"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/helpdeskhq/oauth-provider/instrumentation"
	"github.com/helpdeskhq/oauth-provider/storage"
	"github.com/helpdeskhq/oauth-provider/token"
)

// RevokedReasonRequest marks tokens revoked at the owning client's request.
const RevokedReasonRequest = "revocation_request"

// RevokeToken revokes a token at its owner's request, per RFC 7009. The
// call succeeds no matter what the token is: unknown tokens, already-revoked
// tokens, and tokens owned by a different client all return nil, so the
// endpoint is not an oracle for token validity. Only infrastructure
// failures surface as errors.
func (s *Server) RevokeToken(ctx context.Context, raw, clientID string) error {
	ctx, span := s.startSpan(ctx, "revoke_token",
		attribute.String(instrumentation.AttrClientID, clientID))
	defer span.End()

	if raw == "" {
		return nil
	}

	hash := token.Hash(raw)

	rec, err := s.tokens.GetIssuedToken(ctx, hash)
	switch {
	case errors.Is(err, storage.ErrTokenRecordNotFound):
		instrumentation.SetSpanSuccess(span)
		return nil
	case err != nil:
		s.Logger.Error("Token lookup failed during revocation", "error", err)
		instrumentation.RecordError(span, err)
		return ErrServerError("revocation failed")
	}

	if rec.ClientID != clientID {
		// Pretend success; log the attempt.
		s.Auditor.LogOwnershipViolation(clientID, "revoke")
		if s.securityEvents.Allow("ownership:" + clientID) {
			s.Logger.Warn("Client attempted to revoke a token it does not own",
				"client_id", clientID)
		}
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	err = s.tokens.RevokeIssuedToken(ctx, hash, RevokedReasonRequest)
	switch {
	case err == nil:
		// flipped by us

	case errors.Is(err, storage.ErrTokenRevoked),
		errors.Is(err, storage.ErrTokenRecordNotFound):
		// Already dead; revocation is idempotent.
		instrumentation.SetSpanSuccess(span)
		return nil

	default:
		s.Logger.Error("Failed to revoke token", "error", err)
		instrumentation.RecordError(span, err)
		return ErrServerError("revocation failed")
	}

	s.Auditor.LogTokenRevoked(rec.UserID, clientID, string(rec.TokenType))
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRevocation(ctx, clientID, RevokedReasonRequest)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrTokenKind, string(rec.TokenType)))
	instrumentation.SetSpanSuccess(span)

	return nil
}

// Introspection is the engine-level result of an introspection request. The
// zero value is the inactive response.
type Introspection struct {
	Active    bool
	Scope     string
	ClientID  string
	TokenType string
	Sub       string
	OrgID     string
	JTI       string
	Exp       int64
	Iat       int64
}

// IntrospectToken reports the state of a token per RFC 7662. Anything short
// of a fully valid, live token owned by the asking client comes back as
// {active: false} with no detail: expired, revoked, forged, unknown, and
// foreign tokens are indistinguishable to the caller.
func (s *Server) IntrospectToken(ctx context.Context, raw, clientID string) *Introspection {
	ctx, span := s.startSpan(ctx, "introspect_token",
		attribute.String(instrumentation.AttrClientID, clientID))
	defer span.End()

	inactive := &Introspection{}

	record := func(active bool) {
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordIntrospection(ctx, clientID, active)
		}
		instrumentation.SetSpanSuccess(span)
	}

	claims, err := s.verifier.Verify(raw)
	if err != nil {
		record(false)
		return inactive
	}

	// Ownership check: only the client the token was issued to may see an
	// active result.
	if subtle.ConstantTimeCompare([]byte(claims.ClientID), []byte(clientID)) != 1 {
		s.Auditor.LogOwnershipViolation(clientID, "introspect")
		record(false)
		return inactive
	}

	rec, err := s.tokens.GetIssuedToken(ctx, token.Hash(raw))
	if err != nil {
		if !errors.Is(err, storage.ErrTokenRecordNotFound) {
			// Store trouble reads as inactive rather than leaking an
			// error distinguishable from a dead token.
			s.Logger.Error("Token lookup failed during introspection", "error", err)
		}
		record(false)
		return inactive
	}
	if rec.Revoked {
		record(false)
		return inactive
	}

	// Introspection reports token state, not verification policy: a token
	// past its recorded expiry is inactive even while the verifier's
	// clock-skew grace would still accept it.
	if rec.IsExpired(s.now()) {
		record(false)
		return inactive
	}

	out := &Introspection{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		TokenType: "Bearer",
		Sub:       claims.Subject,
		OrgID:     claims.OrgID,
		JTI:       claims.ID,
	}
	if claims.ExpiresAt != nil {
		out.Exp = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out.Iat = claims.IssuedAt.Unix()
	}

	record(true)
	return out
}
