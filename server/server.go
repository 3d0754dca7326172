package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/helpdeskhq/oauth-provider/instrumentation"
	"github.com/helpdeskhq/oauth-provider/security"
	"github.com/helpdeskhq/oauth-provider/storage"
	"github.com/helpdeskhq/oauth-provider/token"
)

// Server is the authorization server engine. It owns the grant flows, token
// issuance and verification, revocation, and introspection; transports sit
// on top of it.
type Server struct {
	apps   storage.AppRegistry
	codes  storage.CodeStore
	tokens storage.TokenStore

	signer   token.Signer
	verifier token.Verifier

	// Auditor logs security events with hashed PII.
	Auditor *security.Auditor

	// securityEvents throttles per-client audit logging of attack
	// signatures such as code replay.
	securityEvents *security.RateLimiter

	Logger *slog.Logger
	Config *Config

	// now is the engine clock, overridable in tests.
	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates an engine. All storage collaborators, the signer/verifier
// pair, and a validated config are required.
func New(
	apps storage.AppRegistry,
	codes storage.CodeStore,
	tokens storage.TokenStore,
	signer token.Signer,
	verifier token.Verifier,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if apps == nil || codes == nil || tokens == nil {
		return nil, fmt.Errorf("all storage collaborators are required")
	}
	if signer == nil || verifier == nil {
		return nil, fmt.Errorf("signer and verifier are required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	if config.ClockSkewGracePeriod > 0 {
		// The verifier owns the exp/nbf checks on signed claims; the engine
		// applies the same grace to the server-side record check.
		if lv, ok := verifier.(interface{ SetLeeway(time.Duration) }); ok {
			lv.SetLeeway(config.ClockSkewGracePeriod)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		apps:     apps,
		codes:    codes,
		tokens:   tokens,
		signer:   signer,
		verifier: verifier,
		Auditor:  security.NewAuditor(logger, config.AuditEnabled),
		securityEvents: security.NewRateLimiter(
			config.SecurityEventRate, config.SecurityEventBurst, logger),
		Logger: logger,
		Config: config,
		now:    time.Now,
	}

	return s, nil
}

// SetClock overrides the engine clock. Intended for tests. The token
// verifier keeps its own clock; tests that shift time set both.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// SetInstrumentation wires OpenTelemetry instrumentation into the engine.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
		s.Auditor.SetEventHook(func(eventType string) {
			inst.Metrics().RecordAuditEvent(context.Background(), eventType)
		})
	}
}

// Stop releases background resources held by the engine.
func (s *Server) Stop() {
	s.securityEvents.Stop()
}

// generateCode mints a high-entropy random string for authorization codes.
// oauth2.GenerateVerifier produces 32 bytes of crypto/rand entropy encoded
// as base64url, which is exactly the shape RFC 6749 asks of codes.
func generateCode() string {
	return oauth2.GenerateVerifier()
}

// safeTruncate shortens identifiers for logging without panicking on short
// input.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
