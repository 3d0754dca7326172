package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/helpdeskhq/oauth-provider/instrumentation"
	"github.com/helpdeskhq/oauth-provider/storage"
)

const (
	// expiredRecordRetention is how long expired authorization codes and
	// token records are kept before the cleanup loop removes them. Used
	// codes must outlive their expiry so replays are detected as replays
	// rather than unknown codes.
	expiredRecordRetention = time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	apps   map[string]*storage.App
	codes  map[string]*storage.AuthorizationCode
	tokens map[string]*storage.IssuedToken // keyed by token hash

	// now is the clock used for expiry decisions. Overridable in tests.
	now func() time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	codesCountAtomic  atomic.Int64
	tokensCountAtomic atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.AppRegistry = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		apps:            make(map[string]*storage.App),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.IssuedToken),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetNowFunc overrides the clock used for expiry decisions. Intended for
// tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// AppRegistry Implementation
// ============================================================

// SaveApp registers an application. Existing registrations under the same
// client ID are replaced.
func (s *Store) SaveApp(ctx context.Context, app *storage.App) error {
	if app == nil || app.ClientID == "" {
		return fmt.Errorf("invalid app")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *app
	s.apps[app.ClientID] = &cp
	return nil
}

// GetApp returns the app registered under clientID.
func (s *Store) GetApp(ctx context.Context, clientID string) (*storage.App, error) {
	ctx, span := s.startStorageSpan(ctx, "get_app")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_app", err, start) }()
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[clientID]
	if !ok {
		err = storage.ErrAppNotFound
		return nil, err
	}

	cp := *app
	return &cp, nil
}

// DeleteApp removes a registration. Deleting an unknown client ID is not an
// error.
func (s *Store) DeleteApp(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apps, clientID)
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode persists a freshly minted code record.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, start) }()
	defer span.End()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}
	if code.ClientID == "" || code.UserID == "" {
		err = fmt.Errorf("authorization code missing client or user binding")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	cp.Scopes = copyStrings(code.Scopes)
	s.codes[code.Code] = &cp
	s.codesCountAtomic.Store(int64(len(s.codes)))

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"expires_at", code.ExpiresAt)

	return nil
}

// ClaimAuthorizationCode atomically redeems a code for the given client.
// The used check runs before the expiry check so that replaying a code which
// has since expired is still reported as a replay.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "claim_authorization_code")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "claim_authorization_code", err, start) }()
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok || ac.ClientID != clientID {
		// A client-binding mismatch is indistinguishable from an unknown
		// code, so a stolen code cannot be burned through another client.
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if ac.Used {
		cp := *ac
		cp.Scopes = copyStrings(ac.Scopes)
		err = storage.ErrCodeUsed
		return &cp, err
	}

	// Expiry is strict here. Clock skew tolerance applies to token
	// verification, not to one-time codes.
	if s.now().After(ac.ExpiresAt) {
		err = storage.ErrCodeExpired
		return nil, err
	}

	ac.Used = true
	ac.UsedAt = s.now()

	cp := *ac
	cp.Scopes = copyStrings(ac.Scopes)
	return &cp, nil
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_authorization_code", nil, start) }()
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	s.codesCountAtomic.Store(int64(len(s.codes)))
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveIssuedToken persists the record for a freshly signed token.
func (s *Store) SaveIssuedToken(ctx context.Context, token *storage.IssuedToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_issued_token")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_issued_token", err, start) }()
	defer span.End()

	if token == nil || token.TokenHash == "" {
		err = fmt.Errorf("invalid issued token record")
		return err
	}
	if token.ClientID == "" {
		err = fmt.Errorf("issued token record missing client binding")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	cp.Scopes = copyStrings(token.Scopes)
	s.tokens[token.TokenHash] = &cp
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	s.logger.Debug("Saved issued token record",
		"token_type", token.TokenType,
		"client_id", token.ClientID,
		"expires_at", token.ExpiresAt)

	return nil
}

// GetIssuedToken returns the record for the given token hash.
func (s *Store) GetIssuedToken(ctx context.Context, tokenHash string) (*storage.IssuedToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_issued_token")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_issued_token", err, start) }()
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tokens[tokenHash]
	if !ok {
		err = storage.ErrTokenRecordNotFound
		return nil, err
	}

	cp := *rec
	cp.Scopes = copyStrings(rec.Scopes)
	return &cp, nil
}

// RevokeIssuedToken flips a record to revoked. The flip is conditional:
// exactly one concurrent revoke of the same record succeeds.
func (s *Store) RevokeIssuedToken(ctx context.Context, tokenHash, reason string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_issued_token")
	start := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "revoke_issued_token", err, start) }()
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[tokenHash]
	if !ok {
		err = storage.ErrTokenRecordNotFound
		return err
	}
	if rec.Revoked {
		err = storage.ErrTokenRevoked
		return err
	}

	rec.Revoked = true
	rec.RevokedAt = s.now()
	rec.RevokedReason = reason

	s.logger.Debug("Revoked issued token",
		"token_type", rec.TokenType,
		"client_id", rec.ClientID,
		"reason", reason)

	return nil
}

// RevokeAllForUserClient revokes every live token for the (userID, clientID)
// pair and returns how many records were flipped.
func (s *Store) RevokeAllForUserClient(ctx context.Context, userID, clientID, reason string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_for_user_client")
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_for_user_client", nil, start) }()
	defer span.End()

	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	now := s.now()
	for _, rec := range s.tokens {
		if rec.UserID != userID || rec.ClientID != clientID || rec.Revoked {
			continue
		}
		rec.Revoked = true
		rec.RevokedAt = now
		rec.RevokedReason = reason
		revoked++
	}

	if revoked > 0 {
		s.logger.Info("Revoked all tokens for user and client",
			"client_id", clientID,
			"count", revoked,
			"reason", reason)
	}

	return revoked, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	cutoff := s.now().Add(-expiredRecordRetention)

	// Expired codes are retained for a window past expiry. Used codes in
	// particular must survive until any replay would itself fail as an
	// unknown code anyway.
	for code, ac := range s.codes {
		if ac.ExpiresAt.Before(cutoff) {
			delete(s.codes, code)
			cleaned++
		}
	}

	// Token records follow the same retention rule. A record for an
	// expired token no longer affects verification, revoked or not.
	for hash, rec := range s.tokens {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.tokens, hash)
			cleaned++
		}
	}

	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
