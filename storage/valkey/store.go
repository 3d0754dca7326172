package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/helpdeskhq/oauth-provider/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauth:"

	// DefaultExpiredRecordRetention is how long expired authorization codes
	// and token records outlive their expiry. Used codes must survive past
	// expiry so a late replay is still recognized as a replay, and revoked
	// token records must survive long enough to cover verification leeway.
	DefaultExpiredRecordRetention = time.Hour

	// idLogLength is the number of characters included when logging codes
	// and token hashes.
	idLogLength = 8

	// scanBatchSize is the number of keys fetched per SCAN iteration.
	scanBatchSize = 100

	// connectionVerifyTimeout bounds the initial PING on connect.
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength caps identifiers (client IDs, user IDs, token hashes) to
	// keep a hostile caller from stuffing the keyspace.
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger

	// ExpiredRecordRetention overrides how long expired records are kept
	// for replay detection. Zero means DefaultExpiredRecordRetention.
	ExpiredRecordRetention time.Duration
}

// Store is a Valkey-backed implementation of the storage interfaces. Expiry
// is enforced twice: key TTLs bound memory, and the claim script checks the
// record's own expiry so a code inside its retention window still reads as
// expired rather than valid.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration

	// now is the store clock, overridable in tests. It feeds the Lua
	// scripts' expiry checks; key TTLs always follow the server clock.
	now func() time.Time
}

// Compile-time interface checks.
var (
	_ storage.AppRegistry = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.ExpiredRecordRetention
	if retention <= 0 {
		retention = DefaultExpiredRecordRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetNowFunc overrides the store clock. Intended for tests. Key TTLs still
// follow the Valkey server clock; only record-level expiry checks shift.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// ============================================================
// Key helpers
// ============================================================

// appKey returns the key for a registered app: {prefix}app:{clientID}
func (s *Store) appKey(clientID string) string {
	return fmt.Sprintf("%sapp:%s", s.prefix, clientID)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// tokenKey returns the key for an issued-token record: {prefix}token:{hash}
func (s *Store) tokenKey(hash string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, hash)
}

// userClientKey returns the key for the user+client token index:
// {prefix}userclient:{userID}:{clientID}
func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

// ============================================================
// Helpers
// ============================================================

// isNilError reports whether err is the Valkey nil reply (key not found).
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// validateStringLength checks that a value fits the allowed length.
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// safeTruncate shortens identifiers for logging without panicking on short
// input.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL converts an absolute expiry into a key TTL. Returns 0 when
// already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}
