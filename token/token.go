// Package token signs and verifies the bearer tokens minted by the
// authorization server. Tokens are compact JWTs; the signing strategy (HS256
// or EdDSA) is selected once at construction and every token verified by a
// given Verifier must carry the matching algorithm header.
package token

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification errors. Callers discriminate with errors.Is; the distinction
// between an expired token and any other verification failure is part of the
// public contract.
var (
	// ErrExpired is returned when the token signature is valid but the
	// token's expiry has passed.
	ErrExpired = errors.New("token expired")

	// ErrInvalid is returned for every other verification failure: bad
	// signature, malformed token, wrong algorithm, not yet valid.
	ErrInvalid = errors.New("token invalid")
)

// Kind discriminates access tokens from refresh tokens inside the signed
// claims, so a refresh token can never be replayed as an access token.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the claim set embedded in every issued token.
type Claims struct {
	jwt.RegisteredClaims

	// ClientID is the app the token was issued to.
	ClientID string `json:"client_id"`

	// OrgID carries the organization context of the grant, when present.
	OrgID string `json:"org,omitempty"`

	// Scope is the space-joined granted scope set.
	Scope string `json:"scope,omitempty"`

	// Use is the token kind, access or refresh.
	Use Kind `json:"token_use"`
}

// Signer signs a claim set into a compact serialized token.
type Signer interface {
	Sign(claims *Claims) (string, error)

	// Algorithm returns the JWA name of the signing algorithm.
	Algorithm() string
}

// Verifier checks a raw token's signature and temporal validity and returns
// its claims. Implementations never consult storage; revocation checks are
// the caller's job.
type Verifier interface {
	Verify(raw string) (*Claims, error)
}

// Hash returns the storage fingerprint of a raw token: the unpadded base64url
// encoding of its SHA-256 digest. Records are keyed by this value so raw
// tokens never touch the store.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// parseOpts builds the jwt parser options shared by both algorithms.
func parseOpts(alg string, now func() time.Time, leeway time.Duration) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if now != nil {
		opts = append(opts, jwt.WithTimeFunc(now))
	}
	if leeway > 0 {
		opts = append(opts, jwt.WithLeeway(leeway))
	}
	return opts
}

func mapParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %w", ErrExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalid, err)
}

// HS256 signs and verifies tokens with a shared HMAC-SHA256 key.
type HS256 struct {
	key    []byte
	now    func() time.Time
	leeway time.Duration
}

var (
	_ Signer   = (*HS256)(nil)
	_ Verifier = (*HS256)(nil)
)

// NewHS256 creates an HMAC signer-verifier. The key must be at least 32
// bytes.
func NewHS256(key []byte) (*HS256, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("hmac key must be at least 32 bytes, got %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HS256{key: k}, nil
}

// SetClock overrides the clock used for temporal claim checks. Intended for
// tests.
func (h *HS256) SetClock(now func() time.Time) { h.now = now }

// SetLeeway sets the tolerance applied to exp and nbf checks, absorbing
// clock skew between issuing and verifying hosts.
func (h *HS256) SetLeeway(d time.Duration) { h.leeway = d }

func (h *HS256) Algorithm() string { return "HS256" }

func (h *HS256) Sign(claims *Claims) (string, error) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return raw, nil
}

func (h *HS256) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return h.key, nil
	}, parseOpts("HS256", h.now, h.leeway)...)
	if err != nil {
		return nil, mapParseError(err)
	}
	return claims, nil
}

// EdDSA signs and verifies tokens with an Ed25519 key pair. A verifier-only
// instance (public key, no private key) suits resource servers that check
// tokens but never mint them.
type EdDSA struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	now    func() time.Time
	leeway time.Duration
}

var (
	_ Signer   = (*EdDSA)(nil)
	_ Verifier = (*EdDSA)(nil)
)

// NewEdDSA creates a signer-verifier from an Ed25519 private key.
func NewEdDSA(priv ed25519.PrivateKey) (*EdDSA, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	return &EdDSA{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// NewEdDSAVerifier creates a verify-only instance from an Ed25519 public
// key. Sign returns an error.
func NewEdDSAVerifier(pub ed25519.PublicKey) (*EdDSA, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size %d", len(pub))
	}
	return &EdDSA{pub: pub}, nil
}

// SetClock overrides the clock used for temporal claim checks. Intended for
// tests.
func (e *EdDSA) SetClock(now func() time.Time) { e.now = now }

// SetLeeway sets the tolerance applied to exp and nbf checks.
func (e *EdDSA) SetLeeway(d time.Duration) { e.leeway = d }

func (e *EdDSA) Algorithm() string { return "EdDSA" }

func (e *EdDSA) Sign(claims *Claims) (string, error) {
	if e.priv == nil {
		return "", fmt.Errorf("verifier-only instance has no signing key")
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(e.priv)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return raw, nil
}

func (e *EdDSA) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return e.pub, nil
	}, parseOpts("EdDSA", e.now, e.leeway)...)
	if err != nil {
		return nil, mapParseError(err)
	}
	return claims, nil
}
