// Package testutil provides shared helpers for the library's tests:
// a controllable clock, PKCE pair generation, and app fixtures.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"

	"github.com/helpdeskhq/oauth-provider/storage"
)

// MockClock is a controllable time source for deterministic tests. Safe for
// concurrent use.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a clock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// GenerateRandomString returns n bytes of entropy as unpadded base64url,
// for test tokens and identifiers.
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// PKCEPair is a matched verifier and S256 challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCEPair returns a valid RFC 7636 verifier with its S256
// challenge.
func GeneratePKCEPair() PKCEPair {
	verifier := GenerateRandomString(32) // 43 chars encoded
	sum := sha256.Sum256([]byte(verifier))
	return PKCEPair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		Method:    "S256",
	}
}

// SigningKey is a 32-byte HMAC key for test signers.
var SigningKey = []byte("test-signing-key-0123456789abcdef")

// ConfidentialApp returns an app fixture with the given secret hash.
func ConfidentialApp(clientID, secretHash string) *storage.App {
	return &storage.App{
		ClientID:     clientID,
		SecretHash:   secretHash,
		Confidential: true,
		Status:       storage.AppStatusActive,
		RedirectURIs: []string{"https://app.example.com/callback"},
		GrantTypes:   []string{"authorization_code", "client_credentials", "refresh_token"},
		Scopes:       []string{"read", "write", "offline_access"},
	}
}

// PublicApp returns a public (PKCE-only) app fixture.
func PublicApp(clientID string) *storage.App {
	return &storage.App{
		ClientID:     clientID,
		Confidential: false,
		Status:       storage.AppStatusActive,
		RedirectURIs: []string{"https://spa.example.com/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"read", "write", "offline_access"},
	}
}
