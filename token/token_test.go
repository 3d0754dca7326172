package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testClaims(now time.Time, kind Kind) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://auth.example.com",
			Subject:   "user-123",
			ID:        "jti-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		ClientID: "client-abc",
		OrgID:    "org-1",
		Scope:    "read write",
		Use:      kind,
	}
}

func TestNewHS256RejectsShortKey(t *testing.T) {
	if _, err := NewHS256([]byte("too-short")); err == nil {
		t.Fatal("NewHS256() with short key should fail")
	}
}

func TestHS256SignVerifyRoundTrip(t *testing.T) {
	h, err := NewHS256(testKey)
	if err != nil {
		t.Fatalf("NewHS256() error = %v", err)
	}

	now := time.Now()
	raw, err := h.Sign(testClaims(now, KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	got, err := h.Verify(raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if got.Subject != "user-123" {
		t.Errorf("Subject = %q, want %q", got.Subject, "user-123")
	}
	if got.ClientID != "client-abc" {
		t.Errorf("ClientID = %q, want %q", got.ClientID, "client-abc")
	}
	if got.OrgID != "org-1" {
		t.Errorf("OrgID = %q, want %q", got.OrgID, "org-1")
	}
	if got.Scope != "read write" {
		t.Errorf("Scope = %q, want %q", got.Scope, "read write")
	}
	if got.Use != KindAccess {
		t.Errorf("Use = %q, want %q", got.Use, KindAccess)
	}
	if got.ID != "jti-1" {
		t.Errorf("ID = %q, want %q", got.ID, "jti-1")
	}
}

func TestHS256VerifyExpired(t *testing.T) {
	h, err := NewHS256(testKey)
	if err != nil {
		t.Fatalf("NewHS256() error = %v", err)
	}

	issued := time.Now().Add(-2 * time.Hour)
	raw, err := h.Sign(testClaims(issued, KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	_, err = h.Verify(raw)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Verify() error = %v, want ErrExpired", err)
	}
	if errors.Is(err, ErrInvalid) {
		t.Error("expired token should not also match ErrInvalid")
	}
}

func TestHS256VerifyExpiredWithInjectedClock(t *testing.T) {
	h, err := NewHS256(testKey)
	if err != nil {
		t.Fatalf("NewHS256() error = %v", err)
	}

	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	raw, err := h.Sign(testClaims(issued, KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	// Just inside the lifetime
	h.SetClock(func() time.Time { return issued.Add(time.Hour - time.Millisecond) })
	if _, err := h.Verify(raw); err != nil {
		t.Fatalf("Verify() just before expiry error = %v", err)
	}

	// Just past it
	h.SetClock(func() time.Time { return issued.Add(time.Hour + time.Second) })
	if _, err := h.Verify(raw); !errors.Is(err, ErrExpired) {
		t.Errorf("Verify() just after expiry error = %v, want ErrExpired", err)
	}
}

func TestHS256LeewayAbsorbsSkew(t *testing.T) {
	h, err := NewHS256(testKey)
	if err != nil {
		t.Fatalf("NewHS256() error = %v", err)
	}
	h.SetLeeway(5 * time.Second)

	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	raw, err := h.Sign(testClaims(issued, KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	// 3s past expiry is inside the 5s leeway
	h.SetClock(func() time.Time { return issued.Add(time.Hour + 3*time.Second) })
	if _, err := h.Verify(raw); err != nil {
		t.Fatalf("Verify() inside leeway error = %v", err)
	}

	h.SetClock(func() time.Time { return issued.Add(time.Hour + 10*time.Second) })
	if _, err := h.Verify(raw); !errors.Is(err, ErrExpired) {
		t.Errorf("Verify() past leeway error = %v, want ErrExpired", err)
	}
}

func TestHS256VerifyTampered(t *testing.T) {
	h, err := NewHS256(testKey)
	if err != nil {
		t.Fatalf("NewHS256() error = %v", err)
	}

	raw, err := h.Sign(testClaims(time.Now(), KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"flipped payload byte", flipPayloadByte(raw)},
		{"truncated signature", raw[:len(raw)-4]},
		{"garbage", "not.a.token"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.Verify(tt.raw); !errors.Is(err, ErrInvalid) {
				t.Errorf("Verify() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestHS256VerifyWrongKey(t *testing.T) {
	h1, _ := NewHS256(testKey)
	h2, _ := NewHS256([]byte("ffffffffffffffffffffffffffffffff"))

	raw, err := h1.Sign(testClaims(time.Now(), KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if _, err := h2.Verify(raw); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify() with wrong key error = %v, want ErrInvalid", err)
	}
}

func TestEdDSASignVerifyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	e, err := NewEdDSA(priv)
	if err != nil {
		t.Fatalf("NewEdDSA() error = %v", err)
	}

	raw, err := e.Sign(testClaims(time.Now(), KindRefresh))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	got, err := e.Verify(raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Use != KindRefresh {
		t.Errorf("Use = %q, want %q", got.Use, KindRefresh)
	}
}

func TestEdDSAVerifierOnlyCannotSign(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	signer, err := NewEdDSA(priv)
	if err != nil {
		t.Fatalf("NewEdDSA() error = %v", err)
	}
	verifier, err := NewEdDSAVerifier(pub)
	if err != nil {
		t.Fatalf("NewEdDSAVerifier() error = %v", err)
	}

	raw, err := signer.Sign(testClaims(time.Now(), KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, err := verifier.Verify(raw); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if _, err := verifier.Sign(testClaims(time.Now(), KindAccess)); err == nil {
		t.Error("Sign() on verifier-only instance should fail")
	}
}

func TestVerifierRejectsForeignAlgorithm(t *testing.T) {
	// A token signed with HS256 must never pass an EdDSA verifier, and the
	// reverse. Mismatched algorithm headers are a classic JWT confusion
	// attack.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	e, _ := NewEdDSA(priv)
	h, _ := NewHS256(testKey)

	hmacToken, err := h.Sign(testClaims(time.Now(), KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	edToken, err := e.Sign(testClaims(time.Now(), KindAccess))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if _, err := e.Verify(hmacToken); !errors.Is(err, ErrInvalid) {
		t.Errorf("EdDSA Verify(HS256 token) error = %v, want ErrInvalid", err)
	}
	if _, err := h.Verify(edToken); !errors.Is(err, ErrInvalid) {
		t.Errorf("HS256 Verify(EdDSA token) error = %v, want ErrInvalid", err)
	}
}

func TestHash(t *testing.T) {
	h1 := Hash("token-a")
	h2 := Hash("token-a")
	h3 := Hash("token-b")

	if h1 != h2 {
		t.Error("Hash() is not deterministic")
	}
	if h1 == h3 {
		t.Error("Hash() collided for different inputs")
	}
	// base64url(sha256) without padding is always 43 chars
	if len(h1) != 43 {
		t.Errorf("Hash() length = %d, want 43", len(h1))
	}
	if strings.ContainsAny(h1, "+/=") {
		t.Errorf("Hash() %q contains non-url-safe characters", h1)
	}
}

// flipPayloadByte corrupts one character in the payload segment of a compact
// JWT without touching its structure.
func flipPayloadByte(raw string) string {
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 || len(parts[1]) == 0 {
		return raw
	}
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	return parts[0] + "." + string(payload) + "." + parts[2]
}
