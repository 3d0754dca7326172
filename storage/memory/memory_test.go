package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/helpdeskhq/oauth-provider/internal/testutil"
	"github.com/helpdeskhq/oauth-provider/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func testCode(now time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        "code-1",
		ClientID:    "client-1",
		UserID:      "user-1",
		OrgID:       "org-1",
		RedirectURI: "https://app.example.com/callback",
		Scopes:      []string{"read", "write"},
		IssuedAt:    now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
}

func TestAppRegistry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetApp(ctx, "missing"); !errors.Is(err, storage.ErrAppNotFound) {
		t.Errorf("GetApp() error = %v, want ErrAppNotFound", err)
	}

	app := testutil.PublicApp("client-1")
	if err := s.SaveApp(ctx, app); err != nil {
		t.Fatalf("SaveApp() error = %v", err)
	}

	got, err := s.GetApp(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetApp() error = %v", err)
	}
	if got.ClientID != "client-1" || got.Confidential {
		t.Errorf("GetApp() = %+v, want public client-1", got)
	}

	// Returned value is a copy
	got.Status = storage.AppStatusRevoked
	again, _ := s.GetApp(ctx, "client-1")
	if again.Status != storage.AppStatusActive {
		t.Error("GetApp() returned shared state")
	}
}

func TestClaimAuthorizationCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	clock := testutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s.SetNowFunc(clock.Now)

	code := testCode(clock.Now())
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	// Wrong client reads as not found
	if _, err := s.ClaimAuthorizationCode(ctx, "code-1", "other-client"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("ClaimAuthorizationCode() with wrong client error = %v, want ErrCodeNotFound", err)
	}

	// First claim succeeds
	got, err := s.ClaimAuthorizationCode(ctx, "code-1", "client-1")
	if err != nil {
		t.Fatalf("ClaimAuthorizationCode() error = %v", err)
	}
	if !got.Used {
		t.Error("claimed code should be marked used")
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", got.UserID)
	}

	// Second claim reports reuse and still returns the record
	replayed, err := s.ClaimAuthorizationCode(ctx, "code-1", "client-1")
	if !errors.Is(err, storage.ErrCodeUsed) {
		t.Fatalf("second ClaimAuthorizationCode() error = %v, want ErrCodeUsed", err)
	}
	if replayed == nil || replayed.UserID != "user-1" {
		t.Error("replay should return the original record for revocation")
	}
}

func TestClaimAuthorizationCodeExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	clock := testutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s.SetNowFunc(clock.Now)

	code := testCode(clock.Now())
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	// Exactly at expiry is still valid; expiry is exclusive
	clock.Set(code.ExpiresAt)
	if _, err := s.ClaimAuthorizationCode(ctx, "code-1", "client-1"); err != nil {
		t.Fatalf("ClaimAuthorizationCode() at expiry instant error = %v", err)
	}

	// A fresh code just past expiry is rejected
	code2 := testCode(clock.Now())
	code2.Code = "code-2"
	code2.ExpiresAt = clock.Now().Add(time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code2); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	clock.Set(code2.ExpiresAt.Add(time.Millisecond))
	if _, err := s.ClaimAuthorizationCode(ctx, "code-2", "client-1"); !errors.Is(err, storage.ErrCodeExpired) {
		t.Errorf("ClaimAuthorizationCode() past expiry error = %v, want ErrCodeExpired", err)
	}
}

func TestClaimAuthorizationCodeConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testCode(time.Now())
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimAuthorizationCode(ctx, "code-1", "client-1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("concurrent claims succeeded %d times, want exactly 1", successes)
	}
}

func TestIssuedTokenLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &storage.IssuedToken{
		TokenHash: "hash-1",
		TokenType: storage.TokenTypeRefresh,
		ClientID:  "client-1",
		UserID:    "user-1",
		Scopes:    []string{"read"},
		JTI:       "jti-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveIssuedToken(ctx, rec); err != nil {
		t.Fatalf("SaveIssuedToken() error = %v", err)
	}

	got, err := s.GetIssuedToken(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetIssuedToken() error = %v", err)
	}
	if got.Revoked {
		t.Error("fresh record should not be revoked")
	}

	if err := s.RevokeIssuedToken(ctx, "hash-1", "rotated"); err != nil {
		t.Fatalf("RevokeIssuedToken() error = %v", err)
	}

	got, err = s.GetIssuedToken(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetIssuedToken() error = %v", err)
	}
	if !got.Revoked || got.RevokedReason != "rotated" {
		t.Errorf("record = %+v, want revoked with reason rotated", got)
	}

	// Second revoke loses
	if err := s.RevokeIssuedToken(ctx, "hash-1", "again"); !errors.Is(err, storage.ErrTokenRevoked) {
		t.Errorf("second RevokeIssuedToken() error = %v, want ErrTokenRevoked", err)
	}

	if err := s.RevokeIssuedToken(ctx, "missing", "x"); !errors.Is(err, storage.ErrTokenRecordNotFound) {
		t.Errorf("RevokeIssuedToken() unknown hash error = %v, want ErrTokenRecordNotFound", err)
	}
}

func TestRevokeIssuedTokenConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &storage.IssuedToken{
		TokenHash: "hash-race",
		TokenType: storage.TokenTypeRefresh,
		ClientID:  "client-1",
		UserID:    "user-1",
		JTI:       "jti-race",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.SaveIssuedToken(ctx, rec); err != nil {
		t.Fatalf("SaveIssuedToken() error = %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RevokeIssuedToken(ctx, "hash-race", "rotated"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("concurrent revokes succeeded %d times, want exactly 1", winners)
	}
}

func TestRevokeAllForUserClient(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	save := func(hash, userID, clientID string, revoked bool) {
		t.Helper()
		rec := &storage.IssuedToken{
			TokenHash: hash,
			TokenType: storage.TokenTypeAccess,
			ClientID:  clientID,
			UserID:    userID,
			JTI:       hash,
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
			Revoked:   revoked,
		}
		if err := s.SaveIssuedToken(ctx, rec); err != nil {
			t.Fatalf("SaveIssuedToken(%s) error = %v", hash, err)
		}
	}

	save("h1", "user-1", "client-1", false)
	save("h2", "user-1", "client-1", false)
	save("h3", "user-1", "client-1", true)  // already revoked
	save("h4", "user-2", "client-1", false) // other user
	save("h5", "user-1", "client-2", false) // other client

	n, err := s.RevokeAllForUserClient(ctx, "user-1", "client-1", "code_reuse_detected")
	if err != nil {
		t.Fatalf("RevokeAllForUserClient() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RevokeAllForUserClient() = %d, want 2", n)
	}

	for hash, wantRevoked := range map[string]bool{
		"h1": true, "h2": true, "h3": true, "h4": false, "h5": false,
	} {
		rec, err := s.GetIssuedToken(ctx, hash)
		if err != nil {
			t.Fatalf("GetIssuedToken(%s) error = %v", hash, err)
		}
		if rec.Revoked != wantRevoked {
			t.Errorf("record %s revoked = %v, want %v", hash, rec.Revoked, wantRevoked)
		}
	}
}

func TestCleanupRetainsRecentRecords(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	clock := testutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s.SetNowFunc(clock.Now)

	code := testCode(clock.Now())
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	// Just past expiry: still inside retention, kept for replay detection
	clock.Advance(11 * time.Minute)
	s.cleanup()
	if _, err := s.ClaimAuthorizationCode(ctx, "code-1", "client-1"); !errors.Is(err, storage.ErrCodeExpired) {
		t.Errorf("recently expired code should still exist, got %v", err)
	}

	// Past retention: gone
	clock.Advance(2 * time.Hour)
	s.cleanup()
	if _, err := s.ClaimAuthorizationCode(ctx, "code-1", "client-1"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("code past retention should be gone, got %v", err)
	}
}
