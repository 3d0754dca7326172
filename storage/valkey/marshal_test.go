package valkey

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskhq/oauth-provider/storage"
)

// The wire representation stores timestamps as Unix seconds so the claim
// script can compare them with cjson. These tests pin the properties that
// conversion must preserve: sub-second precision is dropped consistently,
// zero times stay zero instead of becoming 1970, and secrets never appear
// in keys that omit them.

func TestAuthorizationCodeWire(t *testing.T) {
	issued := time.Date(2026, 3, 15, 9, 0, 0, 123456789, time.UTC)
	code := &storage.AuthorizationCode{
		Code:                "code-1",
		ClientID:            "client-1",
		UserID:              "user-1",
		OrgID:               "org-1",
		RedirectURI:         "https://app.example.com/callback",
		Scopes:              []string{"read", "write"},
		IssuedAt:            issued,
		ExpiresAt:           issued.Add(10 * time.Minute),
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	require.NoError(t, err)

	var j authorizationCodeJSON
	require.NoError(t, json.Unmarshal(data, &j))
	got := fromAuthorizationCodeJSON(&j)

	assert.Equal(t, code.Code, got.Code)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.Scopes, got.Scopes)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, code.CodeChallengeMethod, got.CodeChallengeMethod)

	// Nanoseconds are dropped; the second boundary survives.
	assert.True(t, got.IssuedAt.Equal(issued.Truncate(time.Second)), "IssuedAt should truncate to seconds")
	assert.True(t, got.ExpiresAt.Equal(code.ExpiresAt.Truncate(time.Second)), "ExpiresAt should truncate to seconds")

	// An unused code must come back with a zero UsedAt, not the epoch.
	assert.False(t, got.Used)
	assert.True(t, got.UsedAt.IsZero(), "UsedAt should stay zero for unused codes")
}

func TestIssuedTokenWire(t *testing.T) {
	issued := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	rec := &storage.IssuedToken{
		TokenHash:         "hash-1",
		TokenType:         storage.TokenTypeRefresh,
		ClientID:          "client-1",
		UserID:            "user-1",
		Scopes:            []string{"read"},
		JTI:               "jti-1",
		IssuedAt:          issued,
		ExpiresAt:         issued.Add(time.Hour),
		RotationCount:     3,
		PreviousTokenHash: "hash-0",
	}

	data, err := json.Marshal(toIssuedTokenJSON(rec))
	require.NoError(t, err)

	var j issuedTokenJSON
	require.NoError(t, json.Unmarshal(data, &j))
	got := fromIssuedTokenJSON(&j)

	assert.Equal(t, storage.TokenTypeRefresh, got.TokenType)
	assert.Equal(t, rec.JTI, got.JTI)
	assert.Equal(t, 3, got.RotationCount)
	assert.Equal(t, "hash-0", got.PreviousTokenHash)
	assert.False(t, got.Revoked)
	assert.True(t, got.RevokedAt.IsZero(), "RevokedAt should stay zero for live tokens")

	// Revocation fields survive the round trip once set.
	rec.Revoked = true
	rec.RevokedAt = issued.Add(30 * time.Minute)
	rec.RevokedReason = "rotated"

	data, err = json.Marshal(toIssuedTokenJSON(rec))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &j))
	got = fromIssuedTokenJSON(&j)

	assert.True(t, got.Revoked)
	assert.Equal(t, "rotated", got.RevokedReason)
	assert.True(t, got.RevokedAt.Equal(rec.RevokedAt))
}

func TestAppWireOmitsEmptySecret(t *testing.T) {
	app := &storage.App{
		ClientID:  "public-1",
		Name:      "Public App",
		Status:    storage.AppStatusActive,
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(toAppJSON(app))
	require.NoError(t, err)

	assert.NotContains(t, string(data), "secret_hash", "public apps must not serialize a secret field")

	var j appJSON
	require.NoError(t, json.Unmarshal(data, &j))
	got := fromAppJSON(&j)

	assert.Equal(t, app.ClientID, got.ClientID)
	assert.Equal(t, storage.AppStatusActive, got.Status)
	assert.False(t, got.Confidential)
}
