package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/helpdeskhq/oauth-provider/storage"
)

// ============================================================
// TokenStore implementation
// ============================================================

// luaRevokeIssuedToken conditionally flips a token record to revoked. The
// flip is atomic so two racing revocations (for example two refresh requests
// rotating the same token) see exactly one winner.
//
// KEYS[1] = token record key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = revocation reason
//
// Returns "OK", "NOT_FOUND", or "ALREADY_REVOKED".
const luaRevokeIssuedToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rec = cjson.decode(data)
if rec.revoked then
    return 'ALREADY_REVOKED'
end

rec.revoked = true
rec.revoked_at = tonumber(ARGV[1])
rec.revoked_reason = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')

return 'OK'
`

// SaveIssuedToken persists the record for a freshly signed token. Records
// outlive the token's expiry by the retention window so revocation state is
// still visible to verification paths that allow clock-skew leeway. Records
// for user-bound tokens are also indexed per user+client for mass
// revocation.
func (s *Store) SaveIssuedToken(ctx context.Context, token *storage.IssuedToken) error {
	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("invalid token record")
	}
	if err := validateStringLength(token.TokenHash, MaxIDLength, "tokenHash"); err != nil {
		return err
	}

	data, err := json.Marshal(toIssuedTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt) + s.retention

	key := s.tokenKey(token.TokenHash)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save token record: %w", err)
	}

	if token.UserID != "" {
		indexKey := s.userClientKey(token.UserID, token.ClientID)
		if err := s.client.Do(ctx,
			s.client.B().Sadd().Key(indexKey).Member(token.TokenHash).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to index token for user+client",
				"client_id", token.ClientID,
				"error", err)
		}
		// Keep the index alive at least as long as its newest member.
		// Stale members are pruned during mass revocation.
		if err := s.client.Do(ctx,
			s.client.B().Expire().Key(indexKey).Seconds(int64(ttl.Seconds())).Gt().Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to set TTL on user+client index",
				"client_id", token.ClientID,
				"error", err)
		}
	}

	s.logger.Debug("Saved token record",
		"token_type", string(token.TokenType),
		"hash_prefix", safeTruncate(token.TokenHash, idLogLength))
	return nil
}

// GetIssuedToken returns the record for the given token hash.
func (s *Store) GetIssuedToken(ctx context.Context, tokenHash string) (*storage.IssuedToken, error) {
	key := s.tokenKey(tokenHash)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenRecordNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	var j issuedTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	return fromIssuedTokenJSON(&j), nil
}

// RevokeIssuedToken conditionally flips a record to revoked. Exactly one of
// any set of concurrent revocations succeeds; the rest see ErrTokenRevoked.
func (s *Store) RevokeIssuedToken(ctx context.Context, tokenHash, reason string) error {
	result, err := s.revokeByHash(ctx, tokenHash, reason)
	if err != nil {
		return err
	}

	switch result {
	case "OK":
		s.logger.Debug("Revoked token",
			"hash_prefix", safeTruncate(tokenHash, idLogLength),
			"reason", reason)
		return nil
	case "NOT_FOUND":
		return storage.ErrTokenRecordNotFound
	case "ALREADY_REVOKED":
		return storage.ErrTokenRevoked
	default:
		return fmt.Errorf("unexpected revocation result: %s", result)
	}
}

// RevokeAllForUserClient revokes every live token indexed for the user and
// client and returns how many records were flipped. Index entries whose
// records have already expired out of the keyspace are pruned as a side
// effect.
func (s *Store) RevokeAllForUserClient(ctx context.Context, userID, clientID, reason string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}
	if err := validateStringLength(userID, MaxIDLength, "userID"); err != nil {
		return 0, err
	}
	if err := validateStringLength(clientID, MaxIDLength, "clientID"); err != nil {
		return 0, err
	}

	indexKey := s.userClientKey(userID, clientID)
	hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(indexKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get tokens for user+client: %w", err)
	}

	revoked := 0
	for _, hash := range hashes {
		result, err := s.revokeByHash(ctx, hash, reason)
		if err != nil {
			s.logger.Warn("Failed to revoke token during mass revocation",
				"hash_prefix", safeTruncate(hash, idLogLength),
				"error", err)
			continue
		}

		switch result {
		case "OK":
			revoked++
		case "NOT_FOUND":
			// The record expired out of the keyspace; drop the stale
			// index entry.
			if err := s.client.Do(ctx,
				s.client.B().Srem().Key(indexKey).Member(hash).Build(),
			).Error(); err != nil {
				s.logger.Debug("Failed to prune stale index entry", "error", err)
			}
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"client_id", clientID,
			"count", revoked,
			"reason", reason)
	}

	return revoked, nil
}

// revokeByHash runs the conditional revocation script for one record.
func (s *Store) revokeByHash(ctx context.Context, tokenHash, reason string) (string, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeIssuedToken).
			Numkeys(1).
			Key(s.tokenKey(tokenHash)).
			Arg(fmt.Sprintf("%d", s.now().Unix()), reason).
			Build(),
	).ToString()
	if err != nil {
		return "", fmt.Errorf("failed to execute revocation: %w", err)
	}
	return result, nil
}

// issuedTokenJSON is the wire representation of an issued-token record.
// Timestamps are Unix seconds so the revocation script can write them.
type issuedTokenJSON struct {
	TokenHash         string   `json:"token_hash"`
	TokenType         string   `json:"token_type"`
	ClientID          string   `json:"client_id"`
	UserID            string   `json:"user_id,omitempty"`
	OrgID             string   `json:"org_id,omitempty"`
	Scopes            []string `json:"scopes,omitempty"`
	JTI               string   `json:"jti"`
	IssuedAt          int64    `json:"issued_at"`
	ExpiresAt         int64    `json:"expires_at"`
	Revoked           bool     `json:"revoked"`
	RevokedAt         int64    `json:"revoked_at,omitempty"`
	RevokedReason     string   `json:"revoked_reason,omitempty"`
	RotationCount     int      `json:"rotation_count,omitempty"`
	PreviousTokenHash string   `json:"previous_token_hash,omitempty"`
}

func toIssuedTokenJSON(token *storage.IssuedToken) *issuedTokenJSON {
	j := &issuedTokenJSON{
		TokenHash:         token.TokenHash,
		TokenType:         string(token.TokenType),
		ClientID:          token.ClientID,
		UserID:            token.UserID,
		OrgID:             token.OrgID,
		Scopes:            token.Scopes,
		JTI:               token.JTI,
		IssuedAt:          token.IssuedAt.Unix(),
		ExpiresAt:         token.ExpiresAt.Unix(),
		Revoked:           token.Revoked,
		RevokedReason:     token.RevokedReason,
		RotationCount:     token.RotationCount,
		PreviousTokenHash: token.PreviousTokenHash,
	}
	if !token.RevokedAt.IsZero() {
		j.RevokedAt = token.RevokedAt.Unix()
	}
	return j
}

func fromIssuedTokenJSON(j *issuedTokenJSON) *storage.IssuedToken {
	if j == nil {
		return nil
	}
	rec := &storage.IssuedToken{
		TokenHash:         j.TokenHash,
		TokenType:         storage.TokenType(j.TokenType),
		ClientID:          j.ClientID,
		UserID:            j.UserID,
		OrgID:             j.OrgID,
		Scopes:            j.Scopes,
		JTI:               j.JTI,
		IssuedAt:          time.Unix(j.IssuedAt, 0),
		ExpiresAt:         time.Unix(j.ExpiresAt, 0),
		Revoked:           j.Revoked,
		RevokedReason:     j.RevokedReason,
		RotationCount:     j.RotationCount,
		PreviousTokenHash: j.PreviousTokenHash,
	}
	if j.RevokedAt > 0 {
		rec.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return rec
}
