package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/helpdeskhq/oauth-provider/storage"
)

// ============================================================
// CodeStore implementation
// ============================================================

// luaClaimAuthorizationCode atomically redeems an authorization code. Only
// one concurrent claim for an unused code can succeed; every later claim
// reads the record back as already used.
//
// The used check runs before the expiry check so a replay of an expired code
// still reports as a replay, which is what triggers mass revocation.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = claiming client ID
//
// Returns:
//   - the updated JSON record on success (now marked used)
//   - "NOT_FOUND" when the key is missing or bound to a different client
//   - "ALREADY_USED:<json>" when the code was already redeemed
//   - "EXPIRED" when the code expired unclaimed
const luaClaimAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

-- A code bound to a different client reads as unknown, so a stranger
-- cannot burn someone else's code.
if code.client_id ~= ARGV[2] then
    return 'NOT_FOUND'
end

if code.used then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

code.used = true
code.used_at = now
local updated = cjson.encode(code)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

return updated
`

// SaveAuthorizationCode persists a freshly minted code. The key outlives the
// code's expiry by the retention window so late replays are still detected.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt) + s.retention

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, idLogLength))
	return nil
}

// ClaimAuthorizationCode atomically redeems a code for the given client via
// a Lua script, so exactly one concurrent claim can win.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaClaimAuthorizationCode).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", s.now().Unix()), clientID).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to claim authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound

	case result == "EXPIRED":
		return nil, storage.ErrCodeExpired

	case strings.HasPrefix(result, "ALREADY_USED:"):
		// The record comes back with the error so the caller can identify
		// the grant it must mass-revoke.
		codeData := strings.TrimPrefix(result, "ALREADY_USED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse replayed code", storage.ErrCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeUsed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Claimed authorization code",
		"code_prefix", safeTruncate(code, idLogLength))

	return fromAuthorizationCodeJSON(&j), nil
}

// DeleteAuthorizationCode removes a code record. Deleting an unknown code is
// not an error.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	key := s.codeKey(code)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code")
	return nil
}

// authorizationCodeJSON is the wire representation of an authorization code.
// Timestamps are Unix seconds so the claim script can compare them.
type authorizationCodeJSON struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	UserID              string   `json:"user_id"`
	OrgID               string   `json:"org_id,omitempty"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes,omitempty"`
	IssuedAt            int64    `json:"issued_at"`
	ExpiresAt           int64    `json:"expires_at"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Used                bool     `json:"used"`
	UsedAt              int64    `json:"used_at,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		OrgID:               code.OrgID,
		RedirectURI:         code.RedirectURI,
		Scopes:              code.Scopes,
		IssuedAt:            code.IssuedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Used:                code.Used,
	}
	if !code.UsedAt.IsZero() {
		j.UsedAt = code.UsedAt.Unix()
	}
	return j
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	code := &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		OrgID:               j.OrgID,
		RedirectURI:         j.RedirectURI,
		Scopes:              j.Scopes,
		IssuedAt:            time.Unix(j.IssuedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Used:                j.Used,
	}
	if j.UsedAt > 0 {
		code.UsedAt = time.Unix(j.UsedAt, 0)
	}
	return code
}
