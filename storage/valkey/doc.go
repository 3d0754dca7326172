// Package valkey provides a Valkey storage backend for the authorization
// server core.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This backend suits deployments that need storage shared across
// server instances, persistence across restarts, and TTL-based expiry
// handled by the store itself.
//
// # Key schema
//
// All keys use a configurable prefix (default "oauth:") so the instance can
// be shared with other applications:
//
//	{prefix}app:{clientID}              -> JSON(App)
//	{prefix}code:{code}                 -> JSON(AuthorizationCode), TTL = expiry + retention
//	{prefix}token:{tokenHash}           -> JSON(IssuedToken), TTL = expiry + retention
//	{prefix}userclient:{userID}:{clientID} -> SET of token hashes
//
// Code and token keys outlive their logical expiry by a retention window.
// For codes this is what makes replay-of-an-expired-code detectable; for
// token records it keeps revocation state visible to verification paths
// that grant clock-skew leeway. The claim script checks the record's own
// expiry, so a retained key never reads as a valid code.
//
// # Atomic operations
//
// The two security-critical state transitions run as Lua scripts:
//
//   - ClaimAuthorizationCode: exactly one concurrent exchange of a code can
//     succeed; later attempts read the record back marked used, which is the
//     replay signal.
//   - RevokeIssuedToken: the revoked flag flips at most once, so two
//     refresh requests racing to rotate the same token see one winner.
//
// # Testing
//
// The package tests require a running Valkey instance and are skipped when
// none is reachable. Set VALKEY_TEST_ADDR to point them at a server:
//
//	VALKEY_TEST_ADDR=localhost:6379 go test ./storage/valkey/
package valkey
