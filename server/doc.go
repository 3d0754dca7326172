// Package server implements the authorization server engine: the
// authorization-code lifecycle with PKCE, token issuance and verification,
// refresh-token rotation, scope validation, revocation, and introspection.
//
// The engine is transport-agnostic. The root oauth package wraps it with
// HTTP handlers for the /token, /revoke, and /introspect endpoints;
// embedding applications may also call the engine's methods directly.
package server
