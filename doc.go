// Package oauth provides an embeddable OAuth 2.0 authorization server core:
// the authorization-code grant with PKCE, client_credentials, refresh-token
// rotation, RFC 7009 revocation, and RFC 7662 introspection.
//
// The library splits into an engine (package server) that owns the grant
// semantics and this package, which adds the HTTP surface for the /token,
// /revoke, and /introspect endpoints. The authorize endpoint is deliberately
// left to the embedding application: it owns user authentication and consent,
// then calls the engine's IssueAuthorizationCode once the user approves.
//
// Minimal setup:
//
//	store := memory.New()
//	signer, _ := token.NewHS256(key)
//	srv, _ := server.New(store, store, store, signer, signer, cfg, logger)
//	handler := oauth.NewHandler(srv, logger)
//	handler.RegisterRoutes(mux)
package oauth
