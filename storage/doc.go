// Package storage provides interfaces and record types for authorization
// server persistence.
//
// The storage package defines the core storage interfaces used throughout the
// oauth-provider library:
//   - AppRegistry: Read access to registered applications (clients)
//   - CodeStore: Manages one-time authorization codes
//   - TokenStore: Manages server-side records of issued tokens
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
