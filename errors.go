package oauth

import "github.com/helpdeskhq/oauth-provider/server"

// Error is re-exported from the server package so embedding applications can
// handle engine errors without importing it directly.
type Error = server.Error

// Error code constants, mirrored from the server package.
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken         = server.ErrorCodeInvalidToken
	ErrorCodeExpiredToken         = server.ErrorCodeExpiredToken
	ErrorCodeInvalidRedirectURI   = server.ErrorCodeInvalidRedirectURI
	ErrorCodeUnauthorizedClient   = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeServerError          = server.ErrorCodeServerError
)

// IsErrorCode reports whether err is an *Error with the given code.
func IsErrorCode(err error, code string) bool {
	return server.IsErrorCode(err, code)
}
