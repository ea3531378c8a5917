package oauth

import (
	"net/http"

	"github.com/giantswarm/oauth-server/server"
)

// Error is an OAuth 2.0 error response.
type Error = server.Error

// OAuth error codes
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
)

// errRateLimited is returned with a Retry-After header when a client IP
// exceeds its rate limit.
func errRateLimited() *Error {
	return server.NewError(ErrorCodeTemporarilyUnavailable, "rate limit exceeded, please try again later", http.StatusTooManyRequests)
}

// errMethodNotAllowed rejects methods an endpoint does not serve.
func errMethodNotAllowed() *Error {
	return server.NewError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
}
