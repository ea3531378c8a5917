package oauth

import (
	"net/http"

	"github.com/giantswarm/oauth-server/server"
)

// ResourceOwnerAuthenticator returns the ID of the resource owner signed in
// on r. When nobody is signed in it writes its own response, typically a
// redirect to a login page, and returns an empty ID.
type ResourceOwnerAuthenticator func(w http.ResponseWriter, r *http.Request) (ownerID string, err error)

// ConsentRenderer shows the resource owner what a client is asking for. The
// owner's decision comes back as POST (approve) or DELETE (deny) to the
// authorization endpoint with the same parameters.
type ConsentRenderer func(w http.ResponseWriter, r *http.Request, pre *server.PreAuthorization, ownerID string)

// Config holds the HTTP adapter configuration.
type Config struct {
	// AuthenticateResourceOwner is required for the authorization and device
	// verification endpoints. Without it they deny every request.
	AuthenticateResourceOwner ResourceOwnerAuthenticator

	// RenderConsent renders the consent page. The default writes the
	// pre-authorization as JSON, for hosts with their own frontend.
	RenderConsent ConsentRenderer

	// SkipAuthorization issues without asking for consent when it returns
	// true, e.g. for first-party applications.
	SkipAuthorization func(r *http.Request, pre *server.PreAuthorization, ownerID string) bool

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// CORS configuration for browser-based clients
	CORS CORSConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server
	// (default 1).
	TrustedProxyCount int
}

// RateLimitConfig holds per client IP rate limiting of the token and device
// endpoints.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries caps the number of tracked IPs (default 10000).
	MaxEntries int
}

// CORSConfig holds CORS settings. CORS is disabled when AllowedOrigins is
// empty.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the endpoints. "*" allows
	// every origin and is meant for development only.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials.
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds (default 3600).
	MaxAge int
}

const defaultCORSMaxAge = 3600

// TrustedHeaderOwner authenticates resource owners by a header an
// authenticating reverse proxy sets, e.g. X-Forwarded-User. Requests
// without it are answered with 401. Only use it when the proxy strips the
// header from incoming requests.
func TrustedHeaderOwner(header string) ResourceOwnerAuthenticator {
	return func(w http.ResponseWriter, r *http.Request) (string, error) {
		owner := r.Header.Get(header)
		if owner == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
		}
		return owner, nil
	}
}
