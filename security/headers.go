package security

import (
	"net/http"
	"net/url"
)

// hstsValue enforces HTTPS for a year, subdomains included.
const hstsValue = "max-age=31536000; includeSubDomains"

// SetSecurityHeaders sets the headers every authorization server response
// carries. Responses hold codes, tokens or credentials, so nothing is cached
// and nothing may be framed. HSTS is only sent when issuer uses https.
func SetSecurityHeaders(h http.Header, issuer string) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")

	if u, err := url.Parse(issuer); err == nil && u.Scheme == "https" {
		h.Set("Strict-Transport-Security", hstsValue)
	}
}

// SecurityHeaders returns middleware applying SetSecurityHeaders before the
// wrapped handler runs. Handlers may still override individual headers.
func SecurityHeaders(issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w.Header(), issuer)
			next.ServeHTTP(w, r)
		})
	}
}
