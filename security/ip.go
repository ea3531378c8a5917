package security

import (
	"net"
	"net/http"
	"strings"
)

// IPResolver determines the client IP of a request for rate limiting and
// audit events.
//
// Forwarding headers are only honoured with TrustProxy set, which must only
// be done behind a reverse proxy that overwrites them. TrustedProxies is the
// number of proxies in front of the server (default 1); the client address
// is taken that many entries from the right of X-Forwarded-For, so a client
// cannot spoof it by sending the header itself.
type IPResolver struct {
	TrustProxy     bool
	TrustedProxies int
}

// ClientIP returns the client address of r: X-Forwarded-For, then
// X-Real-IP when proxies are trusted, the connection's remote address
// otherwise.
func (p IPResolver) ClientIP(r *http.Request) string {
	if p.TrustProxy {
		if ip := p.forwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	return remoteHost(r.RemoteAddr)
}

// forwardedFor picks the client entry of an X-Forwarded-For header
// ("client, proxy1, proxy2"). Too few entries yield the leftmost one.
func (p IPResolver) forwardedFor(header string) string {
	if header == "" {
		return ""
	}
	hops := strings.Split(header, ",")

	proxies := p.TrustedProxies
	if proxies <= 0 {
		proxies = 1
	}
	i := max(len(hops)-proxies-1, 0)

	ip := strings.TrimSpace(hops[i])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
