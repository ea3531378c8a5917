package server

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-server/internal/util"
)

// Redirect URI validation errors.
var (
	ErrRedirectURIBlank     = errors.New("redirect URI is blank")
	ErrRedirectURIRelative  = errors.New("redirect URI must be absolute")
	ErrRedirectURIFragment  = errors.New("redirect URI must not contain a fragment")
	ErrRedirectURIQuery     = errors.New("redirect URI must not contain a query")
	ErrRedirectURIInsecure  = errors.New("redirect URI must use https")
	ErrRedirectURIMalformed = errors.New("redirect URI is malformed")
)

// ValidateRedirectURI checks a redirect URI for registration or use: it
// must be absolute with a non-blank scheme, have a host for http(s), carry
// no fragment, no query unless AllowRedirectURIQuery, and use https when
// ForceSSLInRedirectURI is set, loopback hosts excepted. The native
// out-of-band URI is always valid.
func (c *Config) ValidateRedirectURI(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrRedirectURIBlank
	}
	if c.isNativeRedirectURI(raw) {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedirectURIMalformed, err)
	}
	// "localhost:3000" parses with scheme "localhost".
	if u.Scheme == "" || strings.EqualFold(u.Scheme, "localhost") || u.Opaque != "" {
		return ErrRedirectURIRelative
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme == "http" || scheme == "https") && u.Host == "" {
		return ErrRedirectURIRelative
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return ErrRedirectURIFragment
	}
	if u.RawQuery != "" && !c.AllowRedirectURIQuery {
		return ErrRedirectURIQuery
	}
	if c.ForceSSLInRedirectURI && scheme == "http" && !util.IsLoopbackHostname(u.Hostname()) {
		return ErrRedirectURIInsecure
	}
	return nil
}

func (c *Config) isNativeRedirectURI(uri string) bool {
	native := c.NativeRedirectURI
	if native == "" {
		native = NativeRedirectURI
	}
	return uri == native
}

// matchRedirectURI returns the registered URI the requested one matches.
// The requested URI must itself be valid.
func (c *Config) matchRedirectURI(requested string, registered []string) (string, bool) {
	if c.ValidateRedirectURI(requested) != nil {
		return "", false
	}
	for _, candidate := range registered {
		if redirectURIMatches(requested, candidate) {
			return candidate, true
		}
		if c.WildcardRedirectURI && strings.Contains(candidate, "*") && wildcardMatches(requested, candidate) {
			return candidate, true
		}
	}
	return "", false
}

// redirectURIMatches compares a requested URI with a registered one. Query
// parameters may come in any order; the port of loopback IP literals is
// ignored (RFC 8252 section 7.3).
func redirectURIMatches(requested, registered string) bool {
	if requested == registered {
		return true
	}
	req, err := url.Parse(requested)
	if err != nil {
		return false
	}
	reg, err := url.Parse(registered)
	if err != nil {
		return false
	}

	if !strings.EqualFold(req.Scheme, reg.Scheme) ||
		!strings.EqualFold(req.Hostname(), reg.Hostname()) ||
		req.User.String() != reg.User.String() ||
		req.Opaque != reg.Opaque ||
		req.EscapedPath() != reg.EscapedPath() {
		return false
	}
	if req.Port() != reg.Port() && !util.IsLoopbackIP(reg.Hostname()) {
		return false
	}
	return queryMatches(req.RawQuery, reg.RawQuery)
}

func queryMatches(a, b string) bool {
	if a == b {
		return true
	}
	split := func(q string) []string {
		if q == "" {
			return nil
		}
		parts := strings.Split(q, "&")
		slices.Sort(parts)
		return parts
	}
	return slices.Equal(split(a), split(b))
}

// wildcardMatches matches requested against a registered pattern in which
// "*" stands for any run of characters other than "/", "?" and "#".
func wildcardMatches(requested, pattern string) bool {
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `[^/?#]*`) + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(requested)
}
