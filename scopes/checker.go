package scopes

import (
	"strings"

	"github.com/giantswarm/oauth-server/internal/util"
)

// DynamicScopeWildcard is the suffix that lets an allowed scope such as
// "user:*" match any requested "user:<value>".
const DynamicScopeWildcard = "*"

// Checker validates requested scope strings against the scopes a server and
// an application allow. The zero value performs exact matching with no
// per-grant-type restrictions.
type Checker struct {
	// ByGrantType optionally restricts the scopes each grant type may request.
	// Grant types without an entry are unrestricted.
	ByGrantType map[string]Set

	// DynamicDelimiter enables dynamic scopes when non-empty, e.g. ":".
	DynamicDelimiter string
}

// Valid reports whether scope is acceptable for a request. It is false for a
// blank string or one containing a newline, carriage return or tab. Every
// requested scope must be allowed by server and, when app is non-empty, by
// app as well, so the effective universe is their intersection.
func (c Checker) Valid(scope string, server, app Set, grantType string) bool {
	if strings.TrimSpace(scope) == "" || strings.ContainsAny(scope, "\n\r\t") {
		return false
	}

	requested := Parse(scope)
	for _, item := range requested.items {
		if !c.allows(server, item) {
			return false
		}
		if !app.Empty() && !c.allows(app, item) {
			return false
		}
	}

	if grantType != "" {
		if permitted, ok := c.ByGrantType[grantType]; ok {
			for _, item := range requested.items {
				if !c.allows(permitted, item) {
					return false
				}
			}
		}
	}
	return true
}

func (c Checker) allows(allowed Set, requested string) bool {
	for _, candidate := range allowed.items {
		if c.DynamicDelimiter != "" &&
			strings.Contains(candidate, c.DynamicDelimiter) &&
			strings.Contains(requested, c.DynamicDelimiter) {
			if c.dynamicMatch(candidate, requested) {
				return true
			}
			continue
		}
		if candidate == requested {
			return true
		}
	}
	return false
}

func (c Checker) dynamicMatch(allowed, requested string) bool {
	allowedPrefix, allowedValue, _ := strings.Cut(allowed, c.DynamicDelimiter)
	requestedPrefix, requestedValue, _ := strings.Cut(requested, c.DynamicDelimiter)

	if allowedPrefix != requestedPrefix || allowedValue == "" || requestedValue == "" {
		return false
	}
	return allowedValue == DynamicScopeWildcard || allowedValue == requestedValue
}

// Valid is Checker.Valid with exact matching and no grant-type restrictions.
func Valid(scope string, server, app Set) bool {
	return Checker{}.Valid(scope, server, app, "")
}

// Matches reports whether a token carrying tokenScopes may be used where
// required is needed. An empty required set always matches.
func Matches(tokenScopes, required Set) bool {
	if required.Empty() {
		return true
	}
	return tokenScopes.ContainsAll(required)
}

// ResourceIndicatorsValid reports whether every requested resource indicator
// was granted. Trailing slashes are ignored when comparing.
func ResourceIndicatorsValid(granted, requested []string) bool {
	for _, want := range requested {
		found := false
		for _, have := range granted {
			if util.NormalizeURL(have) == util.NormalizeURL(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
