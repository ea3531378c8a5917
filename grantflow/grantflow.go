package grantflow

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Flow names registered by Default.
const (
	Implicit          = "implicit"
	AuthorizationCode = "authorization_code"
	ClientCredentials = "client_credentials"
	Password          = "password"
	RefreshToken      = "refresh_token"
	DeviceCode        = "device_code"
)

// DeviceCodeGrantType is the RFC 8628 grant_type value.
const DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// ErrFinalized is returned when a finalized registry is modified.
var ErrFinalized = errors.New("grant flow registry is finalized")

// Kind names the request handler a flow dispatches to.
type Kind int

const (
	KindNone Kind = iota
	KindAuthorizationCode
	KindClientCredentials
	KindPassword
	KindRefreshToken
	KindDeviceCode
	KindCode
	KindToken
	KindDeviceAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindAuthorizationCode:
		return "authorization_code"
	case KindClientCredentials:
		return "client_credentials"
	case KindPassword:
		return "password"
	case KindRefreshToken:
		return "refresh_token"
	case KindDeviceCode:
		return "device_code"
	case KindCode:
		return "code"
	case KindToken:
		return "token"
	case KindDeviceAuthorization:
		return "device_authorization"
	default:
		return "none"
	}
}

// Matcher matches a grant_type or response_type value. *regexp.Regexp
// satisfies it; Exact covers plain string comparison.
type Matcher interface {
	MatchString(s string) bool
}

// Exact matches one value verbatim.
type Exact string

// MatchString implements Matcher.
func (e Exact) MatchString(s string) bool { return string(e) == s }

// Flow describes one grant flow. A flow may handle a grant type at the token
// endpoint, a response type at the authorization endpoint, or both.
type Flow struct {
	Name string

	GrantTypeMatches  Matcher
	GrantTypeStrategy Kind

	ResponseTypeMatches  Matcher
	ResponseTypeStrategy Kind

	// ResponseModeMatches lists the response modes the flow supports. The
	// first entry is the default.
	ResponseModeMatches []string
}

// FallbackFlow is returned when nothing matches. It handles nothing.
var FallbackFlow = Flow{Name: "fallback"}

// HandlesGrantType reports whether the flow serves the token endpoint.
func (f Flow) HandlesGrantType() bool {
	return f.GrantTypeMatches != nil && f.GrantTypeStrategy != KindNone
}

// HandlesResponseType reports whether the flow serves the authorization endpoint.
func (f Flow) HandlesResponseType() bool {
	return f.ResponseTypeMatches != nil && f.ResponseTypeStrategy != KindNone
}

// MatchesGrantType reports whether value selects this flow at the token endpoint.
func (f Flow) MatchesGrantType(value string) bool {
	return f.HandlesGrantType() && f.GrantTypeMatches.MatchString(value)
}

// MatchesResponseType reports whether value selects this flow at the
// authorization endpoint.
func (f Flow) MatchesResponseType(value string) bool {
	return f.HandlesResponseType() && f.ResponseTypeMatches.MatchString(value)
}

// MatchesResponseMode reports whether the flow supports mode.
func (f Flow) MatchesResponseMode(mode string) bool {
	return slices.Contains(f.ResponseModeMatches, mode)
}

// DefaultResponseMode returns the flow's preferred response mode.
func (f Flow) DefaultResponseMode() string {
	if len(f.ResponseModeMatches) == 0 {
		return ""
	}
	return f.ResponseModeMatches[0]
}

// Registry holds the known flows and aliases.
type Registry struct {
	mu        sync.RWMutex
	finalized atomic.Bool

	flows   map[string]Flow
	aliases map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		flows:   make(map[string]Flow),
		aliases: make(map[string][]string),
	}
}

// Default returns a registry with the standard flows. It is not finalized,
// so callers may add their own flows first.
func Default() *Registry {
	r := NewRegistry()
	for _, f := range []Flow{
		{
			Name:                 Implicit,
			ResponseTypeMatches:  Exact("token"),
			ResponseTypeStrategy: KindToken,
			ResponseModeMatches:  []string{"fragment", "form_post"},
		},
		{
			Name:                 AuthorizationCode,
			GrantTypeMatches:     Exact("authorization_code"),
			GrantTypeStrategy:    KindAuthorizationCode,
			ResponseTypeMatches:  Exact("code"),
			ResponseTypeStrategy: KindCode,
			ResponseModeMatches:  []string{"query", "fragment", "form_post"},
		},
		{
			Name:              ClientCredentials,
			GrantTypeMatches:  Exact("client_credentials"),
			GrantTypeStrategy: KindClientCredentials,
		},
		{
			Name:              Password,
			GrantTypeMatches:  Exact("password"),
			GrantTypeStrategy: KindPassword,
		},
		{
			Name:              RefreshToken,
			GrantTypeMatches:  Exact("refresh_token"),
			GrantTypeStrategy: KindRefreshToken,
		},
		{
			Name:              DeviceCode,
			GrantTypeMatches:  Exact(DeviceCodeGrantType),
			GrantTypeStrategy: KindDeviceCode,
		},
	} {
		_ = r.Register(f)
	}
	return r
}

// Register adds f, replacing any flow with the same name.
func (r *Registry) Register(f Flow) error {
	if f.Name == "" {
		return errors.New("grant flow name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized.Load() {
		return ErrFinalized
	}
	r.flows[f.Name] = f
	return nil
}

// RegisterAlias makes name expand to the target flows. Targets must be
// registered flows.
func (r *Registry) RegisterAlias(name string, targets ...string) error {
	if name == "" || len(targets) == 0 {
		return errors.New("alias name and targets are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized.Load() {
		return ErrFinalized
	}
	for _, t := range targets {
		if _, ok := r.flows[t]; !ok {
			return fmt.Errorf("alias %q targets unknown grant flow %q", name, t)
		}
	}
	r.aliases[name] = slices.Clone(targets)
	return nil
}

// Finalize freezes the registry.
func (r *Registry) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized.Store(true)
}

// Finalized reports whether Finalize was called.
func (r *Registry) Finalized() bool {
	return r.finalized.Load()
}

func (r *Registry) read() func() {
	if r.finalized.Load() {
		return func() {}
	}
	r.mu.RLock()
	return r.mu.RUnlock
}

// Get returns the flow called name. Aliases are not resolved.
func (r *Registry) Get(name string) (Flow, bool) {
	defer r.read()()
	f, ok := r.flows[name]
	return f, ok
}

// Expand resolves enabled flow names and aliases to flows, in order and
// without duplicates. Unknown names are skipped.
func (r *Registry) Expand(enabled []string) []Flow {
	defer r.read()()

	var (
		out  []Flow
		seen = make(map[string]bool)
	)
	add := func(name string) {
		f, ok := r.flows[name]
		if !ok || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, f)
	}
	for _, name := range enabled {
		if targets, ok := r.aliases[name]; ok {
			for _, t := range targets {
				add(t)
			}
			continue
		}
		add(name)
	}
	return out
}

// ForGrantType returns the enabled flow handling a grant_type value.
func (r *Registry) ForGrantType(enabled []string, value string) (Flow, bool) {
	for _, f := range r.Expand(enabled) {
		if f.MatchesGrantType(value) {
			return f, true
		}
	}
	return FallbackFlow, false
}

// ForResponseType returns the enabled flow handling a response_type value.
func (r *Registry) ForResponseType(enabled []string, value string) (Flow, bool) {
	for _, f := range r.Expand(enabled) {
		if f.MatchesResponseType(value) {
			return f, true
		}
	}
	return FallbackFlow, false
}

// GrantTypes lists the grant_type values the enabled flows accept exactly.
// Pattern matchers are skipped.
func (r *Registry) GrantTypes(enabled []string) []string {
	var out []string
	for _, f := range r.Expand(enabled) {
		if e, ok := f.GrantTypeMatches.(Exact); ok && f.HandlesGrantType() {
			out = append(out, string(e))
		}
	}
	return out
}

// ResponseTypes lists the response_type values the enabled flows accept
// exactly. Pattern matchers are skipped.
func (r *Registry) ResponseTypes(enabled []string) []string {
	var out []string
	for _, f := range r.Expand(enabled) {
		if e, ok := f.ResponseTypeMatches.(Exact); ok && f.HandlesResponseType() {
			out = append(out, string(e))
		}
	}
	return out
}
