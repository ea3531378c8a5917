package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// TokenResponse is a successful token endpoint response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

func (s *Server) tokenResponse(t *issuedToken) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  t.token,
		TokenType:    TokenTypeBearer,
		RefreshToken: t.refreshToken,
		Scope:        strings.Join(t.record.Scopes, " "),
		CreatedAt:    t.record.CreatedAt.Unix(),
	}
	if secs := t.record.ExpiresInSeconds(s.Config.Now()); secs >= 0 {
		resp.ExpiresIn = secs
	}
	return resp
}

// DeviceResponse is a device authorization response (RFC 8628 section 3.2).
type DeviceResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// IntrospectionResponse is a token introspection response (RFC 7662).
// Inactive tokens carry nothing but Active.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Aud       []string `json:"aud,omitempty"`
	Iss       string   `json:"iss,omitempty"`
}

// ErrorBody is the JSON body of an error response.
type ErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	State            string `json:"state,omitempty"`
}

// Body returns the JSON body for e.
func (e *Error) Body() ErrorBody {
	return ErrorBody{Error: e.Code, ErrorDescription: e.Description, State: e.State}
}

// SetNoStoreHeaders marks a response as not cacheable, as required for
// responses carrying tokens or credentials.
func SetNoStoreHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// Headers returns the headers of an error response. 401 responses get a
// Bearer challenge naming realm.
func (e *Error) Headers(realm string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	SetNoStoreHeaders(h)
	if e.Status == http.StatusUnauthorized || e.Code == ErrorCodeInsufficientScope {
		h.Set("WWW-Authenticate", e.challenge(realm))
	}
	return h
}

func (e *Error) challenge(realm string) string {
	if realm == "" {
		realm = DefaultRealm
	}
	quote := func(s string) string {
		return strconv.Quote(strings.ReplaceAll(s, `"`, `'`))
	}
	challenge := fmt.Sprintf("Bearer realm=%s, error=%s", quote(realm), quote(e.Code))
	if e.Description != "" {
		challenge += ", error_description=" + quote(e.Description)
	}
	return challenge
}

// Response modes
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// AuthorizationRedirect is the outcome of an authorization request: either
// a redirect back to the client or, for the out-of-band redirect URI, a
// response rendered in-band.
type AuthorizationRedirect struct {
	RedirectURI  string
	ResponseMode string
	Params       url.Values

	// InBand is set for the native out-of-band redirect URI. Params then
	// carry what would otherwise be appended to the URI.
	InBand bool
}

func newAuthorizationRedirect(redirectURI, mode string, inBand bool) *AuthorizationRedirect {
	return &AuthorizationRedirect{
		RedirectURI:  redirectURI,
		ResponseMode: mode,
		Params:       url.Values{},
		InBand:       inBand,
	}
}

// set adds a parameter unless value is blank.
func (r *AuthorizationRedirect) set(key, value string) {
	if value != "" {
		r.Params.Set(key, value)
	}
}

// Location returns the URI to redirect to, with Params appended to the
// query or the fragment depending on the response mode. It returns the bare
// redirect URI for form_post, whose params travel in the body.
func (r *AuthorizationRedirect) Location() string {
	if r.ResponseMode == ResponseModeFormPost || len(r.Params) == 0 {
		return r.RedirectURI
	}
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return r.RedirectURI
	}
	switch r.ResponseMode {
	case ResponseModeFragment:
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + r.Params.Encode()
	default:
		q := u.Query()
		for k, vs := range r.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}
}
