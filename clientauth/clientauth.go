// Package clientauth extracts client credentials from token endpoint
// requests and authenticates them against registered applications.
package clientauth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth-server/secret"
	"github.com/giantswarm/oauth-server/storage"
)

// Method names as used in configuration and discovery metadata.
const (
	MethodBasic = "client_secret_basic"
	MethodPost  = "client_secret_post"
	MethodNone  = "none"
)

// DefaultMethods is the order in which credentials are looked for.
var DefaultMethods = []string{MethodBasic, MethodPost, MethodNone}

// ErrInvalidClient is returned when credentials do not identify an
// application.
var ErrInvalidClient = errors.New("client authentication failed")

// Credentials are the client id and secret presented with a request.
type Credentials struct {
	UID    string
	Secret string
}

// Blank reports whether no client id was presented. A blank secret is valid
// for public clients.
func (c Credentials) Blank() bool {
	return c.UID == ""
}

// Method extracts credentials in one way.
type Method interface {
	Name() string
	Matches(r *http.Request) bool
	Authenticate(r *http.Request) Credentials
}

// Basic reads credentials from an HTTP Basic Authorization header (RFC 6749
// section 2.3.1). Both parts are URL-decoded.
type Basic struct{}

func (Basic) Name() string { return MethodBasic }

func (Basic) Matches(r *http.Request) bool {
	scheme, _, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	return ok && strings.EqualFold(scheme, "Basic")
}

func (b Basic) Authenticate(r *http.Request) Credentials {
	if !b.Matches(r) {
		return Credentials{}
	}
	_, encoded, _ := strings.Cut(r.Header.Get("Authorization"), " ")
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return Credentials{}
	}
	uid, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Credentials{}
	}
	uid, err = url.QueryUnescape(uid)
	if err != nil {
		return Credentials{}
	}
	pass, err = url.QueryUnescape(pass)
	if err != nil {
		return Credentials{}
	}
	return Credentials{UID: uid, Secret: pass}
}

// Post reads client_id and client_secret from a form-encoded POST body.
type Post struct{}

func (Post) Name() string { return MethodPost }

func (Post) Matches(r *http.Request) bool {
	form := postForm(r)
	return form.Has("client_id") && form.Has("client_secret")
}

func (p Post) Authenticate(r *http.Request) Credentials {
	if !p.Matches(r) {
		return Credentials{}
	}
	form := postForm(r)
	return Credentials{UID: form.Get("client_id"), Secret: form.Get("client_secret")}
}

// None identifies public clients that send only client_id.
type None struct{}

func (None) Name() string { return MethodNone }

func (None) Matches(r *http.Request) bool {
	form := postForm(r)
	return r.Header.Get("Authorization") == "" && form.Has("client_id") && !form.Has("client_secret")
}

func (n None) Authenticate(r *http.Request) Credentials {
	if !n.Matches(r) {
		return Credentials{}
	}
	return Credentials{UID: postForm(r).Get("client_id")}
}

func postForm(r *http.Request) url.Values {
	if r.Method != http.MethodPost {
		return url.Values{}
	}
	if r.PostForm == nil {
		_ = r.ParseForm()
	}
	return r.PostForm
}

// MethodByName returns the named method.
func MethodByName(name string) (Method, error) {
	switch name {
	case MethodBasic:
		return Basic{}, nil
	case MethodPost:
		return Post{}, nil
	case MethodNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown client authentication method %q", name)
	}
}

// Authenticator finds and verifies the client of a request.
type Authenticator struct {
	apps     storage.ApplicationStore
	strategy secret.Strategy
	methods  []Method
	logger   *slog.Logger
}

// NewAuthenticator returns an authenticator checking secrets with strategy.
// names selects the methods and their order; empty means DefaultMethods.
func NewAuthenticator(apps storage.ApplicationStore, strategy secret.Strategy, names ...string) (*Authenticator, error) {
	if len(names) == 0 {
		names = DefaultMethods
	}
	methods := make([]Method, 0, len(names))
	for _, name := range names {
		m, err := MethodByName(name)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if strategy == nil {
		strategy = secret.Plain{}
	}
	return &Authenticator{
		apps:     apps,
		strategy: strategy,
		methods:  methods,
		logger:   slog.Default(),
	}, nil
}

// SetLogger sets a custom logger
func (a *Authenticator) SetLogger(logger *slog.Logger) {
	a.logger = logger
}

// Methods returns the configured method names in order.
func (a *Authenticator) Methods() []string {
	names := make([]string, len(a.methods))
	for i, m := range a.methods {
		names[i] = m.Name()
	}
	return names
}

// FromRequest returns the first non-blank credentials found by the
// configured methods, and the name of the method that found them.
func (a *Authenticator) FromRequest(r *http.Request) (Credentials, string) {
	for _, m := range a.methods {
		if !m.Matches(r) {
			continue
		}
		if creds := m.Authenticate(r); !creds.Blank() {
			return creds, m.Name()
		}
	}
	return Credentials{}, ""
}

// Authenticate returns the application identified by creds. Confidential
// applications must present a matching secret.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (*storage.Application, error) {
	if creds.Blank() {
		return nil, fmt.Errorf("%w: no client credentials", ErrInvalidClient)
	}

	app, err := a.apps.GetApplicationByUID(ctx, creds.UID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
		}
		return nil, fmt.Errorf("failed to load application: %w", err)
	}

	if !app.Confidential {
		return app, nil
	}
	if creds.Secret == "" || !a.strategy.Matches(creds.Secret, app.Secret) {
		a.logger.Debug("Client secret mismatch", "client_id", creds.UID)
		return nil, fmt.Errorf("%w: secret mismatch", ErrInvalidClient)
	}
	return app, nil
}
