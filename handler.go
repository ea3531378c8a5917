package oauth

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage"
)

// Endpoint paths registered by Routes.
const (
	PathMetadata            = "/.well-known/oauth-authorization-server"
	PathAuthorize           = "/oauth/authorize"
	PathToken               = "/oauth/token"
	PathDeviceAuthorization = "/oauth/device"
	PathDeviceVerification  = "/oauth/device/verify"
	PathRevoke              = "/oauth/revoke"
	PathIntrospect          = "/oauth/introspect"
)

// formPostScriptHash is the CSP hash of the script in formPostTemplate.
// Regenerate it whenever the script changes:
//
//	printf '%s' 'document.forms[0].submit();' | openssl dgst -sha256 -binary | base64
const formPostScriptHash = "'sha256-8lDeP0UDwCO6/RhblgeH/ctdBzjVpJxrXizsnIk3cEQ='"

// formPostTemplate renders the form_post response mode (OAuth 2.0 Form Post
// Response Mode): the authorization response is posted to the redirect URI
// by the user agent.
var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Continue</title></head>
<body>
<form method="post" action="{{.Action}}">
{{- range $name, $values := .Params}}{{range $values}}
<input type="hidden" name="{{$name}}" value="{{.}}">
{{- end}}{{end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
<script>document.forms[0].submit();</script>
</body>
</html>
`))

// Handler is a thin HTTP adapter for the authorization server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *security.RateLimiter
	ips     security.IPResolver
}

// NewHandler creates a new HTTP handler. A nil config uses defaults, which
// deny every authorization request until AuthenticateResourceOwner is set.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		tracer: srv.Instrumentation.Tracer("http"),
		ips: security.IPResolver{
			TrustProxy:     config.TrustProxy,
			TrustedProxies: config.TrustedProxyCount,
		},
	}
	if config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:       config.RateLimit.Rate,
			Burst:      config.RateLimit.Burst,
			MaxEntries: config.RateLimit.MaxEntries,
			Clock:      srv.Config.Clock,
		}, logger)
	}
	if config.AuthenticateResourceOwner == nil {
		logger.Warn("No resource owner authenticator configured: authorization and device verification requests will be denied")
	}
	for _, origin := range config.CORS.AllowedOrigins {
		if origin == "*" {
			logger.Warn("SECURITY WARNING: CORS wildcard origin (*) allows ALL origins",
				"recommendation", "Use specific origins in production")
		}
	}
	return h
}

// Close stops the rate limiter's background cleanup.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns a handler serving every endpoint under its default path,
// with request IDs and security headers applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathMetadata, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(PathAuthorize, h.ServeAuthorization)
	mux.HandleFunc(PathToken, h.ServeToken)
	mux.HandleFunc(PathDeviceAuthorization, h.ServeDeviceAuthorization)
	mux.HandleFunc(PathDeviceVerification, h.ServeDeviceVerification)
	mux.HandleFunc(PathRevoke, h.ServeTokenRevocation)
	mux.HandleFunc(PathIntrospect, h.ServeTokenIntrospection)

	return security.RequestIDMiddleware(security.SecurityHeaders(h.server.Config.Issuer)(mux))
}

// ServeToken handles token requests for every enabled grant type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, r, errMethodNotAllowed())
			return
		}
		clientIP := h.ips.ClientIP(r)
		if h.rateLimited(w, r, clientIP, "token") {
			return
		}
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, server.ErrInvalidRequest("failed to parse request"))
			return
		}

		creds, method := h.server.ClientAuthenticator().FromRequest(r)
		req := server.TokenRequestFromValues(r.PostForm, creds, method)
		req.ClientIP = clientIP
		instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
			attribute.String(instrumentation.AttrGrantType, req.GrantType),
			attribute.String(instrumentation.AttrClientAuth, method))

		resp, err := h.server.Token(r.Context(), req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// ServeAuthorization handles the authorization endpoint. GET validates the
// request and asks for consent, POST approves and DELETE denies.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "authorization", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodPost, http.MethodDelete:
		default:
			h.writeError(w, r, errMethodNotAllowed())
			return
		}
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, server.ErrInvalidRequest("failed to parse request"))
			return
		}

		ownerID, ok := h.resourceOwner(w, r)
		if !ok {
			return
		}

		pre, err := h.server.PreAuthorize(r.Context(), server.AuthorizationRequestFromValues(r.Form))
		if err != nil {
			h.writeAuthorizationError(w, r, pre, err)
			return
		}
		instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
			attribute.String(instrumentation.AttrClientID, pre.Client.UID),
			attribute.String(instrumentation.AttrPKCEMethod, pre.CodeChallengeMethod))

		switch r.Method {
		case http.MethodGet:
			if h.config.SkipAuthorization != nil && h.config.SkipAuthorization(r, pre, ownerID) {
				h.authorize(w, r, pre, ownerID)
				return
			}
			h.renderConsent(w, r, pre, ownerID)
		case http.MethodPost:
			h.authorize(w, r, pre, ownerID)
		case http.MethodDelete:
			h.writeAuthorizationRedirect(w, r, h.server.Deny(pre))
		}
	})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, pre *server.PreAuthorization, ownerID string) {
	redirect, err := h.server.Authorize(r.Context(), pre, ownerID)
	if err != nil {
		h.writeAuthorizationError(w, r, pre, err)
		return
	}
	h.writeAuthorizationRedirect(w, r, redirect)
}

// resourceOwner returns the signed-in resource owner. It returns false when
// a response was already written.
func (h *Handler) resourceOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.config.AuthenticateResourceOwner == nil {
		h.writeError(w, r, server.ErrAccessDenied("resource owner authentication is not configured"))
		return "", false
	}
	ownerID, err := h.config.AuthenticateResourceOwner(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return "", false
	}
	return ownerID, ownerID != ""
}

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, pre *server.PreAuthorization, ownerID string) {
	if h.config.RenderConsent != nil {
		h.config.RenderConsent(w, r, pre, ownerID)
		return
	}
	writeJSON(w, http.StatusOK, PreAuthorizationResponse{
		ClientID:            pre.Client.UID,
		ClientName:          pre.Client.Name,
		RedirectURI:         pre.RedirectURI,
		ResponseType:        pre.ResponseType,
		ResponseMode:        pre.ResponseMode,
		Scope:               pre.Scopes.String(),
		State:               pre.State,
		Resources:           pre.Resources,
		CodeChallenge:       pre.CodeChallenge,
		CodeChallengeMethod: pre.CodeChallengeMethod,
	})
}

// writeAuthorizationError redirects err to the client when the request's
// redirect URI was verified, and renders it otherwise.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, pre *server.PreAuthorization, err error) {
	oe := server.AsError(err)
	if redirect := pre.ErrorRedirect(oe); redirect != nil {
		h.logError(r, oe)
		h.writeAuthorizationRedirect(w, r, redirect)
		return
	}
	h.writeError(w, r, oe)
}

func (h *Handler) writeAuthorizationRedirect(w http.ResponseWriter, r *http.Request, redirect *server.AuthorizationRedirect) {
	switch {
	case redirect.InBand:
		status := http.StatusOK
		if redirect.Params.Has("error") {
			status = http.StatusBadRequest
		}
		params := make(map[string]string, len(redirect.Params))
		for k := range redirect.Params {
			params[k] = redirect.Params.Get(k)
		}
		writeJSON(w, status, params)
	case redirect.ResponseMode == server.ResponseModeFormPost:
		h.writeFormPost(w, r, redirect)
	default:
		http.Redirect(w, r, redirect.Location(), http.StatusFound)
	}
}

func (h *Handler) writeFormPost(w http.ResponseWriter, r *http.Request, redirect *server.AuthorizationRedirect) {
	w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src "+formPostScriptHash+"; frame-ancestors 'none'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	server.SetNoStoreHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	data := struct {
		Action string
		Params url.Values
	}{redirect.RedirectURI, redirect.Params}
	if err := formPostTemplate.Execute(w, data); err != nil {
		security.RequestLogger(r.Context(), h.logger).Error("Failed to render form_post response", "error", err)
	}
}

// ServeDeviceAuthorization starts the device flow (RFC 8628 section 3.1).
// Devices then poll the token endpoint with the device code grant type.
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "device_authorization", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, r, errMethodNotAllowed())
			return
		}
		clientIP := h.ips.ClientIP(r)
		if h.rateLimited(w, r, clientIP, "device_authorization") {
			return
		}
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, server.ErrInvalidRequest("failed to parse request"))
			return
		}

		client, ok := h.authenticateClient(w, r, clientIP)
		if !ok {
			return
		}
		resp, err := h.server.DeviceAuthorization(r.Context(), client, r.PostForm.Get("scope"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// ServeDeviceVerification lets a signed-in user act on a device user code:
// GET describes the pending request, POST approves and DELETE denies it.
func (h *Handler) ServeDeviceVerification(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "device_verification", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodPost, http.MethodDelete:
		default:
			h.writeError(w, r, errMethodNotAllowed())
			return
		}
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, server.ErrInvalidRequest("failed to parse request"))
			return
		}
		ownerID, ok := h.resourceOwner(w, r)
		if !ok {
			return
		}
		userCode := r.Form.Get("user_code")

		var err error
		switch r.Method {
		case http.MethodGet:
			var (
				grant *storage.DeviceGrant
				app   *storage.Application
			)
			grant, app, err = h.server.DeviceGrant(r.Context(), userCode)
			if err == nil {
				writeJSON(w, http.StatusOK, DeviceVerificationResponse{
					UserCode:   grant.UserCode,
					ClientID:   app.UID,
					ClientName: app.Name,
					Scope:      strings.Join(grant.Scopes, " "),
					ExpiresIn:  grant.ExpiresInSeconds(h.server.Config.Now()),
				})
				return
			}
		case http.MethodPost:
			err = h.server.ApproveDevice(r.Context(), userCode, ownerID)
		case http.MethodDelete:
			err = h.server.DenyDevice(r.Context(), userCode)
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// ServeTokenRevocation handles token revocation requests (RFC 7009).
// Unknown tokens are reported as revoked.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "revoke", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, r, errMethodNotAllowed())
			return
		}
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, server.ErrInvalidRequest("failed to parse request"))
			return
		}
		clientIP := h.ips.ClientIP(r)

		client, ok := h.authenticateClient(w, r, clientIP)
		if !ok {
			return
		}
		err := h.server.Revoke(r.Context(), client, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"), clientIP)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})
}

// ServeTokenIntrospection handles token introspection requests (RFC 7662).
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "introspect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, r, errMethodNotAllowed())
			return
		}
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, server.ErrInvalidRequest("failed to parse request"))
			return
		}

		client, ok := h.authenticateClient(w, r, h.ips.ClientIP(r))
		if !ok {
			return
		}
		resp, err := h.server.Introspect(r.Context(), client, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// authenticateClient authenticates the client of a revocation, introspection
// or device authorization request. Those endpoints require one.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request, clientIP string) (*storage.Application, bool) {
	creds, method := h.server.ClientAuthenticator().FromRequest(r)
	if creds.Blank() {
		h.server.Auditor.LogAuthFailure("", "", clientIP, "missing_client_credentials")
		h.writeError(w, r, server.ErrInvalidClient("client authentication is required"))
		return nil, false
	}
	client, err := h.server.AuthenticateClient(r.Context(), creds, method, clientIP)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
		attribute.String(instrumentation.AttrClientID, client.UID))
	return client, true
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, "metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.writeError(w, r, errMethodNotAllowed())
			return
		}
		writeJSON(w, http.StatusOK, h.buildAuthServerMetadata())
	})
}

func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	cfg := h.server.Config
	issuer := strings.TrimSuffix(cfg.Issuer, "/")

	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		TokenEndpoint:                     issuer + PathToken,
		RevocationEndpoint:                issuer + PathRevoke,
		IntrospectionEndpoint:             issuer + PathIntrospect,
		ScopesSupported:                   cfg.Scopes().Slice(),
		ResponseTypesSupported:            []string{},
		GrantTypesSupported:               []string{},
		TokenEndpointAuthMethodsSupported: h.server.ClientAuthenticator().Methods(),
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}
	if cfg.AllowPKCEPlain {
		metadata.CodeChallengeMethodsSupported = append(metadata.CodeChallengeMethodsSupported, server.PKCEMethodPlain)
	}

	modes := map[string]bool{}
	for _, flow := range h.server.GrantFlows().Expand(cfg.GrantFlows) {
		switch flow.GrantTypeStrategy {
		case grantflow.KindNone:
		case grantflow.KindDeviceCode:
			metadata.GrantTypesSupported = append(metadata.GrantTypesSupported, grantflow.DeviceCodeGrantType)
			metadata.DeviceAuthorizationEndpoint = issuer + PathDeviceAuthorization
		default:
			metadata.GrantTypesSupported = append(metadata.GrantTypesSupported, flow.Name)
		}
		switch flow.ResponseTypeStrategy {
		case grantflow.KindCode, grantflow.KindToken:
			metadata.ResponseTypesSupported = append(metadata.ResponseTypesSupported, flow.ResponseTypeStrategy.String())
			metadata.AuthorizationEndpoint = issuer + PathAuthorize
			for _, mode := range flow.ResponseModeMatches {
				if !modes[mode] {
					modes[mode] = true
					metadata.ResponseModesSupported = append(metadata.ResponseModesSupported, mode)
				}
			}
		}
	}
	return metadata
}

type accessTokenContextKey struct{}

// AccessTokenFromContext returns the access token ValidateToken authenticated.
func AccessTokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	t, ok := ctx.Value(accessTokenContextKey{}).(*storage.AccessToken)
	return t, ok && t != nil
}

// ContextWithAccessToken returns a context carrying t.
//
// WARNING: Only ValidateToken should set the token in production. This is
// exported for testing code that depends on an authenticated request.
func ContextWithAccessToken(ctx context.Context, t *storage.AccessToken) context.Context {
	return context.WithValue(ctx, accessTokenContextKey{}, t)
}

// ValidateToken returns middleware that only lets requests through that
// carry an accessible bearer token with every required scope. The token is
// available to next through AccessTokenFromContext.
func (h *Handler) ValidateToken(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				h.writeError(w, r, server.ErrInvalidToken("missing bearer token"))
				return
			}
			t, err := h.server.AuthenticateToken(r.Context(), token, required...)
			if err != nil {
				security.RequestLogger(r.Context(), h.logger).Debug("Token validation failed",
					"ip", h.ips.ClientIP(r), "error", err)
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAccessToken(r.Context(), t)))
		})
	}
}

// bearerToken extracts a bearer token from the Authorization header or,
// for form-encoded POST bodies, the access_token parameter (RFC 6750).
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return "", false
		}
		return strings.TrimSpace(token), true
	}
	if r.Method == http.MethodPost && strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if token := r.PostFormValue("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// observe runs serve inside an HTTP span, answers CORS preflight requests
// and records request metrics.
func (h *Handler) observe(w http.ResponseWriter, r *http.Request, endpoint string, serve http.HandlerFunc) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
	defer span.End()
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.setCORSHeaders(rec, r)
	if r.Method == http.MethodOptions {
		h.servePreflight(rec, r)
	} else {
		serve(rec, r)
	}

	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
	if rec.status >= http.StatusInternalServerError {
		instrumentation.SetSpanError(span, http.StatusText(rec.status))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	h.recordHTTPMetrics(ctx, endpoint, r.Method, rec.status, startTime)
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.wroteHeader {
		s.status = status
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// rateLimited enforces the per client IP limit. Returns true if limited.
func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.limiter == nil {
		return false
	}
	ok, retryAfter := h.limiter.Allow(clientIP)
	if ok {
		return false
	}

	security.RequestLogger(r.Context(), h.logger).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

	seconds := int((retryAfter + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
	h.writeError(w, r, errRateLimited())
	return true
}

// writeError renders err as an OAuth error response. Anything that is not
// an OAuth error becomes server_error; its cause is logged, not rendered.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oe := server.AsError(err)
	h.logError(r, oe)

	for k, v := range oe.Headers(h.server.Config.Realm) {
		w.Header()[k] = v
	}
	w.WriteHeader(oe.Status)
	_ = json.NewEncoder(w).Encode(oe.Body())
}

func (h *Handler) logError(r *http.Request, oe *Error) {
	logger := security.RequestLogger(r.Context(), h.logger)
	if oe.Code == ErrorCodeServerError {
		logger.Error("Request failed", "path", r.URL.Path, "error", oe)
		return
	}
	logger.Debug("Request rejected", "path", r.URL.Path, "error", oe.Code, "description", oe.Description)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	server.SetNoStoreHeaders(w.Header())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// setCORSHeaders sets CORS headers for allowed browser origins.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo the origin rather than "*" so credentials can be allowed.
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
}

func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// servePreflight answers CORS preflight (OPTIONS) requests.
func (h *Handler) servePreflight(w http.ResponseWriter, r *http.Request) {
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		maxAge := h.config.CORS.MaxAge
		if maxAge == 0 {
			maxAge = defaultCORSMaxAge
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
