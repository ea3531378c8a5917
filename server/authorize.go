package server

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/plugin"
	"github.com/giantswarm/oauth-server/scopes"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// AuthorizationRequest holds the parameters of an authorization request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	ResponseMode        string
	CodeChallenge       string
	CodeChallengeMethod string
	Resources           []string
}

// AuthorizationRequestFromValues reads an authorization request from query
// or form values.
func AuthorizationRequestFromValues(v url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		ResponseMode:        v.Get("response_mode"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Resources:           v["resource"],
	}
}

// PreAuthorization is a validated authorization request awaiting the
// resource owner's decision.
type PreAuthorization struct {
	Client       *storage.Application
	Flow         grantflow.Flow
	RedirectURI  string
	ResponseType string
	ResponseMode string
	Scopes       scopes.Set
	State        string

	CodeChallenge       string
	CodeChallengeMethod string
	Resources           []string

	// redirectVerified is set once the redirect URI is known to belong to
	// the client, which makes errors redirectable.
	redirectVerified bool
	native           bool
}

// PreAuthorize validates an authorization request. On failure the returned
// PreAuthorization, when non-nil, can render the error as a redirect.
func (s *Server) PreAuthorize(ctx context.Context, req AuthorizationRequest) (_ *PreAuthorization, err error) {
	ctx, span := s.startSpan(ctx, "oauth.pre_authorize")
	defer func() { endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrResponseType, req.ResponseType))

	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required").WithState(req.State)
	}

	client, err := s.store.GetApplicationByUID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client").WithState(req.State)
		}
		return nil, internalError("failed to load client", err)
	}

	pre := &PreAuthorization{
		Client:              client,
		ResponseType:        req.ResponseType,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resources:           req.Resources,
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if _, ok := s.Config.matchRedirectURI(redirectURI, client.RedirectURIs); !ok {
		s.audit(security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: client.UID,
			Details:  map[string]any{"redirect_uri": redirectURI},
		})
		return nil, ErrInvalidRedirectURI("redirect_uri is invalid or not registered for this client").WithState(req.State)
	}
	pre.RedirectURI = redirectURI
	pre.native = s.Config.isNativeRedirectURI(redirectURI)
	pre.redirectVerified = true

	if err := s.validatePreAuthorization(pre, req); err != nil {
		return pre, err.WithState(req.State)
	}
	return pre, nil
}

func (s *Server) validatePreAuthorization(pre *PreAuthorization, req AuthorizationRequest) *Error {
	if req.ResponseType == "" {
		return ErrInvalidRequest("response_type is required")
	}
	if strings.TrimSpace(req.Scope) == "" && len(s.Config.DefaultScopes) == 0 {
		return ErrInvalidRequest("scope is required")
	}

	flow, ok := s.flows.ForResponseType(s.Config.GrantFlows, req.ResponseType)
	if !ok {
		return ErrUnsupportedResponseType("response_type is not supported")
	}
	pre.Flow = flow

	pre.ResponseMode = req.ResponseMode
	if pre.ResponseMode == "" {
		pre.ResponseMode = flow.DefaultResponseMode()
	}
	if !flow.MatchesResponseMode(pre.ResponseMode) {
		pre.ResponseMode = flow.DefaultResponseMode()
		return ErrInvalidRequest("response_mode is not supported for this response_type")
	}

	scope, err := s.requestedScopes(req.Scope, pre.Client, flow.Name)
	if err != nil {
		return err
	}
	pre.Scopes = scope

	if req.CodeChallenge != "" {
		if !s.Config.validCodeChallengeMethod(req.CodeChallengeMethod) {
			return ErrInvalidRequest("code_challenge_method is not supported")
		}
		if pre.CodeChallengeMethod == "" {
			pre.CodeChallengeMethod = PKCEMethodPlain
		}
	} else if s.Config.ForcePKCE && !pre.Client.Confidential && flow.ResponseTypeStrategy == grantflow.KindCode {
		s.audit(security.Event{Type: security.EventPKCERequiredForPublicClient, ClientID: pre.Client.UID})
		return ErrInvalidRequest("code_challenge is required for public clients")
	}

	if !pre.Client.AllowsGrantFlow(flow.Name) {
		return ErrUnauthorizedClient("client is not allowed to use this response_type")
	}

	for _, resource := range req.Resources {
		u, err := url.Parse(resource)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return ErrInvalidTarget("resource must be an absolute URI without a fragment")
		}
	}
	return nil
}

// requestedScopes parses and validates a requested scope string. A blank
// request falls back to the default scopes the client may use, which must
// pass the same checks as an explicit request.
func (s *Server) requestedScopes(requested string, client *storage.Application, grantType string) (scopes.Set, *Error) {
	var appScopes scopes.Set
	if client != nil {
		appScopes = scopes.FromSlice(client.Scopes)
	}

	if strings.TrimSpace(requested) == "" {
		defaults := scopes.FromSlice(s.Config.DefaultScopes)
		if !appScopes.Empty() {
			defaults = defaults.Intersect(appScopes)
		}
		if !s.checker.Valid(defaults.String(), s.Config.Scopes(), appScopes, grantType) {
			return scopes.Set{}, ErrInvalidScope("no default scope is available to the client")
		}
		return defaults, nil
	}

	if !s.checker.Valid(requested, s.Config.Scopes(), appScopes, grantType) {
		s.audit(security.Event{
			Type:     security.EventScopeEscalationAttempt,
			ClientID: clientUID(client),
			Details:  map[string]any{"scope": requested},
		})
		return scopes.Set{}, ErrInvalidScope("the requested scope is invalid, unknown or malformed")
	}
	return scopes.Parse(requested), nil
}

// ErrorRedirect renders err as a redirect to the client. It returns nil
// when the error must be shown to the user agent instead.
func (p *PreAuthorization) ErrorRedirect(err *Error) *AuthorizationRedirect {
	if p == nil || !p.redirectVerified || !err.Redirectable() || p.native {
		return nil
	}
	mode := p.ResponseMode
	if mode == "" {
		mode = ResponseModeQuery
		if p.ResponseType == "token" {
			mode = ResponseModeFragment
		}
	}
	r := newAuthorizationRedirect(p.RedirectURI, mode, false)
	r.set("error", err.Code)
	r.set("error_description", err.Description)
	r.set("state", p.State)
	return r
}

// Authorize issues what the pre-authorized request asked for on behalf of
// the resource owner: an authorization code or, for the implicit flow, an
// access token.
func (s *Server) Authorize(ctx context.Context, pre *PreAuthorization, ownerID string) (_ *AuthorizationRedirect, err error) {
	ctx, span := s.startSpan(ctx, "oauth.authorize")
	defer func() { endSpan(span, err) }()

	if ownerID == "" {
		return nil, ErrAccessDenied("resource owner is not authenticated")
	}
	instrumentation.AddGrantAttributes(span, pre.Client.UID, ownerID, pre.Flow.Name, pre.Scopes.String())

	switch pre.Flow.ResponseTypeStrategy {
	case grantflow.KindCode:
		return s.issueCode(ctx, pre, ownerID)
	case grantflow.KindToken:
		return s.issueImplicitToken(ctx, pre, ownerID)
	default:
		return nil, ErrUnsupportedResponseType("response_type is not supported")
	}
}

// Deny renders the resource owner's refusal.
func (s *Server) Deny(pre *PreAuthorization) *AuthorizationRedirect {
	err := ErrAccessDenied("the resource owner denied the request")
	if r := pre.ErrorRedirect(err); r != nil {
		return r
	}
	r := newAuthorizationRedirect(pre.RedirectURI, pre.ResponseMode, true)
	r.set("error", err.Code)
	r.set("error_description", err.Description)
	return r
}

func (s *Server) issueCode(ctx context.Context, pre *PreAuthorization, ownerID string) (*AuthorizationRedirect, error) {
	var (
		grant *storage.AccessGrant
		code  string
	)
	for attempt := 0; ; attempt++ {
		var err error
		code, err = s.generator.GenerateUnique(ctx, func(ctx context.Context, candidate string) (bool, error) {
			g, err := lookup(ctx, s, candidate, s.store.GetAccessGrant)
			return g != nil, err
		})
		if err != nil {
			return nil, internalError("failed to generate authorization code", err)
		}
		stored, err := s.tokenStrategy.Transform(code)
		if err != nil {
			return nil, internalError("failed to transform authorization code", err)
		}

		grant = &storage.AccessGrant{
			Lifetime: storage.Lifetime{
				CreatedAt: s.Config.Now(),
				ExpiresIn: s.Config.AuthorizationCodeExpiresIn,
			},
			Token:               stored,
			ApplicationID:       pre.Client.ID,
			ResourceOwnerID:     ownerID,
			RedirectURI:         pre.RedirectURI,
			Scopes:              pre.Scopes.Slice(),
			CodeChallenge:       pre.CodeChallenge,
			CodeChallengeMethod: pre.CodeChallengeMethod,
			ResourceIndicators:  pre.Resources,
		}
		err = s.store.CreateAccessGrant(ctx, grant)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrAlreadyExists) || attempt > 0 {
			return nil, internalError("failed to store authorization code", err)
		}
	}

	if err := s.runPlugins(ctx, plugin.AccessGrantCreate, &plugin.Context{
		Application: pre.Client,
		AccessGrant: grant,
	}); err != nil {
		return nil, err
	}

	s.metrics().RecordGrantIssued(ctx, grantflow.AuthorizationCode)
	s.audit(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   ownerID,
		ClientID: pre.Client.UID,
		Details:  map[string]any{"scope": pre.Scopes.String(), "pkce": grant.UsesPKCE()},
	})

	r := newAuthorizationRedirect(pre.RedirectURI, pre.ResponseMode, pre.native)
	r.set("code", code)
	r.set("state", pre.State)
	return r, nil
}

func (s *Server) issueImplicitToken(ctx context.Context, pre *PreAuthorization, ownerID string) (*AuthorizationRedirect, error) {
	issued, err := s.findOrCreateToken(ctx, tokenParams{
		app:       pre.Client,
		ownerID:   ownerID,
		scopes:    pre.Scopes,
		grantType: grantflow.Implicit,
		expiresIn: s.Config.accessTokenExpiresIn(),
		resources: pre.Resources,
		reuse:     true,
	})
	if err != nil {
		return nil, err
	}

	resp := s.tokenResponse(issued)
	r := newAuthorizationRedirect(pre.RedirectURI, pre.ResponseMode, pre.native)
	r.set("access_token", resp.AccessToken)
	r.set("token_type", resp.TokenType)
	if resp.ExpiresIn > 0 {
		r.set("expires_in", strconv.FormatInt(resp.ExpiresIn, 10))
	}
	r.set("scope", resp.Scope)
	r.set("state", pre.State)
	return r, nil
}

func clientUID(app *storage.Application) string {
	if app == nil {
		return ""
	}
	return app.UID
}
