package server

import (
	"context"
	"errors"
	"net/url"

	"github.com/giantswarm/oauth-server/clientauth"
	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// TokenRequest holds the parameters of a token endpoint request.
type TokenRequest struct {
	GrantType   string
	Credentials clientauth.Credentials

	// AuthMethod names the client authentication method the credentials
	// came from, for metrics.
	AuthMethod string

	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	Username     string
	Password     string
	DeviceCode   string
	Resources    []string

	// ClientIP is recorded in audit events.
	ClientIP string
}

// TokenRequestFromValues reads a token request from form values. Client
// credentials are extracted separately by the client authenticator.
func TokenRequestFromValues(v url.Values, creds clientauth.Credentials, method string) *TokenRequest {
	return &TokenRequest{
		GrantType:    v.Get("grant_type"),
		Credentials:  creds,
		AuthMethod:   method,
		Code:         v.Get("code"),
		RedirectURI:  v.Get("redirect_uri"),
		CodeVerifier: v.Get("code_verifier"),
		RefreshToken: v.Get("refresh_token"),
		Scope:        v.Get("scope"),
		Username:     v.Get("username"),
		Password:     v.Get("password"),
		DeviceCode:   v.Get("device_code"),
		Resources:    v["resource"],
	}
}

// grantRequest is a token request of a specific flow, ready to be authorized.
type grantRequest interface {
	Authorize(ctx context.Context) (*TokenResponse, error)
}

// Token handles a token endpoint request: it resolves the flow by grant
// type, authenticates the client and runs the flow.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.token")
	defer func() { endSpan(span, err) }()

	if req.GrantType == "" {
		return nil, ErrInvalidRequest("grant_type is required")
	}
	flow, ok := s.flows.ForGrantType(s.Config.GrantFlows, req.GrantType)
	if !ok {
		return nil, ErrUnsupportedGrantType("grant_type is not supported")
	}

	client, err := s.authenticateClient(ctx, req.Credentials, req.AuthMethod, req.ClientIP)
	if err != nil {
		return nil, err
	}
	if client != nil && !client.AllowsGrantFlow(flow.Name) {
		return nil, ErrUnauthorizedClient("client is not allowed to use this grant_type")
	}
	instrumentation.AddGrantAttributes(span, clientUID(client), "", flow.Name, "")

	gr, err := s.newGrantRequest(ctx, flow, client, req)
	if err != nil {
		return nil, err
	}
	resp, err := gr.Authorize(ctx)
	if err != nil {
		return nil, s.flowError(err, flow.Name, client)
	}
	return resp, nil
}

func (s *Server) newGrantRequest(ctx context.Context, flow grantflow.Flow, client *storage.Application, req *TokenRequest) (grantRequest, error) {
	switch flow.GrantTypeStrategy {
	case grantflow.KindAuthorizationCode:
		return s.newAuthorizationCodeRequest(ctx, client, req)
	case grantflow.KindClientCredentials:
		return &clientCredentialsRequest{server: s, client: client, params: req}, nil
	case grantflow.KindPassword:
		return &passwordRequest{server: s, client: client, params: req}, nil
	case grantflow.KindRefreshToken:
		return s.newRefreshTokenRequest(ctx, client, req)
	case grantflow.KindDeviceCode:
		return s.newDeviceCodeRequest(ctx, client, req)
	default:
		return nil, ErrUnsupportedGrantType("grant_type is not supported")
	}
}

// authenticateClient resolves the client of a request. Blank credentials
// yield no client; credentials that fail to authenticate are invalid_client.
func (s *Server) authenticateClient(ctx context.Context, creds clientauth.Credentials, method, clientIP string) (*storage.Application, error) {
	if creds.Blank() {
		return nil, nil
	}
	app, err := s.clients.Authenticate(ctx, creds)
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, clientauth.ErrInvalidClient) {
		return nil, internalError("failed to authenticate client", err)
	}

	s.metrics().RecordClientAuthFailure(ctx, method)
	s.audit(security.Event{
		Type:      security.EventAuthFailure,
		ClientID:  creds.UID,
		IPAddress: clientIP,
		Details:   map[string]any{"reason": err.Error(), "method": method},
	})
	return nil, ErrInvalidClient("client authentication failed")
}

// AuthenticateClient is authenticateClient for adapters handling endpoints
// other than the token endpoint.
func (s *Server) AuthenticateClient(ctx context.Context, creds clientauth.Credentials, method, clientIP string) (*storage.Application, error) {
	return s.authenticateClient(ctx, creds, method, clientIP)
}

// flowError logs failures that become server_error.
func (s *Server) flowError(err error, flowName string, client *storage.Application) error {
	oe := AsError(err)
	if oe.Code == ErrorCodeServerError {
		s.Logger.Error("Token request failed",
			"flow", flowName,
			"client_id", clientUID(client),
			"error", err)
	} else {
		s.Logger.Debug("Token request rejected",
			"flow", flowName,
			"client_id", clientUID(client),
			"error", oe.Code,
			"description", oe.Description)
	}
	return oe
}
