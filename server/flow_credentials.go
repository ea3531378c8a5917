package server

import (
	"context"

	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// clientCredentialsRequest issues a token to the client itself
// (RFC 6749 section 4.4). There is no resource owner and no refresh token.
type clientCredentialsRequest struct {
	server *Server
	client *storage.Application
	params *TokenRequest
}

func (r *clientCredentialsRequest) Authorize(ctx context.Context) (*TokenResponse, error) {
	s := r.server
	if r.client == nil {
		return nil, ErrInvalidClient("client authentication is required")
	}

	requested, oe := s.requestedScopes(r.params.Scope, r.client, grantflow.ClientCredentials)
	if oe != nil {
		return nil, oe
	}

	params := tokenParams{
		app:       r.client,
		scopes:    requested,
		grantType: grantflow.ClientCredentials,
		expiresIn: s.Config.accessTokenExpiresIn(),
		resources: r.params.Resources,
		reuse:     true,
	}
	if s.reuseEnabled() {
		existing, err := s.findReusableToken(ctx, params)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.metrics().RecordTokenReused(ctx, params.grantType)
			return s.tokenResponse(existing), nil
		}
	}
	if s.Config.RevokePreviousClientCredentialsToken {
		if err := s.revokeTokens(ctx, r.client, "", "previous_token"); err != nil {
			return nil, err
		}
	}

	issued, err := s.createToken(ctx, params)
	if err != nil {
		return nil, err
	}
	return s.tokenResponse(issued), nil
}

// passwordRequest exchanges resource owner credentials for a token
// (RFC 6749 section 4.3).
type passwordRequest struct {
	server *Server
	client *storage.Application // nil when no client credentials were sent
	params *TokenRequest
}

func (r *passwordRequest) Authorize(ctx context.Context) (*TokenResponse, error) {
	s := r.server
	if r.client == nil && s.Config.PasswordRequiresClient {
		return nil, ErrInvalidClient("client authentication is required")
	}
	if r.params.Username == "" || r.params.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}
	if s.passwordAuthenticator == nil {
		return nil, internalError("password grant is enabled without a resource owner authenticator", nil)
	}

	ownerID, err := s.passwordAuthenticator(ctx, r.params.Username, r.params.Password)
	if err != nil {
		return nil, internalError("failed to authenticate resource owner", err)
	}
	if ownerID == "" {
		s.audit(security.Event{
			Type:      security.EventAuthFailure,
			ClientID:  clientUID(r.client),
			IPAddress: r.params.ClientIP,
			Details:   map[string]any{"reason": "invalid resource owner credentials"},
		})
		return nil, ErrInvalidGrant("resource owner credentials are invalid")
	}

	requested, oe := s.requestedScopes(r.params.Scope, r.client, grantflow.Password)
	if oe != nil {
		return nil, oe
	}

	issued, err := s.findOrCreateToken(ctx, tokenParams{
		app:       r.client,
		ownerID:   ownerID,
		scopes:    requested,
		grantType: grantflow.Password,
		refresh:   s.Config.UseRefreshToken,
		expiresIn: s.Config.accessTokenExpiresIn(),
		resources: r.params.Resources,
		reuse:     true,
	})
	if err != nil {
		return nil, err
	}
	return s.tokenResponse(issued), nil
}
