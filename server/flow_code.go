package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/plugin"
	"github.com/giantswarm/oauth-server/scopes"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// authorizationCodeRequest exchanges an authorization code for a token
// (RFC 6749 section 4.1.3).
type authorizationCodeRequest struct {
	server *Server
	client *storage.Application
	grant  *storage.AccessGrant // nil when the code is unknown
	params *TokenRequest
}

func (s *Server) newAuthorizationCodeRequest(ctx context.Context, client *storage.Application, req *TokenRequest) (*authorizationCodeRequest, error) {
	grant, err := lookup(ctx, s, req.Code, s.store.GetAccessGrant)
	if err != nil {
		return nil, err
	}
	return &authorizationCodeRequest{server: s, client: client, grant: grant, params: req}, nil
}

func (r *authorizationCodeRequest) validate(ctx context.Context) error {
	s := r.server
	switch {
	case r.params.Code == "":
		return ErrInvalidRequest("code is required")
	case r.params.RedirectURI == "":
		return ErrInvalidRequest("redirect_uri is required")
	case r.client == nil:
		return ErrInvalidClient("client authentication is required")
	case r.grant == nil || r.grant.ApplicationID != r.client.ID:
		return ErrInvalidGrant("authorization code is invalid")
	}

	now := s.Config.Now()
	if r.grant.Revoked(now) {
		return r.codeReused(ctx)
	}
	if r.grant.Expired(now) {
		return ErrInvalidGrant("authorization code has expired")
	}
	if r.grant.UsesPKCE() && r.params.CodeVerifier == "" {
		return ErrInvalidRequest("code_verifier is required")
	}
	if !redirectURIMatches(r.params.RedirectURI, r.grant.RedirectURI) {
		return ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if err := s.Config.verifyPKCE(r.grant.CodeChallenge, r.grant.CodeChallengeMethod, r.params.CodeVerifier); err != nil {
		s.metrics().RecordPKCEValidationFailed(ctx, r.grant.CodeChallengeMethod)
		s.audit(security.Event{
			Type:     security.EventPKCEValidationFailed,
			ClientID: r.client.UID,
			Details:  map[string]any{"reason": err.Error()},
		})
		return ErrInvalidGrant("code_verifier is invalid")
	}
	if !scopes.ResourceIndicatorsValid(r.grant.ResourceIndicators, r.params.Resources) {
		return ErrInvalidTarget("resource was not part of the authorization request")
	}
	return nil
}

// Authorize redeems the code. Redemption revokes the grant atomically so a
// code is exchanged at most once, even under concurrent requests.
func (r *authorizationCodeRequest) Authorize(ctx context.Context) (*TokenResponse, error) {
	if err := r.validate(ctx); err != nil {
		return nil, err
	}
	s := r.server

	grant, err := s.store.RevokeAccessGrant(ctx, r.grant.Token, s.Config.Now())
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyRevoked) {
			return nil, r.codeReused(ctx)
		}
		return nil, internalError("failed to redeem authorization code", err)
	}
	if err := s.runPlugins(ctx, plugin.AccessGrantRevoke, &plugin.Context{
		Application: r.client,
		AccessGrant: grant,
	}); err != nil {
		return nil, err
	}

	if s.Config.RevokePreviousAuthorizationCodeToken {
		if err := s.revokeTokens(ctx, r.client, grant.ResourceOwnerID, "previous_token"); err != nil {
			return nil, err
		}
	}

	resources := r.params.Resources
	if len(resources) == 0 {
		resources = grant.ResourceIndicators
	}
	issued, err := s.findOrCreateToken(ctx, tokenParams{
		app:       r.client,
		ownerID:   grant.ResourceOwnerID,
		scopes:    scopes.FromSlice(grant.Scopes),
		grantType: grantflow.AuthorizationCode,
		refresh:   s.Config.UseRefreshToken,
		expiresIn: s.Config.accessTokenExpiresIn(),
		resources: resources,
		reuse:     true,
	})
	if err != nil {
		return nil, err
	}
	s.metrics().RecordGrantRedeemed(ctx, grantflow.AuthorizationCode)
	return s.tokenResponse(issued), nil
}

// codeReused handles a second redemption of a code. Tokens the owner holds
// for the client since the code was issued are revoked, as they may have
// been obtained with the stolen code (RFC 6749 section 4.1.2).
func (r *authorizationCodeRequest) codeReused(ctx context.Context) error {
	s := r.server
	s.metrics().RecordCodeReuseDetected(ctx)
	s.audit(security.Event{
		Type:     security.EventAuthorizationCodeReuseDetected,
		UserID:   r.grant.ResourceOwnerID,
		ClientID: r.client.UID,
		Details:  map[string]any{"severity": "high"},
	})
	s.Logger.Warn("Authorization code reuse detected, revoking issued tokens",
		"client_id", r.client.UID,
		"grant_id", r.grant.ID)

	tokens, err := s.store.FindAccessTokens(ctx, r.client.ID, r.grant.ResourceOwnerID)
	if err != nil {
		s.Logger.Error("Failed to look up tokens after code reuse", "error", err)
		return ErrInvalidGrant("authorization code is invalid")
	}
	now := s.Config.Now()
	revoked := 0
	for _, t := range tokens {
		if t.CreatedAt.Before(r.grant.CreatedAt) || !t.Accessible(now) {
			continue
		}
		if _, err := s.store.RevokeAccessToken(ctx, t.Token, now); err == nil {
			revoked++
		}
	}
	s.metrics().RecordTokenRevocation(ctx, "code_reuse", revoked)
	return ErrInvalidGrant("authorization code is invalid")
}
