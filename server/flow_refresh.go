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

// refreshTokenRequest rotates a refresh token (RFC 6749 section 6).
type refreshTokenRequest struct {
	server *Server
	client *storage.Application
	token  *storage.AccessToken // nil when the refresh token is unknown
	params *TokenRequest
}

func (s *Server) newRefreshTokenRequest(ctx context.Context, client *storage.Application, req *TokenRequest) (*refreshTokenRequest, error) {
	token, err := lookup(ctx, s, req.RefreshToken, s.store.GetAccessTokenByRefreshToken)
	if err != nil {
		return nil, err
	}
	return &refreshTokenRequest{server: s, client: client, token: token, params: req}, nil
}

func (r *refreshTokenRequest) Authorize(ctx context.Context) (*TokenResponse, error) {
	s := r.server
	switch {
	case r.params.RefreshToken == "":
		return nil, ErrInvalidRequest("refresh_token is required")
	case r.token == nil:
		return nil, ErrInvalidGrant("refresh token is invalid")
	case r.token.ApplicationID != "" && (r.client == nil || r.client.ID != r.token.ApplicationID):
		return nil, ErrInvalidGrant("refresh token was issued to another client")
	case r.token.Revoked(s.Config.Now()), r.token.RefreshedAt != nil:
		return nil, r.replayed(ctx)
	}

	original := scopes.FromSlice(r.token.Scopes)
	requested := original
	if r.params.Scope != "" {
		if !s.checker.Valid(r.params.Scope, original, scopes.Set{}, "") {
			s.audit(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   r.token.ResourceOwnerID,
				ClientID: clientUID(r.client),
				Details:  map[string]any{"scope": r.params.Scope},
			})
			return nil, ErrInvalidScope("the requested scope exceeds the original grant")
		}
		requested = scopes.Parse(r.params.Scope)
	}
	if !scopes.ResourceIndicatorsValid(r.token.ResourceIndicators, r.params.Resources) {
		return nil, ErrInvalidTarget("resource was not part of the original grant")
	}
	resources := r.params.Resources
	if len(resources) == 0 {
		resources = r.token.ResourceIndicators
	}

	// A refresh token is exchanged at most once. Under revoked-on-use the
	// token stays valid until its successor is used, so the exchange is
	// recorded instead of revoking it.
	if err := r.consume(ctx); err != nil {
		return nil, err
	}

	// Refreshing counts as using the token, so the token it replaced is done.
	s.revokePreviousRefreshToken(ctx, r.token)

	params := tokenParams{
		app:       r.client,
		ownerID:   r.token.ResourceOwnerID,
		scopes:    requested,
		grantType: grantflow.RefreshToken,
		refresh:   true,
		expiresIn: r.token.ExpiresIn,
		resources: resources,
		familyID:  r.token.FamilyID,
	}
	if s.Config.RefreshTokenRevokedOnUse {
		params.previousRefreshToken = r.token.RefreshToken
	}
	if r.client == nil && r.token.ApplicationID != "" {
		app, err := s.store.GetApplication(ctx, r.token.ApplicationID)
		if err != nil {
			return nil, internalError("failed to load application", err)
		}
		params.app = app
	}

	issued, err := s.createToken(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := s.runPlugins(ctx, plugin.AccessTokenRefresh, &plugin.Context{
		Application:   params.app,
		AccessToken:   issued.record,
		PreviousToken: r.token,
	}); err != nil {
		return nil, err
	}

	rotatedNow := !s.Config.RefreshTokenRevokedOnUse
	s.metrics().RecordTokenRefresh(ctx, params.clientID(), true)
	if rotatedNow {
		s.metrics().RecordTokenRevocation(ctx, "refresh", 1)
	}
	s.audit(security.Event{
		Type:     security.EventTokenRefreshed,
		UserID:   r.token.ResourceOwnerID,
		ClientID: params.clientID(),
		Details:  map[string]any{"family_id": r.token.FamilyID, "revoked_immediately": rotatedNow},
	})
	return s.tokenResponse(issued), nil
}

// consume marks the presented refresh token as exchanged, or revokes its
// token outright when refresh tokens are not revoked on use. Losing the race
// to another exchange is a replay.
func (r *refreshTokenRequest) consume(ctx context.Context) error {
	s := r.server
	var err error
	if s.Config.RefreshTokenRevokedOnUse {
		_, err = s.store.MarkRefreshed(ctx, r.token.Token, s.Config.Now())
	} else {
		_, err = s.store.RevokeAccessToken(ctx, r.token.Token, s.Config.Now())
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrAlreadyRefreshed), errors.Is(err, storage.ErrAlreadyRevoked):
		return r.replayed(ctx)
	default:
		return internalError("failed to consume refresh token", err)
	}
}

// replayed handles a refresh token presented after it was revoked: the
// token may have been stolen, so its whole family is revoked.
func (r *refreshTokenRequest) replayed(ctx context.Context) error {
	s := r.server
	s.metrics().RecordRefreshReplayDetected(ctx)

	revoked, err := s.store.RevokeTokenFamily(ctx, r.token.FamilyID, s.Config.Now())
	if err != nil {
		s.Logger.Error("Failed to revoke token family after refresh token replay",
			"family_id", r.token.FamilyID,
			"error", err)
	}
	s.metrics().RecordTokenRevocation(ctx, "replay", revoked)
	s.audit(security.Event{
		Type:     security.EventRefreshTokenReuseDetected,
		UserID:   r.token.ResourceOwnerID,
		ClientID: clientUID(r.client),
		Details: map[string]any{
			"family_id":      r.token.FamilyID,
			"tokens_revoked": revoked,
			"severity":       "critical",
		},
	})
	s.Logger.Warn("Refresh token replay detected, revoked token family",
		"family_id", r.token.FamilyID,
		"tokens_revoked", revoked)
	return ErrInvalidGrant("refresh token is invalid")
}

// revokePreviousRefreshToken revokes the token t replaced once t is used,
// when refresh tokens are revoked on use.
func (s *Server) revokePreviousRefreshToken(ctx context.Context, t *storage.AccessToken) {
	if !s.Config.RefreshTokenRevokedOnUse || t.PreviousRefreshToken == "" {
		return
	}

	previous, err := s.store.GetAccessTokenByRefreshToken(ctx, t.PreviousRefreshToken)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		s.Logger.Warn("Failed to load previous refresh token", "token_id", t.ID, "error", err)
		return
	default:
		_, err := s.store.RevokeAccessToken(ctx, previous.Token, s.Config.Now())
		if err != nil && !errors.Is(err, storage.ErrAlreadyRevoked) {
			s.Logger.Warn("Failed to revoke previous refresh token", "token_id", t.ID, "error", err)
			return
		}
		if err == nil {
			s.metrics().RecordTokenRevocation(ctx, "refresh", 1)
		}
	}

	if err := s.store.ClearPreviousRefreshToken(ctx, t.Token); err != nil {
		s.Logger.Warn("Failed to clear previous refresh token", "token_id", t.ID, "error", err)
		return
	}
	t.PreviousRefreshToken = ""
}
