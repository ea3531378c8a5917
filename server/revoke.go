package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/plugin"
	"github.com/giantswarm/oauth-server/scopes"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// Token type hints of the revocation and introspection endpoints.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// tokenLogPrefix is how much of a token is logged.
const tokenLogPrefix = 8

// findToken looks a presented token up as an access token and as a refresh
// token, starting with the type the hint names.
func (s *Server) findToken(ctx context.Context, plain, hint string) (*storage.AccessToken, error) {
	getters := []func(context.Context, string) (*storage.AccessToken, error){
		s.store.GetAccessToken,
		s.store.GetAccessTokenByRefreshToken,
	}
	if hint == TokenTypeHintRefreshToken {
		getters[0], getters[1] = getters[1], getters[0]
	}
	for _, get := range getters {
		t, err := lookup(ctx, s, plain, get)
		if err != nil || t != nil {
			return t, err
		}
	}
	return nil, nil
}

// Revoke revokes an access or refresh token on behalf of client (RFC 7009).
// Unknown and already revoked tokens succeed, so the call is idempotent.
func (s *Server) Revoke(ctx context.Context, client *storage.Application, token, hint, clientIP string) (err error) {
	ctx, span := s.startSpan(ctx, "oauth.revoke")
	defer func() { endSpan(span, err) }()

	if client == nil {
		return ErrInvalidClient("client authentication is required")
	}
	if token == "" {
		return ErrInvalidRequest("token is required")
	}

	t, err := s.findToken(ctx, token, hint)
	if err != nil {
		return err
	}
	if t == nil {
		s.Logger.Debug("Revocation of unknown token ignored",
			"client_id", client.UID,
			"token_prefix", util.SafeTruncate(token, tokenLogPrefix))
		return nil
	}
	if t.ApplicationID != "" && t.ApplicationID != client.ID {
		s.audit(security.Event{
			Type:      security.EventUnauthorizedRevocation,
			UserID:    t.ResourceOwnerID,
			ClientID:  client.UID,
			IPAddress: clientIP,
		})
		return NewError(ErrorCodeUnauthorizedClient, "client is not authorized to revoke this token", http.StatusForbidden)
	}

	revoked, err := s.store.RevokeAccessToken(ctx, t.Token, s.Config.Now())
	switch {
	case errors.Is(err, storage.ErrAlreadyRevoked), errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return internalError("failed to revoke token", err)
	}

	if err := s.runPlugins(ctx, plugin.AccessTokenRevoke, &plugin.Context{
		Application: client,
		AccessToken: revoked,
	}); err != nil {
		return err
	}

	tokenType := hint
	if tokenType == "" {
		tokenType = TokenTypeHintAccessToken
	}
	s.metrics().RecordTokenRevocation(ctx, "client_request", 1)
	s.Auditor.LogTokenRevoked(revoked.ResourceOwnerID, client.UID, clientIP, tokenType)
	return nil
}

// Introspect describes a token to client (RFC 7662). Tokens of other
// applications and tokens that are no longer accessible are inactive.
func (s *Server) Introspect(ctx context.Context, client *storage.Application, token, hint string) (_ *IntrospectionResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.introspect")
	defer func() { endSpan(span, err) }()

	if client == nil {
		return nil, ErrInvalidClient("client authentication is required")
	}
	if token == "" {
		return nil, ErrInvalidRequest("token is required")
	}

	t, err := s.findToken(ctx, token, hint)
	if err != nil {
		return nil, err
	}
	now := s.Config.Now()
	if t == nil || !t.Accessible(now) || (t.ApplicationID != "" && t.ApplicationID != client.ID) {
		return &IntrospectionResponse{Active: false}, nil
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     scopes.FromSlice(t.Scopes).String(),
		TokenType: TokenTypeBearer,
		Iat:       t.CreatedAt.Unix(),
		Sub:       t.ResourceOwnerID,
		Aud:       t.ResourceIndicators,
		Iss:       s.Config.Issuer,
	}
	if t.ApplicationID != "" {
		resp.ClientID = client.UID
	}
	if at, ok := t.ExpiresAt(); ok {
		resp.Exp = at.Unix()
	}
	return resp, nil
}

// AuthenticateToken validates a bearer access token for a protected
// resource and checks that it carries every required scope. Using a token
// completes the rotation of the refresh token it replaced.
func (s *Server) AuthenticateToken(ctx context.Context, token string, required ...string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startSpan(ctx, "oauth.authenticate_token")
	defer func() { endSpan(span, err) }()

	t, err := lookup(ctx, s, token, s.store.GetAccessToken)
	if err != nil {
		return nil, err
	}
	if t == nil || !t.Accessible(s.Config.Now()) {
		return nil, ErrInvalidToken("the access token is invalid")
	}
	if !scopes.Matches(scopes.FromSlice(t.Scopes), scopes.FromSlice(required)) {
		return nil, ErrInsufficientScope("the access token does not carry the required scope")
	}

	s.revokePreviousRefreshToken(ctx, t)
	return t, nil
}

// Cleanup deletes grants and tokens that were revoked or expired more than
// olderThan ago.
func (s *Server) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	before := s.Config.Now().Add(-olderThan)
	n, err := s.store.DeleteStale(ctx, before)
	if err != nil {
		return n, fmt.Errorf("failed to delete stale records: %w", err)
	}
	if n > 0 {
		s.Logger.Info("Deleted stale grants and tokens", "count", n, "before", before)
	}
	return n, nil
}
