package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/plugin"
	"github.com/giantswarm/oauth-server/scopes"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// tokenParams describes the access token a flow wants.
type tokenParams struct {
	app       *storage.Application // nil for clientless password grants
	ownerID   string
	scopes    scopes.Set
	grantType string
	refresh   bool
	expiresIn time.Duration
	resources []string

	// Set when refreshing.
	familyID             string
	previousRefreshToken string

	// reuse allows handing out an existing token.
	reuse bool
}

func (p tokenParams) applicationID() string {
	if p.app == nil {
		return ""
	}
	return p.app.ID
}

func (p tokenParams) clientID() string {
	if p.app == nil {
		return ""
	}
	return p.app.UID
}

// issuedToken is a persisted token together with its plaintext values.
type issuedToken struct {
	record       *storage.AccessToken
	token        string
	refreshToken string
	reused       bool
}

// reuseEnabled reports whether tokens can be handed out again. Reuse needs
// the plaintext token, which one-way strategies cannot give back.
func (s *Server) reuseEnabled() bool {
	return s.Config.ReuseAccessToken && s.tokenStrategy.AllowsRestore()
}

// findOrCreateToken returns a reusable token matching p, or issues a new one.
func (s *Server) findOrCreateToken(ctx context.Context, p tokenParams) (*issuedToken, error) {
	if p.reuse && s.reuseEnabled() {
		t, err := s.findReusableToken(ctx, p)
		if err != nil {
			return nil, err
		}
		if t != nil {
			s.metrics().RecordTokenReused(ctx, p.grantType)
			s.Logger.Debug("Reusing access token",
				"client_id", p.clientID(),
				"token_id", t.record.ID)
			return t, nil
		}
	}
	return s.createToken(ctx, p)
}

// findReusableToken returns the newest accessible token for the same
// application and owner whose scopes and resource indicators equal the
// requested ones and that has enough lifetime left.
func (s *Server) findReusableToken(ctx context.Context, p tokenParams) (*issuedToken, error) {
	tokens, err := s.store.FindAccessTokens(ctx, p.applicationID(), p.ownerID)
	if err != nil {
		return nil, internalError("failed to look up existing tokens", err)
	}

	now := s.Config.Now()
	for _, t := range tokens {
		if !t.Accessible(now) ||
			!scopes.FromSlice(t.Scopes).Equal(p.scopes) ||
			!scopes.FromSlice(t.ResourceIndicators).Equal(scopes.FromSlice(p.resources)) ||
			!s.reusable(t, now) {
			continue
		}

		plain, err := s.tokenStrategy.Restore(t.Token)
		if err != nil {
			s.Logger.Warn("Failed to restore token for reuse", "token_id", t.ID, "error", err)
			continue
		}
		issued := &issuedToken{record: t, token: plain, reused: true}
		if t.RefreshToken != "" {
			if issued.refreshToken, err = s.tokenStrategy.Restore(t.RefreshToken); err != nil {
				continue
			}
		}
		return issued, nil
	}
	return nil, nil
}

// reusable reports whether at least (100 - TokenReuseLimit) percent of the
// token's lifetime remains.
func (s *Server) reusable(t *storage.AccessToken, now time.Time) bool {
	expiresAt, ok := t.ExpiresAt()
	if !ok {
		return true
	}
	threshold := time.Duration(100 - s.Config.TokenReuseLimit)
	return expiresAt.Sub(now)*100 >= threshold*t.ExpiresIn
}

// createToken issues and persists a new token. A uniqueness conflict in the
// store is retried once with fresh values.
func (s *Server) createToken(ctx context.Context, p tokenParams) (*issuedToken, error) {
	var issued *issuedToken
	for attempt := 0; ; attempt++ {
		var err error
		issued, err = s.newToken(ctx, p)
		if err != nil {
			return nil, err
		}
		err = s.store.CreateAccessToken(ctx, issued.record)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrAlreadyExists) && attempt == 0 {
			s.Logger.Warn("Generated token collided with a stored one, retrying", "client_id", p.clientID())
			continue
		}
		return nil, internalError("failed to store access token", err)
	}

	if err := s.runPlugins(ctx, plugin.AccessTokenCreate, &plugin.Context{
		Application: p.app,
		AccessToken: issued.record,
	}); err != nil {
		if _, revokeErr := s.store.RevokeAccessToken(ctx, issued.record.Token, s.Config.Now()); revokeErr != nil {
			s.Logger.Error("Failed to revoke token after plugin failure", "token_id", issued.record.ID, "error", revokeErr)
		}
		return nil, err
	}

	s.metrics().RecordTokenIssued(ctx, p.grantType, issued.refreshToken != "")
	s.audit(security.Event{
		Type:     security.EventTokenIssued,
		UserID:   p.ownerID,
		ClientID: p.clientID(),
		Details: map[string]any{
			"grant_type": p.grantType,
			"scope":      p.scopes.String(),
		},
	})
	s.Logger.Info("Issued access token",
		"client_id", p.clientID(),
		"grant_type", p.grantType,
		"token_prefix", util.SafeTruncate(issued.token, 8),
		"refresh_token", issued.refreshToken != "")
	return issued, nil
}

// newToken generates unused token values and builds the record to store.
func (s *Server) newToken(ctx context.Context, p tokenParams) (*issuedToken, error) {
	plain, err := s.generator.GenerateUnique(ctx, s.exists(s.store.GetAccessToken))
	if err != nil {
		return nil, internalError("failed to generate access token", err)
	}
	stored, err := s.tokenStrategy.Transform(plain)
	if err != nil {
		return nil, internalError("failed to transform access token", err)
	}

	issued := &issuedToken{
		token: plain,
		record: &storage.AccessToken{
			Lifetime: storage.Lifetime{
				CreatedAt: s.Config.Now(),
				ExpiresIn: p.expiresIn,
			},
			Token:                stored,
			ApplicationID:        p.applicationID(),
			ResourceOwnerID:      p.ownerID,
			Scopes:               p.scopes.Slice(),
			FamilyID:             p.familyID,
			PreviousRefreshToken: p.previousRefreshToken,
			ResourceIndicators:   p.resources,
		},
	}

	if p.refresh {
		plainRefresh, err := s.generator.GenerateUnique(ctx, s.exists(s.store.GetAccessTokenByRefreshToken))
		if err != nil {
			return nil, internalError("failed to generate refresh token", err)
		}
		if issued.record.RefreshToken, err = s.tokenStrategy.Transform(plainRefresh); err != nil {
			return nil, internalError("failed to transform refresh token", err)
		}
		issued.refreshToken = plainRefresh
	}
	return issued, nil
}

// exists adapts a store lookup into a uniqueness check on plaintext values.
func (s *Server) exists(get func(context.Context, string) (*storage.AccessToken, error)) func(context.Context, string) (bool, error) {
	return func(ctx context.Context, candidate string) (bool, error) {
		stored, err := s.tokenStrategy.Transform(candidate)
		if err != nil {
			return false, err
		}
		_, err = get(ctx, stored)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, storage.ErrNotFound):
			return false, nil
		default:
			return false, err
		}
	}
}

// lookup finds a record by the plaintext value a client presented. When the
// plain text fallback is enabled, records stored before a hashing strategy
// was introduced are found as well. A miss yields nil without error.
func lookup[T any](ctx context.Context, s *Server, plain string, get func(context.Context, string) (*T, error)) (*T, error) {
	if plain == "" {
		return nil, nil
	}
	stored, err := s.tokenStrategy.Transform(plain)
	if err != nil {
		return nil, internalError("failed to transform token", err)
	}

	keys := []string{stored}
	if s.Config.FallbackToPlainSecrets && stored != plain {
		keys = append(keys, plain)
	}
	for _, key := range keys {
		rec, err := get(ctx, key)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, internalError("failed to load record", err)
		}
	}
	return nil, nil
}

// revokeTokens revokes the accessible tokens of an application for an
// owner, used by the revoke-previous-token options.
func (s *Server) revokeTokens(ctx context.Context, app *storage.Application, ownerID, reason string) error {
	tokens, err := s.store.FindAccessTokens(ctx, app.ID, ownerID)
	if err != nil {
		return internalError("failed to look up previous tokens", err)
	}
	now := s.Config.Now()
	revoked := 0
	for _, t := range tokens {
		if !t.Accessible(now) {
			continue
		}
		_, err := s.store.RevokeAccessToken(ctx, t.Token, now)
		switch {
		case err == nil:
			revoked++
		case errors.Is(err, storage.ErrAlreadyRevoked), errors.Is(err, storage.ErrNotFound):
		default:
			return internalError("failed to revoke previous token", err)
		}
	}
	s.metrics().RecordTokenRevocation(ctx, reason, revoked)
	if revoked > 0 {
		s.audit(security.Event{
			Type:     security.EventTokensRevoked,
			UserID:   ownerID,
			ClientID: app.UID,
			Details:  map[string]any{"reason": reason, "count": revoked},
		})
	}
	return nil
}
