package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-server/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateAccessToken persists an access token and its refresh token.
func (s *Store) CreateAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.track(ctx, "create_access_token")
	defer func() { done(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("%w: access token is required", storage.ErrInvalidRecord)
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.FamilyID == "" {
		token.FamilyID = token.ID
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	if err := s.claim(ctx, s.tokenKey(token.Token), data); err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	if token.RefreshToken != "" {
		if err := s.claim(ctx, s.refreshKey(token.RefreshToken), token.Token); err != nil {
			_ = s.client.Del(ctx, s.tokenKey(token.Token)).Err()
			return fmt.Errorf("refresh token: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, s.tokensKey(), token.Token)
		pipe.SAdd(ctx, s.appTokensKey(token.ApplicationID), token.Token)
		pipe.SAdd(ctx, s.ownerTokensKey(token.ApplicationID, token.ResourceOwnerID), token.Token)
		pipe.SAdd(ctx, s.familyKey(token.FamilyID), token.Token)
		return nil
	})
	if err != nil {
		keys := []string{s.tokenKey(token.Token)}
		if token.RefreshToken != "" {
			keys = append(keys, s.refreshKey(token.RefreshToken))
		}
		_ = s.client.Del(ctx, keys...).Err()
		return fmt.Errorf("failed to index access token: %w", err)
	}
	return nil
}

// GetAccessToken retrieves a token by its access token value
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "get_access_token")
	defer func() { done(err) }()

	j, err := get[accessTokenJSON](ctx, s.client, s.tokenKey(token))
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	return j.record(), nil
}

// GetAccessTokenByRefreshToken retrieves a token by its refresh token
func (s *Store) GetAccessTokenByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "get_access_token_by_refresh_token")
	defer func() { done(err) }()

	access, err := s.client.Get(ctx, s.refreshKey(refreshToken)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read refresh token index: %w", err)
	}

	j, err := get[accessTokenJSON](ctx, s.client, s.tokenKey(access))
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return j.record(), nil
}

// FindAccessTokens returns tokens issued to an application for a resource
// owner, newest first. Index entries whose token is gone are pruned.
func (s *Store) FindAccessTokens(ctx context.Context, applicationID, resourceOwnerID string) (_ []*storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "find_access_tokens")
	defer func() { done(err) }()

	indexKey := s.ownerTokensKey(applicationID, resourceOwnerID)
	values, err := s.members(ctx, indexKey)
	if err != nil {
		return nil, err
	}

	found := make([]*storage.AccessToken, 0, len(values))
	var dangling []any
	for _, v := range values {
		j, err := get[accessTokenJSON](ctx, s.client, s.tokenKey(v))
		if errors.Is(err, storage.ErrNotFound) {
			dangling = append(dangling, v)
			continue
		}
		if err != nil {
			return nil, err
		}
		found = append(found, j.record())
	}
	if len(dangling) > 0 {
		if err := s.client.SRem(ctx, indexKey, dangling...).Err(); err != nil {
			s.logger.Warn("Failed to prune token index", "error", err)
		}
	}

	slices.SortFunc(found, func(a, b *storage.AccessToken) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return found, nil
}

// RevokeAccessToken atomically revokes an access token.
func (s *Store) RevokeAccessToken(ctx context.Context, token string, at time.Time) (_ *storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "revoke_access_token")
	defer func() { done(err) }()

	j, err := modify(ctx, s.client, s.tokenKey(token), func(t *accessTokenJSON) error {
		if t.RevokedAt != nil {
			return storage.ErrAlreadyRevoked
		}
		t.RevokedAt = &at
		return nil
	})
	if j == nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	return j.record(), err
}

// RevokeTokenFamily revokes every live token of a refresh family.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (_ int, err error) {
	ctx, done := s.track(ctx, "revoke_token_family")
	defer func() { done(err) }()

	if familyID == "" {
		return 0, fmt.Errorf("%w: family id is required", storage.ErrInvalidRecord)
	}

	values, err := s.members(ctx, s.familyKey(familyID))
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, v := range values {
		changed := false
		_, err := modify(ctx, s.client, s.tokenKey(v), func(t *accessTokenJSON) error {
			changed = t.RevokedAt == nil
			if !changed {
				return errUnchanged
			}
			t.RevokedAt = &at
			return nil
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			continue
		case err != nil:
			return revoked, fmt.Errorf("failed to revoke token family: %w", err)
		case changed:
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Info("Revoked refresh token family", "family_id", familyID, "tokens_revoked", revoked)
	}
	return revoked, nil
}

// ClearPreviousRefreshToken drops the link to a replaced refresh token.
func (s *Store) ClearPreviousRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.track(ctx, "clear_previous_refresh_token")
	defer func() { done(err) }()

	_, err = modify(ctx, s.client, s.tokenKey(token), func(t *accessTokenJSON) error {
		if t.PreviousRefreshToken == "" {
			return errUnchanged
		}
		t.PreviousRefreshToken = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	return nil
}

// MarkRefreshed records the exchange of a token's refresh token in a
// WATCH/MULTI transaction, so concurrent exchanges cannot both succeed.
func (s *Store) MarkRefreshed(ctx context.Context, token string, at time.Time) (_ *storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "mark_refreshed")
	defer func() { done(err) }()

	j, err := modify(ctx, s.client, s.tokenKey(token), func(t *accessTokenJSON) error {
		switch {
		case t.RevokedAt != nil:
			return storage.ErrAlreadyRevoked
		case t.RefreshedAt != nil:
			return storage.ErrAlreadyRefreshed
		}
		t.RefreshedAt = &at
		return nil
	})
	if j == nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	return j.record(), err
}

func (s *Store) deleteToken(ctx context.Context, t *storage.AccessToken) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.tokenKey(t.Token))
		if t.RefreshToken != "" {
			pipe.Del(ctx, s.refreshKey(t.RefreshToken))
		}
		pipe.SRem(ctx, s.tokensKey(), t.Token)
		pipe.SRem(ctx, s.appTokensKey(t.ApplicationID), t.Token)
		pipe.SRem(ctx, s.ownerTokensKey(t.ApplicationID, t.ResourceOwnerID), t.Token)
		pipe.SRem(ctx, s.familyKey(t.FamilyID), t.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

// DeleteStale removes grants and tokens that were revoked or expired before
// the given instant. Records are written without a Redis TTL, so this sweep
// is what bounds the keyspace.
func (s *Store) DeleteStale(ctx context.Context, before time.Time) (_ int, err error) {
	ctx, done := s.track(ctx, "delete_stale")
	defer func() { done(err) }()

	deleted := 0

	codes, err := s.members(ctx, s.grantsKey())
	if err != nil {
		return 0, err
	}
	for _, code := range codes {
		g, err := get[accessGrantJSON](ctx, s.client, s.grantKey(code))
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.client.SRem(ctx, s.grantsKey(), code).Err()
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !storage.StaleBefore(g.lifetime(), before) {
			continue
		}
		if err := s.deleteGrant(ctx, code, g.ApplicationID); err != nil {
			return deleted, err
		}
		deleted++
	}

	devices, err := s.members(ctx, s.devicesKey())
	if err != nil {
		return deleted, err
	}
	for _, code := range devices {
		g, err := get[deviceGrantJSON](ctx, s.client, s.deviceKey(code))
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.client.SRem(ctx, s.devicesKey(), code).Err()
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !storage.StaleBefore(g.lifetime(), before) {
			continue
		}
		if err := s.deleteDeviceGrant(ctx, g.record()); err != nil {
			return deleted, err
		}
		deleted++
	}

	tokens, err := s.members(ctx, s.tokensKey())
	if err != nil {
		return deleted, err
	}
	for _, v := range tokens {
		t, err := get[accessTokenJSON](ctx, s.client, s.tokenKey(v))
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.client.SRem(ctx, s.tokensKey(), v).Err()
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !storage.StaleBefore(t.lifetime(), before) {
			continue
		}
		if err := s.deleteToken(ctx, t.record()); err != nil {
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Debug("Cleaned up stale records", "count", deleted)
	}
	return deleted, nil
}
