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
// ApplicationStore Implementation
// ============================================================

// SaveApplication creates or updates an application.
func (s *Store) SaveApplication(ctx context.Context, app *storage.Application) (err error) {
	ctx, done := s.track(ctx, "save_application")
	defer func() { done(err) }()

	if app == nil || app.UID == "" {
		return fmt.Errorf("%w: application uid is required", storage.ErrInvalidRecord)
	}
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now()
	}

	if err := s.claim(ctx, s.appUIDKey(app.UID), app.ID); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
		owner, getErr := s.client.Get(ctx, s.appUIDKey(app.UID)).Result()
		if getErr != nil {
			return fmt.Errorf("failed to read application uid index: %w", getErr)
		}
		if owner != app.ID {
			return fmt.Errorf("%w: application uid %q", storage.ErrAlreadyExists, app.UID)
		}
	}

	prev, err := get[applicationJSON](ctx, s.client, s.appKey(app.ID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(toApplicationJSON(app))
	if err != nil {
		return fmt.Errorf("failed to marshal application: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.appKey(app.ID), data, 0)
		pipe.SAdd(ctx, s.appsKey(), app.ID)
		if prev != nil && prev.UID != app.UID {
			pipe.Del(ctx, s.appUIDKey(prev.UID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save application: %w", err)
	}

	s.logger.Debug("Saved application", "application_id", app.ID, "uid", app.UID)
	return nil
}

// GetApplication retrieves an application by ID
func (s *Store) GetApplication(ctx context.Context, id string) (_ *storage.Application, err error) {
	ctx, done := s.track(ctx, "get_application")
	defer func() { done(err) }()

	j, err := get[applicationJSON](ctx, s.client, s.appKey(id))
	if err != nil {
		return nil, fmt.Errorf("application %q: %w", id, err)
	}
	return j.record(), nil
}

// GetApplicationByUID retrieves an application by its public client id
func (s *Store) GetApplicationByUID(ctx context.Context, uid string) (_ *storage.Application, err error) {
	ctx, done := s.track(ctx, "get_application_by_uid")
	defer func() { done(err) }()

	id, err := s.client.Get(ctx, s.appUIDKey(uid)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: application uid %q", storage.ErrNotFound, uid)
		}
		return nil, fmt.Errorf("failed to read application uid index: %w", err)
	}

	j, err := get[applicationJSON](ctx, s.client, s.appKey(id))
	if err != nil {
		return nil, fmt.Errorf("application uid %q: %w", uid, err)
	}
	return j.record(), nil
}

// ListApplications returns all applications ordered by creation time.
func (s *Store) ListApplications(ctx context.Context) (_ []*storage.Application, err error) {
	ctx, done := s.track(ctx, "list_applications")
	defer func() { done(err) }()

	ids, err := s.members(ctx, s.appsKey())
	if err != nil {
		return nil, err
	}

	apps := make([]*storage.Application, 0, len(ids))
	for _, id := range ids {
		j, err := get[applicationJSON](ctx, s.client, s.appKey(id))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		apps = append(apps, j.record())
	}
	slices.SortFunc(apps, func(a, b *storage.Application) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return apps, nil
}

// DeleteApplication removes an application and everything issued to it.
func (s *Store) DeleteApplication(ctx context.Context, id string) (err error) {
	ctx, done := s.track(ctx, "delete_application")
	defer func() { done(err) }()

	app, err := get[applicationJSON](ctx, s.client, s.appKey(id))
	if err != nil {
		return fmt.Errorf("application %q: %w", id, err)
	}

	codes, err := s.members(ctx, s.appGrantsKey(id))
	if err != nil {
		return err
	}
	for _, code := range codes {
		if err := s.deleteGrant(ctx, code, id); err != nil {
			return err
		}
	}

	devices, err := s.members(ctx, s.appDevicesKey(id))
	if err != nil {
		return err
	}
	for _, code := range devices {
		g, err := get[deviceGrantJSON](ctx, s.client, s.deviceKey(code))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.deleteDeviceGrant(ctx, g.record()); err != nil {
			return err
		}
	}

	tokens, err := s.members(ctx, s.appTokensKey(id))
	if err != nil {
		return err
	}
	for _, token := range tokens {
		t, err := get[accessTokenJSON](ctx, s.client, s.tokenKey(token))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.deleteToken(ctx, t.record()); err != nil {
			return err
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.appKey(id), s.appUIDKey(app.UID), s.appGrantsKey(id), s.appDevicesKey(id), s.appTokensKey(id))
		pipe.SRem(ctx, s.appsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}

	s.logger.Debug("Deleted application with its grants and tokens", "application_id", id)
	return nil
}
