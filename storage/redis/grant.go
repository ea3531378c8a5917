package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-server/storage"
)

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateAccessGrant persists an authorization code.
func (s *Store) CreateAccessGrant(ctx context.Context, grant *storage.AccessGrant) (err error) {
	ctx, done := s.track(ctx, "create_access_grant")
	defer func() { done(err) }()

	if grant == nil || grant.Token == "" {
		return fmt.Errorf("%w: grant token is required", storage.ErrInvalidRecord)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}

	data, err := json.Marshal(toAccessGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal access grant: %w", err)
	}
	if err := s.claim(ctx, s.grantKey(grant.Token), data); err != nil {
		return fmt.Errorf("access grant: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, s.grantsKey(), grant.Token)
		pipe.SAdd(ctx, s.appGrantsKey(grant.ApplicationID), grant.Token)
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, s.grantKey(grant.Token)).Err()
		return fmt.Errorf("failed to index access grant: %w", err)
	}
	return nil
}

// GetAccessGrant retrieves an authorization code
func (s *Store) GetAccessGrant(ctx context.Context, token string) (_ *storage.AccessGrant, err error) {
	ctx, done := s.track(ctx, "get_access_grant")
	defer func() { done(err) }()

	j, err := get[accessGrantJSON](ctx, s.client, s.grantKey(token))
	if err != nil {
		return nil, fmt.Errorf("access grant: %w", err)
	}
	return j.record(), nil
}

// RevokeAccessGrant atomically revokes an authorization code. Only one of
// several concurrent callers succeeds.
func (s *Store) RevokeAccessGrant(ctx context.Context, token string, at time.Time) (_ *storage.AccessGrant, err error) {
	ctx, done := s.track(ctx, "revoke_access_grant")
	defer func() { done(err) }()

	j, err := modify(ctx, s.client, s.grantKey(token), func(g *accessGrantJSON) error {
		if g.RevokedAt != nil {
			return storage.ErrAlreadyRevoked
		}
		g.RevokedAt = &at
		return nil
	})
	if j == nil {
		return nil, fmt.Errorf("access grant: %w", err)
	}
	return j.record(), err
}

func (s *Store) deleteGrant(ctx context.Context, code, applicationID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.grantKey(code))
		pipe.SRem(ctx, s.grantsKey(), code)
		pipe.SRem(ctx, s.appGrantsKey(applicationID), code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete access grant: %w", err)
	}
	return nil
}

// ============================================================
// DeviceGrantStore Implementation
// ============================================================

// CreateDeviceGrant persists a device authorization.
func (s *Store) CreateDeviceGrant(ctx context.Context, grant *storage.DeviceGrant) (err error) {
	ctx, done := s.track(ctx, "create_device_grant")
	defer func() { done(err) }()

	if grant == nil || grant.DeviceCode == "" || grant.UserCode == "" {
		return fmt.Errorf("%w: device and user codes are required", storage.ErrInvalidRecord)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}

	data, err := json.Marshal(toDeviceGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal device grant: %w", err)
	}

	if err := s.claim(ctx, s.deviceKey(grant.DeviceCode), data); err != nil {
		return fmt.Errorf("device code: %w", err)
	}
	if err := s.claim(ctx, s.userCodeKey(grant.UserCode), grant.DeviceCode); err != nil {
		_ = s.client.Del(ctx, s.deviceKey(grant.DeviceCode)).Err()
		return fmt.Errorf("user code: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, s.devicesKey(), grant.DeviceCode)
		pipe.SAdd(ctx, s.appDevicesKey(grant.ApplicationID), grant.DeviceCode)
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, s.deviceKey(grant.DeviceCode), s.userCodeKey(grant.UserCode)).Err()
		return fmt.Errorf("failed to index device grant: %w", err)
	}
	return nil
}

// GetDeviceGrant retrieves a device grant by device code
func (s *Store) GetDeviceGrant(ctx context.Context, deviceCode string) (_ *storage.DeviceGrant, err error) {
	ctx, done := s.track(ctx, "get_device_grant")
	defer func() { done(err) }()

	j, err := get[deviceGrantJSON](ctx, s.client, s.deviceKey(deviceCode))
	if err != nil {
		return nil, fmt.Errorf("device grant: %w", err)
	}
	return j.record(), nil
}

// GetDeviceGrantByUserCode retrieves a device grant by user code
func (s *Store) GetDeviceGrantByUserCode(ctx context.Context, userCode string) (_ *storage.DeviceGrant, err error) {
	ctx, done := s.track(ctx, "get_device_grant_by_user_code")
	defer func() { done(err) }()

	deviceCode, err := s.deviceCodeFor(ctx, userCode)
	if err != nil {
		return nil, err
	}
	j, err := get[deviceGrantJSON](ctx, s.client, s.deviceKey(deviceCode))
	if err != nil {
		return nil, fmt.Errorf("device grant: %w", err)
	}
	return j.record(), nil
}

// RecordDevicePoll records a polling attempt unless it came too fast.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, at time.Time, interval time.Duration) (_ *storage.DeviceGrant, tooFast bool, err error) {
	ctx, done := s.track(ctx, "record_device_poll")
	defer func() { done(err) }()

	j, err := modify(ctx, s.client, s.deviceKey(deviceCode), func(g *deviceGrantJSON) error {
		tooFast = g.LastPollingAt != nil && at.Sub(*g.LastPollingAt) < interval
		if tooFast {
			return errUnchanged
		}
		g.LastPollingAt = &at
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("device grant: %w", err)
	}
	return j.record(), tooFast, nil
}

// ApproveDeviceGrant binds a resource owner to a pending device grant.
func (s *Store) ApproveDeviceGrant(ctx context.Context, userCode, resourceOwnerID string) (_ *storage.DeviceGrant, err error) {
	ctx, done := s.track(ctx, "approve_device_grant")
	defer func() { done(err) }()

	if resourceOwnerID == "" {
		return nil, fmt.Errorf("%w: resource owner is required", storage.ErrInvalidRecord)
	}
	deviceCode, err := s.deviceCodeFor(ctx, userCode)
	if err != nil {
		return nil, err
	}

	j, err := modify(ctx, s.client, s.deviceKey(deviceCode), func(g *deviceGrantJSON) error {
		switch {
		case g.RevokedAt != nil || g.DeniedAt != nil:
			return storage.ErrAlreadyRevoked
		case g.ResourceOwnerID != "":
			return fmt.Errorf("%w: device grant already approved", storage.ErrAlreadyExists)
		}
		g.ResourceOwnerID = resourceOwnerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j.record(), nil
}

// DenyDeviceGrant marks a pending device grant as denied.
func (s *Store) DenyDeviceGrant(ctx context.Context, userCode string, at time.Time) (_ *storage.DeviceGrant, err error) {
	ctx, done := s.track(ctx, "deny_device_grant")
	defer func() { done(err) }()

	deviceCode, err := s.deviceCodeFor(ctx, userCode)
	if err != nil {
		return nil, err
	}

	j, err := modify(ctx, s.client, s.deviceKey(deviceCode), func(g *deviceGrantJSON) error {
		if g.RevokedAt != nil || g.ResourceOwnerID != "" {
			return storage.ErrAlreadyRevoked
		}
		if g.DeniedAt != nil {
			return errUnchanged
		}
		g.DeniedAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j.record(), nil
}

// RevokeDeviceGrant atomically revokes a device grant.
func (s *Store) RevokeDeviceGrant(ctx context.Context, deviceCode string, at time.Time) (_ *storage.DeviceGrant, err error) {
	ctx, done := s.track(ctx, "revoke_device_grant")
	defer func() { done(err) }()

	j, err := modify(ctx, s.client, s.deviceKey(deviceCode), func(g *deviceGrantJSON) error {
		if g.RevokedAt != nil {
			return storage.ErrAlreadyRevoked
		}
		g.RevokedAt = &at
		return nil
	})
	if j == nil {
		return nil, fmt.Errorf("device grant: %w", err)
	}
	return j.record(), err
}

func (s *Store) deviceCodeFor(ctx context.Context, userCode string) (string, error) {
	deviceCode, err := s.client.Get(ctx, s.userCodeKey(userCode)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", fmt.Errorf("%w: device grant", storage.ErrNotFound)
		}
		return "", fmt.Errorf("failed to read user code index: %w", err)
	}
	return deviceCode, nil
}

func (s *Store) deleteDeviceGrant(ctx context.Context, g *storage.DeviceGrant) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.deviceKey(g.DeviceCode), s.userCodeKey(g.UserCode))
		pipe.SRem(ctx, s.devicesKey(), g.DeviceCode)
		pipe.SRem(ctx, s.appDevicesKey(g.ApplicationID), g.DeviceCode)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete device grant: %w", err)
	}
	return nil
}
