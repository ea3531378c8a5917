package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/storage"
)

const (
	// DefaultCleanupInterval is how often stale records are swept.
	DefaultCleanupInterval = time.Minute

	// DefaultRetention keeps revoked and expired records around long enough
	// to detect replays of superseded refresh tokens.
	DefaultRetention = 24 * time.Hour
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	applications map[string]*storage.Application // id -> application
	appUIDs      map[string]string               // uid -> id

	grants map[string]*storage.AccessGrant // code -> grant

	deviceGrants map[string]*storage.DeviceGrant // device code -> grant
	userCodes    map[string]string               // user code -> device code

	tokens        map[string]*storage.AccessToken // access token -> token
	refreshTokens map[string]string               // refresh token -> access token

	instrumentation *instrumentation.Instrumentation

	// Atomic counters read by metric callbacks without taking the lock
	applicationsCount atomic.Int64
	grantsCount       atomic.Int64
	tokensCount       atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	retention       time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store that sweeps stale records every minute.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. A negative interval disables the background sweep; zero uses the
// default.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval == 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		applications:    make(map[string]*storage.Application),
		appUIDs:         make(map[string]string),
		grants:          make(map[string]*storage.AccessGrant),
		deviceGrants:    make(map[string]*storage.DeviceGrant),
		userCodes:       make(map[string]string),
		tokens:          make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]string),
		cleanupInterval: cleanupInterval,
		retention:       DefaultRetention,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetRetention sets how long revoked or expired records are kept before the
// background sweep deletes them.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.updateCounts()
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			s.applicationsCount.Load,
			s.grantsCount.Load,
			s.tokensCount.Load,
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// updateCounts refreshes the metric counters. Callers hold s.mu.
func (s *Store) updateCounts() {
	s.applicationsCount.Store(int64(len(s.applications)))
	s.grantsCount.Store(int64(len(s.grants) + len(s.deviceGrants)))
	s.tokensCount.Store(int64(len(s.tokens)))
}

// ============================================================
// ApplicationStore Implementation
// ============================================================

// SaveApplication creates or updates an application.
func (s *Store) SaveApplication(ctx context.Context, app *storage.Application) (err error) {
	_, done := s.track(ctx, "save_application")
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.appUIDs[app.UID]; ok && owner != app.ID {
		return fmt.Errorf("%w: application uid %q", storage.ErrAlreadyExists, app.UID)
	}
	if prev, ok := s.applications[app.ID]; ok && prev.UID != app.UID {
		delete(s.appUIDs, prev.UID)
	}

	s.applications[app.ID] = app.Clone()
	s.appUIDs[app.UID] = app.ID
	s.updateCounts()
	return nil
}

// GetApplication retrieves an application by ID
func (s *Store) GetApplication(ctx context.Context, id string) (_ *storage.Application, err error) {
	_, done := s.track(ctx, "get_application")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[id]
	if !ok {
		return nil, fmt.Errorf("%w: application %q", storage.ErrNotFound, id)
	}
	return app.Clone(), nil
}

// GetApplicationByUID retrieves an application by its public client id
func (s *Store) GetApplicationByUID(ctx context.Context, uid string) (_ *storage.Application, err error) {
	_, done := s.track(ctx, "get_application_by_uid")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.appUIDs[uid]
	if !ok {
		return nil, fmt.Errorf("%w: application uid %q", storage.ErrNotFound, uid)
	}
	return s.applications[id].Clone(), nil
}

// ListApplications returns all applications ordered by creation time.
func (s *Store) ListApplications(ctx context.Context) (_ []*storage.Application, err error) {
	_, done := s.track(ctx, "list_applications")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	apps := make([]*storage.Application, 0, len(s.applications))
	for _, app := range s.applications {
		apps = append(apps, app.Clone())
	}
	slices.SortFunc(apps, func(a, b *storage.Application) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return apps, nil
}

// DeleteApplication removes an application and everything issued to it.
func (s *Store) DeleteApplication(ctx context.Context, id string) (err error) {
	_, done := s.track(ctx, "delete_application")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[id]
	if !ok {
		return fmt.Errorf("%w: application %q", storage.ErrNotFound, id)
	}

	for code, g := range s.grants {
		if g.ApplicationID == id {
			delete(s.grants, code)
		}
	}
	for code, g := range s.deviceGrants {
		if g.ApplicationID == id {
			s.deleteDeviceGrantLocked(code, g)
		}
	}
	for token, t := range s.tokens {
		if t.ApplicationID == id {
			s.deleteTokenLocked(token, t)
		}
	}

	delete(s.appUIDs, app.UID)
	delete(s.applications, id)
	s.updateCounts()

	s.logger.Debug("Deleted application with its grants and tokens", "application_id", id)
	return nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateAccessGrant persists an authorization code.
func (s *Store) CreateAccessGrant(ctx context.Context, grant *storage.AccessGrant) (err error) {
	_, done := s.track(ctx, "create_access_grant")
	defer func() { done(err) }()

	if grant == nil || grant.Token == "" {
		return fmt.Errorf("%w: grant token is required", storage.ErrInvalidRecord)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[grant.Token]; ok {
		return fmt.Errorf("%w: access grant", storage.ErrAlreadyExists)
	}
	s.grants[grant.Token] = grant.Clone()
	s.updateCounts()
	return nil
}

// GetAccessGrant retrieves an authorization code
func (s *Store) GetAccessGrant(ctx context.Context, token string) (_ *storage.AccessGrant, err error) {
	_, done := s.track(ctx, "get_access_grant")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[token]
	if !ok {
		return nil, fmt.Errorf("%w: access grant", storage.ErrNotFound)
	}
	return g.Clone(), nil
}

// RevokeAccessGrant atomically revokes an authorization code. Only one of
// several concurrent callers succeeds.
func (s *Store) RevokeAccessGrant(ctx context.Context, token string, at time.Time) (_ *storage.AccessGrant, err error) {
	_, done := s.track(ctx, "revoke_access_grant")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[token]
	if !ok {
		return nil, fmt.Errorf("%w: access grant", storage.ErrNotFound)
	}
	if g.RevokedAt != nil {
		return g.Clone(), storage.ErrAlreadyRevoked
	}
	g.Revoke(at)
	return g.Clone(), nil
}

// ============================================================
// DeviceGrantStore Implementation
// ============================================================

// CreateDeviceGrant persists a device authorization.
func (s *Store) CreateDeviceGrant(ctx context.Context, grant *storage.DeviceGrant) (err error) {
	_, done := s.track(ctx, "create_device_grant")
	defer func() { done(err) }()

	if grant == nil || grant.DeviceCode == "" || grant.UserCode == "" {
		return fmt.Errorf("%w: device and user codes are required", storage.ErrInvalidRecord)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deviceGrants[grant.DeviceCode]; ok {
		return fmt.Errorf("%w: device code", storage.ErrAlreadyExists)
	}
	if _, ok := s.userCodes[grant.UserCode]; ok {
		return fmt.Errorf("%w: user code", storage.ErrAlreadyExists)
	}
	s.deviceGrants[grant.DeviceCode] = grant.Clone()
	s.userCodes[grant.UserCode] = grant.DeviceCode
	s.updateCounts()
	return nil
}

// GetDeviceGrant retrieves a device grant by device code
func (s *Store) GetDeviceGrant(ctx context.Context, deviceCode string) (_ *storage.DeviceGrant, err error) {
	_, done := s.track(ctx, "get_device_grant")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.deviceGrants[deviceCode]
	if !ok {
		return nil, fmt.Errorf("%w: device grant", storage.ErrNotFound)
	}
	return g.Clone(), nil
}

// GetDeviceGrantByUserCode retrieves a device grant by user code
func (s *Store) GetDeviceGrantByUserCode(ctx context.Context, userCode string) (_ *storage.DeviceGrant, err error) {
	_, done := s.track(ctx, "get_device_grant_by_user_code")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.deviceGrantByUserCodeLocked(userCode)
	if !ok {
		return nil, fmt.Errorf("%w: device grant", storage.ErrNotFound)
	}
	return g.Clone(), nil
}

// RecordDevicePoll records a polling attempt unless it came too fast.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, at time.Time, interval time.Duration) (_ *storage.DeviceGrant, _ bool, err error) {
	_, done := s.track(ctx, "record_device_poll")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.deviceGrants[deviceCode]
	if !ok {
		return nil, false, fmt.Errorf("%w: device grant", storage.ErrNotFound)
	}
	if g.PolledWithin(at, interval) {
		return g.Clone(), true, nil
	}
	g.LastPollingAt = &at
	return g.Clone(), false, nil
}

// ApproveDeviceGrant binds a resource owner to a pending device grant.
func (s *Store) ApproveDeviceGrant(ctx context.Context, userCode, resourceOwnerID string) (_ *storage.DeviceGrant, err error) {
	_, done := s.track(ctx, "approve_device_grant")
	defer func() { done(err) }()

	if resourceOwnerID == "" {
		return nil, fmt.Errorf("%w: resource owner is required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.deviceGrantByUserCodeLocked(userCode)
	if !ok {
		return nil, fmt.Errorf("%w: device grant", storage.ErrNotFound)
	}
	switch {
	case g.RevokedAt != nil || g.Denied():
		return nil, storage.ErrAlreadyRevoked
	case g.Approved():
		return nil, fmt.Errorf("%w: device grant already approved", storage.ErrAlreadyExists)
	}
	g.ResourceOwnerID = resourceOwnerID
	return g.Clone(), nil
}

// DenyDeviceGrant marks a pending device grant as denied.
func (s *Store) DenyDeviceGrant(ctx context.Context, userCode string, at time.Time) (_ *storage.DeviceGrant, err error) {
	_, done := s.track(ctx, "deny_device_grant")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.deviceGrantByUserCodeLocked(userCode)
	if !ok {
		return nil, fmt.Errorf("%w: device grant", storage.ErrNotFound)
	}
	if g.RevokedAt != nil || g.Approved() {
		return nil, storage.ErrAlreadyRevoked
	}
	if g.DeniedAt == nil {
		g.DeniedAt = &at
	}
	return g.Clone(), nil
}

// RevokeDeviceGrant atomically revokes a device grant.
func (s *Store) RevokeDeviceGrant(ctx context.Context, deviceCode string, at time.Time) (_ *storage.DeviceGrant, err error) {
	_, done := s.track(ctx, "revoke_device_grant")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.deviceGrants[deviceCode]
	if !ok {
		return nil, fmt.Errorf("%w: device grant", storage.ErrNotFound)
	}
	if g.RevokedAt != nil {
		return g.Clone(), storage.ErrAlreadyRevoked
	}
	g.Revoke(at)
	return g.Clone(), nil
}

func (s *Store) deviceGrantByUserCodeLocked(userCode string) (*storage.DeviceGrant, bool) {
	code, ok := s.userCodes[userCode]
	if !ok {
		return nil, false
	}
	g, ok := s.deviceGrants[code]
	return g, ok
}

func (s *Store) deleteDeviceGrantLocked(code string, g *storage.DeviceGrant) {
	delete(s.userCodes, g.UserCode)
	delete(s.deviceGrants, code)
}

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateAccessToken persists an access token and its refresh token.
func (s *Store) CreateAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	_, done := s.track(ctx, "create_access_token")
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.Token]; ok {
		return fmt.Errorf("%w: access token", storage.ErrAlreadyExists)
	}
	if token.RefreshToken != "" {
		if _, ok := s.refreshTokens[token.RefreshToken]; ok {
			return fmt.Errorf("%w: refresh token", storage.ErrAlreadyExists)
		}
		s.refreshTokens[token.RefreshToken] = token.Token
	}
	s.tokens[token.Token] = token.Clone()
	s.updateCounts()
	return nil
}

// GetAccessToken retrieves a token by its access token value
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	_, done := s.track(ctx, "get_access_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	return t.Clone(), nil
}

// GetAccessTokenByRefreshToken retrieves a token by its refresh token
func (s *Store) GetAccessTokenByRefreshToken(ctx context.Context, refreshToken string) (_ *storage.AccessToken, err error) {
	_, done := s.track(ctx, "get_access_token_by_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	access, ok := s.refreshTokens[refreshToken]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	return s.tokens[access].Clone(), nil
}

// FindAccessTokens returns tokens issued to an application for a resource
// owner, newest first.
func (s *Store) FindAccessTokens(ctx context.Context, applicationID, resourceOwnerID string) (_ []*storage.AccessToken, err error) {
	_, done := s.track(ctx, "find_access_tokens")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []*storage.AccessToken
	for _, t := range s.tokens {
		if t.ApplicationID == applicationID && t.ResourceOwnerID == resourceOwnerID {
			found = append(found, t.Clone())
		}
	}
	slices.SortFunc(found, func(a, b *storage.AccessToken) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return found, nil
}

// RevokeAccessToken atomically revokes an access token.
func (s *Store) RevokeAccessToken(ctx context.Context, token string, at time.Time) (_ *storage.AccessToken, err error) {
	_, done := s.track(ctx, "revoke_access_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	if t.RevokedAt != nil {
		return t.Clone(), storage.ErrAlreadyRevoked
	}
	t.Revoke(at)
	return t.Clone(), nil
}

// RevokeTokenFamily revokes every live token of a refresh family.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (_ int, err error) {
	_, done := s.track(ctx, "revoke_token_family")
	defer func() { done(err) }()

	if familyID == "" {
		return 0, fmt.Errorf("%w: family id is required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, t := range s.tokens {
		if t.FamilyID == familyID && t.RevokedAt == nil {
			t.Revoke(at)
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
	_, done := s.track(ctx, "clear_previous_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	t.PreviousRefreshToken = ""
	return nil
}

// MarkRefreshed records the exchange of a token's refresh token once.
func (s *Store) MarkRefreshed(ctx context.Context, token string, at time.Time) (_ *storage.AccessToken, err error) {
	_, done := s.track(ctx, "mark_refreshed")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	case t.RevokedAt != nil:
		return t.Clone(), storage.ErrAlreadyRevoked
	case t.RefreshedAt != nil:
		return t.Clone(), storage.ErrAlreadyRefreshed
	}
	t.RefreshedAt = &at
	return t.Clone(), nil
}

func (s *Store) deleteTokenLocked(token string, t *storage.AccessToken) {
	if t.RefreshToken != "" {
		delete(s.refreshTokens, t.RefreshToken)
	}
	delete(s.tokens, token)
}

// ============================================================
// Cleanup
// ============================================================

// DeleteStale removes grants and tokens that were revoked or expired before
// the given instant.
func (s *Store) DeleteStale(ctx context.Context, before time.Time) (_ int, err error) {
	_, done := s.track(ctx, "delete_stale")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for code, g := range s.grants {
		if storage.StaleBefore(g.Lifetime, before) {
			delete(s.grants, code)
			deleted++
		}
	}
	for code, g := range s.deviceGrants {
		if storage.StaleBefore(g.Lifetime, before) {
			s.deleteDeviceGrantLocked(code, g)
			deleted++
		}
	}
	for token, t := range s.tokens {
		if storage.StaleBefore(t.Lifetime, before) {
			s.deleteTokenLocked(token, t)
			deleted++
		}
	}
	s.updateCounts()
	return deleted, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.RLock()
	retention, logger := s.retention, s.logger
	s.mu.RUnlock()

	deleted, err := s.DeleteStale(context.Background(), time.Now().Add(-retention))
	if err != nil {
		logger.Warn("Failed to delete stale records", "error", err)
		return
	}
	if deleted > 0 {
		logger.Debug("Cleaned up stale records", "count", deleted)
	}
}

// track starts a span for a storage operation and returns a function that
// ends it and records the operation metrics.
func (s *Store) track(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	return inst.StartStorageOperation(ctx, "memory", operation)
}
