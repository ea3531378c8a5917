package server

import (
	"context"
	"errors"
	"net/url"

	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/plugin"
	"github.com/giantswarm/oauth-server/scopes"
	"github.com/giantswarm/oauth-server/secret"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// Device poll outcomes recorded in metrics.
const (
	pollPending  = "authorization_pending"
	pollSlowDown = "slow_down"
	pollDenied   = "access_denied"
	pollExpired  = "expired_token"
	pollApproved = "approved"
)

// DeviceAuthorization starts the device flow for an authenticated client
// (RFC 8628 section 3.1).
func (s *Server) DeviceAuthorization(ctx context.Context, client *storage.Application, scope string) (_ *DeviceResponse, err error) {
	ctx, span := s.startSpan(ctx, "oauth.device_authorization")
	defer func() { endSpan(span, err) }()

	if client == nil {
		return nil, ErrInvalidClient("client authentication is required")
	}
	if !s.flowEnabled(grantflow.DeviceCode) {
		return nil, ErrUnsupportedGrantType("device authorization is not enabled")
	}
	if !client.AllowsGrantFlow(grantflow.DeviceCode) {
		return nil, ErrUnauthorizedClient("client is not allowed to use the device flow")
	}

	requested, oe := s.requestedScopes(scope, client, grantflow.DeviceCode)
	if oe != nil {
		return nil, oe
	}

	var (
		grant      *storage.DeviceGrant
		deviceCode string
	)
	for attempt := 0; ; attempt++ {
		deviceCode, err = s.generator.GenerateUnique(ctx, func(ctx context.Context, candidate string) (bool, error) {
			g, err := lookup(ctx, s, candidate, s.store.GetDeviceGrant)
			return g != nil, err
		})
		if err != nil {
			return nil, internalError("failed to generate device code", err)
		}
		userCode, err := s.generator.UniqueUserCode(ctx, s.Config.UserCodeFormat, func(ctx context.Context, candidate string) (bool, error) {
			_, err := s.store.GetDeviceGrantByUserCode(ctx, candidate)
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		})
		if err != nil {
			return nil, internalError("failed to generate user code", err)
		}
		stored, err := s.tokenStrategy.Transform(deviceCode)
		if err != nil {
			return nil, internalError("failed to transform device code", err)
		}

		grant = &storage.DeviceGrant{
			Lifetime: storage.Lifetime{
				CreatedAt: s.Config.Now(),
				ExpiresIn: s.Config.DeviceCodeExpiresIn,
			},
			DeviceCode:    stored,
			UserCode:      userCode,
			ApplicationID: client.ID,
			Scopes:        requested.Slice(),
		}
		err = s.store.CreateDeviceGrant(ctx, grant)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrAlreadyExists) || attempt > 0 {
			return nil, internalError("failed to store device grant", err)
		}
	}

	if err := s.runPlugins(ctx, plugin.DeviceGrantCreate, &plugin.Context{
		Application: client,
		DeviceGrant: grant,
	}); err != nil {
		return nil, err
	}
	s.metrics().RecordGrantIssued(ctx, grantflow.DeviceCode)
	s.Logger.Info("Started device authorization", "client_id", client.UID, "scope", requested.String())

	resp := &DeviceResponse{
		DeviceCode:      deviceCode,
		UserCode:        grant.UserCode,
		VerificationURI: s.verificationURI(),
		ExpiresIn:       int64(s.Config.DeviceCodeExpiresIn.Seconds()),
		Interval:        int64(s.Config.DevicePollingInterval.Seconds()),
	}
	if resp.VerificationURI != "" {
		if u, err := url.Parse(resp.VerificationURI); err == nil {
			q := u.Query()
			q.Set("user_code", grant.UserCode)
			u.RawQuery = q.Encode()
			resp.VerificationURIComplete = u.String()
		}
	}
	return resp, nil
}

func (s *Server) verificationURI() string {
	if s.Config.VerificationURI != "" || s.Config.Issuer == "" {
		return s.Config.VerificationURI
	}
	return s.Config.Issuer + "/oauth/device/verify"
}

// deviceCodeRequest polls for the token of a device grant
// (RFC 8628 section 3.4).
type deviceCodeRequest struct {
	server *Server
	client *storage.Application
	grant  *storage.DeviceGrant // nil when the device code is unknown
	params *TokenRequest
}

func (s *Server) newDeviceCodeRequest(ctx context.Context, client *storage.Application, req *TokenRequest) (*deviceCodeRequest, error) {
	grant, err := lookup(ctx, s, req.DeviceCode, s.store.GetDeviceGrant)
	if err != nil {
		return nil, err
	}
	return &deviceCodeRequest{server: s, client: client, grant: grant, params: req}, nil
}

func (r *deviceCodeRequest) Authorize(ctx context.Context) (*TokenResponse, error) {
	s := r.server
	switch {
	case r.client == nil:
		return nil, ErrInvalidClient("client authentication is required")
	case r.params.DeviceCode == "":
		return nil, ErrInvalidRequest("device_code is required")
	case r.grant == nil || r.grant.ApplicationID != r.client.ID:
		return nil, ErrInvalidGrant("device code is invalid")
	}

	now := s.Config.Now()
	switch {
	case r.grant.Denied() || r.grant.Revoked(now):
		s.metrics().RecordDevicePoll(ctx, pollDenied)
		return nil, ErrAccessDenied("the device authorization was denied or already used")
	case r.grant.Expired(now):
		s.metrics().RecordDevicePoll(ctx, pollExpired)
		return nil, ErrExpiredToken("the device code has expired")
	}

	grant, tooFast, err := s.store.RecordDevicePoll(ctx, r.grant.DeviceCode, now, s.Config.DevicePollingInterval)
	if err != nil {
		return nil, internalError("failed to record device poll", err)
	}
	if tooFast {
		s.metrics().RecordDevicePoll(ctx, pollSlowDown)
		return nil, ErrSlowDown("polling too frequently")
	}
	if !grant.Approved() {
		s.metrics().RecordDevicePoll(ctx, pollPending)
		return nil, ErrAuthorizationPending("the user has not yet approved the request")
	}

	if _, err := s.store.RevokeDeviceGrant(ctx, grant.DeviceCode, now); err != nil {
		if errors.Is(err, storage.ErrAlreadyRevoked) {
			return nil, ErrInvalidGrant("device code was already redeemed")
		}
		return nil, internalError("failed to redeem device code", err)
	}
	s.metrics().RecordDevicePoll(ctx, pollApproved)

	issued, err := s.findOrCreateToken(ctx, tokenParams{
		app:       r.client,
		ownerID:   grant.ResourceOwnerID,
		scopes:    scopes.FromSlice(grant.Scopes),
		grantType: grantflow.DeviceCode,
		refresh:   s.Config.UseRefreshToken,
		expiresIn: s.Config.accessTokenExpiresIn(),
		reuse:     true,
	})
	if err != nil {
		return nil, err
	}
	s.metrics().RecordGrantRedeemed(ctx, grantflow.DeviceCode)
	return s.tokenResponse(issued), nil
}

// DeviceGrant returns the pending device grant for a user code, for the
// verification page to show what is being authorized.
func (s *Server) DeviceGrant(ctx context.Context, userCode string) (*storage.DeviceGrant, *storage.Application, error) {
	grant, err := s.pendingDeviceGrant(ctx, userCode)
	if err != nil {
		return nil, nil, err
	}
	app, err := s.store.GetApplication(ctx, grant.ApplicationID)
	if err != nil {
		return nil, nil, internalError("failed to load application", err)
	}
	return grant, app, nil
}

// ApproveDevice binds the resource owner to the device grant with userCode.
func (s *Server) ApproveDevice(ctx context.Context, userCode, ownerID string) error {
	if ownerID == "" {
		return ErrAccessDenied("resource owner is not authenticated")
	}
	if _, err := s.pendingDeviceGrant(ctx, userCode); err != nil {
		return err
	}

	grant, err := s.store.ApproveDeviceGrant(ctx, secret.NormalizeUserCode(userCode), ownerID)
	if err != nil {
		return deviceDecisionError(err)
	}
	s.audit(security.Event{
		Type:    security.EventDeviceApproved,
		UserID:  ownerID,
		Details: map[string]any{"grant_id": grant.ID},
	})
	return nil
}

// DenyDevice records the user's refusal of the device grant with userCode.
func (s *Server) DenyDevice(ctx context.Context, userCode string) error {
	if _, err := s.pendingDeviceGrant(ctx, userCode); err != nil {
		return err
	}

	grant, err := s.store.DenyDeviceGrant(ctx, secret.NormalizeUserCode(userCode), s.Config.Now())
	if err != nil {
		return deviceDecisionError(err)
	}
	s.audit(security.Event{
		Type:    security.EventDeviceDenied,
		Details: map[string]any{"grant_id": grant.ID},
	})
	return nil
}

func (s *Server) pendingDeviceGrant(ctx context.Context, userCode string) (*storage.DeviceGrant, error) {
	code := secret.NormalizeUserCode(userCode)
	if code == "" {
		return nil, ErrInvalidRequest("user_code is required")
	}
	grant, err := s.store.GetDeviceGrantByUserCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("user code is invalid")
		}
		return nil, internalError("failed to load device grant", err)
	}

	now := s.Config.Now()
	switch {
	case grant.Denied() || grant.Revoked(now):
		return nil, ErrAccessDenied("the device authorization was denied or already used")
	case grant.Expired(now):
		return nil, ErrExpiredToken("the user code has expired")
	}
	return grant, nil
}

func deviceDecisionError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrInvalidGrant("user code is invalid")
	case errors.Is(err, storage.ErrAlreadyRevoked):
		return ErrAccessDenied("the device authorization was denied or already used")
	case errors.Is(err, storage.ErrAlreadyExists):
		return ErrInvalidRequest("the device authorization was already approved")
	default:
		return internalError("failed to update device grant", err)
	}
}
