package redis

import (
	"time"

	"github.com/giantswarm/oauth-server/storage"
)

// JSON representations of the stored records. They decouple the wire format
// in Redis from the storage structs.

type lifetimeJSON struct {
	CreatedAt time.Time  `json:"created_at"`
	ExpiresIn int64      `json:"expires_in"` // seconds, 0 = never
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func toLifetimeJSON(l storage.Lifetime) lifetimeJSON {
	return lifetimeJSON{
		CreatedAt: l.CreatedAt,
		ExpiresIn: int64(l.ExpiresIn / time.Second),
		RevokedAt: l.RevokedAt,
	}
}

func (j lifetimeJSON) lifetime() storage.Lifetime {
	return storage.Lifetime{
		CreatedAt: j.CreatedAt,
		ExpiresIn: time.Duration(j.ExpiresIn) * time.Second,
		RevokedAt: j.RevokedAt,
	}
}

type applicationJSON struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	UID          string    `json:"uid"`
	Secret       string    `json:"secret,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes,omitempty"`
	Confidential bool      `json:"confidential"`
	GrantFlows   []string  `json:"grant_flows,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toApplicationJSON(a *storage.Application) *applicationJSON {
	return &applicationJSON{
		ID:           a.ID,
		Name:         a.Name,
		UID:          a.UID,
		Secret:       a.Secret,
		RedirectURIs: a.RedirectURIs,
		Scopes:       a.Scopes,
		Confidential: a.Confidential,
		GrantFlows:   a.GrantFlows,
		CreatedAt:    a.CreatedAt,
	}
}

func (j *applicationJSON) record() *storage.Application {
	return &storage.Application{
		ID:           j.ID,
		Name:         j.Name,
		UID:          j.UID,
		Secret:       j.Secret,
		RedirectURIs: j.RedirectURIs,
		Scopes:       j.Scopes,
		Confidential: j.Confidential,
		GrantFlows:   j.GrantFlows,
		CreatedAt:    j.CreatedAt,
	}
}

type accessGrantJSON struct {
	lifetimeJSON
	ID                  string   `json:"id"`
	Token               string   `json:"token"`
	ApplicationID       string   `json:"application_id"`
	ResourceOwnerID     string   `json:"resource_owner_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	ResourceIndicators  []string `json:"resource_indicators,omitempty"`
}

func toAccessGrantJSON(g *storage.AccessGrant) *accessGrantJSON {
	return &accessGrantJSON{
		lifetimeJSON:        toLifetimeJSON(g.Lifetime),
		ID:                  g.ID,
		Token:               g.Token,
		ApplicationID:       g.ApplicationID,
		ResourceOwnerID:     g.ResourceOwnerID,
		RedirectURI:         g.RedirectURI,
		Scopes:              g.Scopes,
		CodeChallenge:       g.CodeChallenge,
		CodeChallengeMethod: g.CodeChallengeMethod,
		ResourceIndicators:  g.ResourceIndicators,
	}
}

func (j *accessGrantJSON) record() *storage.AccessGrant {
	return &storage.AccessGrant{
		Lifetime:            j.lifetime(),
		ID:                  j.ID,
		Token:               j.Token,
		ApplicationID:       j.ApplicationID,
		ResourceOwnerID:     j.ResourceOwnerID,
		RedirectURI:         j.RedirectURI,
		Scopes:              j.Scopes,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		ResourceIndicators:  j.ResourceIndicators,
	}
}

type deviceGrantJSON struct {
	lifetimeJSON
	ID              string     `json:"id"`
	DeviceCode      string     `json:"device_code"`
	UserCode        string     `json:"user_code"`
	ApplicationID   string     `json:"application_id"`
	Scopes          []string   `json:"scopes,omitempty"`
	ResourceOwnerID string     `json:"resource_owner_id,omitempty"`
	DeniedAt        *time.Time `json:"denied_at,omitempty"`
	LastPollingAt   *time.Time `json:"last_polling_at,omitempty"`
}

func toDeviceGrantJSON(g *storage.DeviceGrant) *deviceGrantJSON {
	return &deviceGrantJSON{
		lifetimeJSON:    toLifetimeJSON(g.Lifetime),
		ID:              g.ID,
		DeviceCode:      g.DeviceCode,
		UserCode:        g.UserCode,
		ApplicationID:   g.ApplicationID,
		Scopes:          g.Scopes,
		ResourceOwnerID: g.ResourceOwnerID,
		DeniedAt:        g.DeniedAt,
		LastPollingAt:   g.LastPollingAt,
	}
}

func (j *deviceGrantJSON) record() *storage.DeviceGrant {
	return &storage.DeviceGrant{
		Lifetime:        j.lifetime(),
		ID:              j.ID,
		DeviceCode:      j.DeviceCode,
		UserCode:        j.UserCode,
		ApplicationID:   j.ApplicationID,
		Scopes:          j.Scopes,
		ResourceOwnerID: j.ResourceOwnerID,
		DeniedAt:        j.DeniedAt,
		LastPollingAt:   j.LastPollingAt,
	}
}

type accessTokenJSON struct {
	lifetimeJSON
	ID                   string     `json:"id"`
	Token                string     `json:"token"`
	RefreshToken         string     `json:"refresh_token,omitempty"`
	ApplicationID        string     `json:"application_id,omitempty"`
	ResourceOwnerID      string     `json:"resource_owner_id,omitempty"`
	Scopes               []string   `json:"scopes,omitempty"`
	FamilyID             string     `json:"family_id"`
	PreviousRefreshToken string     `json:"previous_refresh_token,omitempty"`
	RefreshedAt          *time.Time `json:"refreshed_at,omitempty"`
	ResourceIndicators   []string   `json:"resource_indicators,omitempty"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		lifetimeJSON:         toLifetimeJSON(t.Lifetime),
		ID:                   t.ID,
		Token:                t.Token,
		RefreshToken:         t.RefreshToken,
		ApplicationID:        t.ApplicationID,
		ResourceOwnerID:      t.ResourceOwnerID,
		Scopes:               t.Scopes,
		FamilyID:             t.FamilyID,
		PreviousRefreshToken: t.PreviousRefreshToken,
		RefreshedAt:          t.RefreshedAt,
		ResourceIndicators:   t.ResourceIndicators,
	}
}

func (j *accessTokenJSON) record() *storage.AccessToken {
	return &storage.AccessToken{
		Lifetime:             j.lifetime(),
		ID:                   j.ID,
		Token:                j.Token,
		RefreshToken:         j.RefreshToken,
		ApplicationID:        j.ApplicationID,
		ResourceOwnerID:      j.ResourceOwnerID,
		Scopes:               j.Scopes,
		FamilyID:             j.FamilyID,
		PreviousRefreshToken: j.PreviousRefreshToken,
		RefreshedAt:          j.RefreshedAt,
		ResourceIndicators:   j.ResourceIndicators,
	}
}
