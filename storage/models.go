package storage

import (
	"slices"
	"time"
)

// Lifetime carries the creation, expiry and revocation state shared by
// grants and tokens. Expiry is computed from CreatedAt and ExpiresIn on
// demand and never persisted as a flag.
type Lifetime struct {
	CreatedAt time.Time
	// ExpiresIn of zero means the record never expires.
	ExpiresIn time.Duration
	RevokedAt *time.Time
}

// ExpiresAt returns the expiry instant and false when the record never expires.
func (l Lifetime) ExpiresAt() (time.Time, bool) {
	if l.ExpiresIn <= 0 {
		return time.Time{}, false
	}
	return l.CreatedAt.Add(l.ExpiresIn), true
}

// Expired reports whether now is past CreatedAt + ExpiresIn.
func (l Lifetime) Expired(now time.Time) bool {
	at, ok := l.ExpiresAt()
	return ok && now.After(at)
}

// Revoked reports whether the record was revoked at or before now.
func (l Lifetime) Revoked(now time.Time) bool {
	return l.RevokedAt != nil && !l.RevokedAt.After(now)
}

// Accessible reports whether the record is neither expired nor revoked.
func (l Lifetime) Accessible(now time.Time) bool {
	return !l.Expired(now) && !l.Revoked(now)
}

// ExpiresInSeconds returns the remaining lifetime in whole seconds, zero when
// expired and -1 when the record never expires.
func (l Lifetime) ExpiresInSeconds(now time.Time) int64 {
	at, ok := l.ExpiresAt()
	if !ok {
		return -1
	}
	remaining := at.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

// Revoke marks the record revoked at the given instant if it is not already.
func (l *Lifetime) Revoke(at time.Time) {
	if l.RevokedAt == nil {
		l.RevokedAt = &at
	}
}

// Application is a registered OAuth client.
type Application struct {
	ID   string
	Name string
	UID  string

	// Secret holds the value produced by the application secret strategy.
	// It is empty for public clients.
	Secret string

	RedirectURIs []string

	// Scopes optionally restricts the scopes the application may request.
	Scopes []string

	Confidential bool

	// GrantFlows optionally restricts the grant flows the application may use.
	GrantFlows []string

	CreatedAt time.Time
}

// HasRedirectURI reports whether uri is registered verbatim.
func (a *Application) HasRedirectURI(uri string) bool {
	return slices.Contains(a.RedirectURIs, uri)
}

// AllowsGrantFlow reports whether the application may use the named flow.
func (a *Application) AllowsGrantFlow(name string) bool {
	return len(a.GrantFlows) == 0 || slices.Contains(a.GrantFlows, name)
}

// AccessGrant is an authorization code issued by the authorization endpoint.
type AccessGrant struct {
	Lifetime

	ID              string
	Token           string
	ApplicationID   string
	ResourceOwnerID string
	RedirectURI     string
	Scopes          []string

	CodeChallenge       string
	CodeChallengeMethod string

	ResourceIndicators []string
}

// UsesPKCE reports whether the grant was issued with a code challenge.
func (g *AccessGrant) UsesPKCE() bool {
	return g.CodeChallenge != ""
}

// DeviceGrant is an RFC 8628 device authorization.
type DeviceGrant struct {
	Lifetime

	ID            string
	DeviceCode    string
	UserCode      string
	ApplicationID string
	Scopes        []string

	// ResourceOwnerID is set once the user approves the request.
	ResourceOwnerID string

	DeniedAt      *time.Time
	LastPollingAt *time.Time
}

// Approved reports whether a resource owner approved the request.
func (g *DeviceGrant) Approved() bool {
	return g.ResourceOwnerID != ""
}

// Denied reports whether the user denied the request.
func (g *DeviceGrant) Denied() bool {
	return g.DeniedAt != nil
}

// PolledWithin reports whether the device polled less than interval before now.
func (g *DeviceGrant) PolledWithin(now time.Time, interval time.Duration) bool {
	return g.LastPollingAt != nil && now.Sub(*g.LastPollingAt) < interval
}

// AccessToken is an issued bearer token and its optional refresh token.
type AccessToken struct {
	Lifetime

	ID           string
	Token        string
	RefreshToken string

	// ApplicationID is empty for tokens issued without a client.
	ApplicationID string
	// ResourceOwnerID is empty for client credentials tokens.
	ResourceOwnerID string

	Scopes []string

	// FamilyID links every token produced by refreshing the same original
	// token. It is the ID of the first token in the chain.
	FamilyID string

	// PreviousRefreshToken is the refresh token this token replaced while
	// the replaced token awaits revocation on first use.
	PreviousRefreshToken string

	// RefreshedAt is set when the refresh token was exchanged while this
	// token stays valid until its successor is used.
	RefreshedAt *time.Time

	ResourceIndicators []string
}

// Clone returns a deep copy, used by stores that hand out records.
func (t *AccessToken) Clone() *AccessToken {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	c.ResourceIndicators = slices.Clone(t.ResourceIndicators)
	c.RevokedAt = cloneTime(t.RevokedAt)
	c.RefreshedAt = cloneTime(t.RefreshedAt)
	return &c
}

// Clone returns a deep copy.
func (g *AccessGrant) Clone() *AccessGrant {
	c := *g
	c.Scopes = slices.Clone(g.Scopes)
	c.ResourceIndicators = slices.Clone(g.ResourceIndicators)
	c.RevokedAt = cloneTime(g.RevokedAt)
	return &c
}

// Clone returns a deep copy.
func (g *DeviceGrant) Clone() *DeviceGrant {
	c := *g
	c.Scopes = slices.Clone(g.Scopes)
	c.RevokedAt = cloneTime(g.RevokedAt)
	c.DeniedAt = cloneTime(g.DeniedAt)
	c.LastPollingAt = cloneTime(g.LastPollingAt)
	return &c
}

// Clone returns a deep copy.
func (a *Application) Clone() *Application {
	c := *a
	c.RedirectURIs = slices.Clone(a.RedirectURIs)
	c.Scopes = slices.Clone(a.Scopes)
	c.GrantFlows = slices.Clone(a.GrantFlows)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
