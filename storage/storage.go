package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a unique value (application uid,
	// token, refresh token, grant or device code, user code) is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrAlreadyRevoked is returned by compare-and-revoke operations when the
	// record was revoked before the call.
	ErrAlreadyRevoked = errors.New("record already revoked")

	// ErrAlreadyRefreshed is returned by MarkRefreshed when the token's
	// refresh token was exchanged before the call.
	ErrAlreadyRefreshed = errors.New("refresh token already used")

	// ErrInvalidRecord is returned when a record is missing required fields.
	ErrInvalidRecord = errors.New("invalid record")
)

// ApplicationStore manages registered OAuth clients.
type ApplicationStore interface {
	// SaveApplication creates or updates an application. A uid taken by
	// another application yields ErrAlreadyExists.
	SaveApplication(ctx context.Context, app *Application) error

	// GetApplication looks an application up by ID.
	GetApplication(ctx context.Context, id string) (*Application, error)

	// GetApplicationByUID looks an application up by its public client id.
	GetApplicationByUID(ctx context.Context, uid string) (*Application, error)

	// ListApplications returns all applications.
	ListApplications(ctx context.Context) ([]*Application, error)

	// DeleteApplication removes an application together with its grants and tokens.
	DeleteApplication(ctx context.Context, id string) error
}

// GrantStore manages authorization codes.
type GrantStore interface {
	// CreateAccessGrant persists a grant. A taken token yields ErrAlreadyExists.
	CreateAccessGrant(ctx context.Context, grant *AccessGrant) error

	// GetAccessGrant looks a grant up by its (stored form of the) code.
	GetAccessGrant(ctx context.Context, token string) (*AccessGrant, error)

	// RevokeAccessGrant atomically revokes a grant that is not yet revoked
	// and returns it. It yields ErrAlreadyRevoked when another caller won.
	RevokeAccessGrant(ctx context.Context, token string, at time.Time) (*AccessGrant, error)
}

// DeviceGrantStore manages device authorizations.
type DeviceGrantStore interface {
	// CreateDeviceGrant persists a device grant. A taken device code or user
	// code yields ErrAlreadyExists.
	CreateDeviceGrant(ctx context.Context, grant *DeviceGrant) error

	// GetDeviceGrant looks a device grant up by device code.
	GetDeviceGrant(ctx context.Context, deviceCode string) (*DeviceGrant, error)

	// GetDeviceGrantByUserCode looks a device grant up by user code.
	GetDeviceGrantByUserCode(ctx context.Context, userCode string) (*DeviceGrant, error)

	// RecordDevicePoll atomically records a polling attempt. When the
	// previous poll happened less than interval before at, the poll is not
	// recorded and tooFast is true.
	RecordDevicePoll(ctx context.Context, deviceCode string, at time.Time, interval time.Duration) (grant *DeviceGrant, tooFast bool, err error)

	// ApproveDeviceGrant binds a resource owner to a pending device grant.
	// Revoked or denied grants yield ErrAlreadyRevoked, approved ones
	// ErrAlreadyExists.
	ApproveDeviceGrant(ctx context.Context, userCode, resourceOwnerID string) (*DeviceGrant, error)

	// DenyDeviceGrant marks a pending device grant as denied. Revoked or
	// approved grants yield ErrAlreadyRevoked.
	DenyDeviceGrant(ctx context.Context, userCode string, at time.Time) (*DeviceGrant, error)

	// RevokeDeviceGrant atomically revokes a device grant that is not yet
	// revoked. It yields ErrAlreadyRevoked when another caller won.
	RevokeDeviceGrant(ctx context.Context, deviceCode string, at time.Time) (*DeviceGrant, error)
}

// TokenStore manages access tokens and their refresh tokens.
type TokenStore interface {
	// CreateAccessToken persists a token. A taken token or refresh token
	// yields ErrAlreadyExists. Empty ID and FamilyID are assigned, so a token
	// without a family starts its own.
	CreateAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken looks a token up by its access token value.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// GetAccessTokenByRefreshToken looks a token up by its refresh token.
	GetAccessTokenByRefreshToken(ctx context.Context, refreshToken string) (*AccessToken, error)

	// FindAccessTokens returns the tokens issued to an application for a
	// resource owner, newest first. Either ID may be empty.
	FindAccessTokens(ctx context.Context, applicationID, resourceOwnerID string) ([]*AccessToken, error)

	// RevokeAccessToken atomically revokes a token that is not yet revoked
	// and returns it. It yields ErrAlreadyRevoked when another caller won.
	RevokeAccessToken(ctx context.Context, token string, at time.Time) (*AccessToken, error)

	// RevokeTokenFamily revokes every token sharing familyID and returns how
	// many were revoked by this call.
	RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error)

	// ClearPreviousRefreshToken drops the PreviousRefreshToken link of a token
	// once the replaced token has been revoked.
	ClearPreviousRefreshToken(ctx context.Context, token string) error

	// MarkRefreshed atomically records that the refresh token of a live
	// token was exchanged. Refreshed tokens yield ErrAlreadyRefreshed,
	// revoked ones ErrAlreadyRevoked.
	MarkRefreshed(ctx context.Context, token string, at time.Time) (*AccessToken, error)
}

// Cleaner removes stale records.
type Cleaner interface {
	// DeleteStale removes grants and tokens that were revoked or expired
	// before the given instant and returns how many records were deleted.
	DeleteStale(ctx context.Context, before time.Time) (int, error)
}

// Store is the full credential store the server depends on.
type Store interface {
	ApplicationStore
	GrantStore
	DeviceGrantStore
	TokenStore
	Cleaner
}

// StaleBefore reports whether a record with the given lifetime stopped being
// accessible before the instant. Stores use it to implement DeleteStale.
func StaleBefore(l Lifetime, before time.Time) bool {
	if l.RevokedAt != nil && l.RevokedAt.Before(before) {
		return true
	}
	at, ok := l.ExpiresAt()
	return ok && at.Before(before)
}
