package security

// Event types for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged for a new token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventTokensRevoked is logged when the tokens of an application and resource owner
	// are revoked in bulk, e.g. before a replacement token is issued
	EventTokensRevoked = "tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when the resource owner denies an authorization request
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is redeemed twice
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventDeviceApproved is logged when a user approves a device authorization
	EventDeviceApproved = "device_approved"

	// EventDeviceDenied is logged when a user denies a device authorization
	EventDeviceDenied = "device_denied"

	// Application events

	// EventApplicationRegistered is logged when an application is registered or updated
	EventApplicationRegistered = "application_registered"

	// EventApplicationSecretRotated is logged when an application secret is replaced
	EventApplicationSecretRotated = "application_secret_rotated" //nolint:gosec // G101: event type name, not a credential

	// Security violation events

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when a code_verifier does not match the challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventPKCERequiredForPublicClient is logged when a public client requests a code without PKCE
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"

	// EventRefreshTokenReuseDetected is logged when a revoked refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventInvalidRedirect is logged when a redirect URI does not match the registration
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes it may not have
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventUnauthorizedRevocation is logged when a client tries to revoke another client's token
	EventUnauthorizedRevocation = "unauthorized_revocation"
)
