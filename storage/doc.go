// Package storage defines the credential store used by the authorization
// server: applications, authorization grants, device grants and access tokens.
//
// The store is split into narrow interfaces:
//   - ApplicationStore: registered OAuth clients
//   - GrantStore: authorization codes
//   - DeviceGrantStore: RFC 8628 device authorizations
//   - TokenStore: access and refresh tokens
//   - Cleaner: housekeeping of stale records
//
// Every implementation must keep token and refresh_token values unique and
// provide atomic compare-and-revoke for grants and tokens, so that a grant is
// redeemed at most once even under concurrent requests.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process store for development, tests and single instances
//   - storage/redis: Redis-backed store for multi-instance deployments
package storage
