// Package security holds the security plumbing of the authorization server.
//
// Encryptor implements AES-256-GCM for the encrypted secret strategy. Its
// deterministic mode derives the nonce from the plaintext, so an encrypted
// token can still be looked up by value.
//
// Auditor writes security events (token issuance and revocation, replay
// detection, client authentication failures) as structured log records.
// User IDs are hashed before they are logged.
//
// RateLimiter applies a token bucket per key, usually the client IP as
// resolved by IPResolver. Tracked keys are bounded by LRU eviction:
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{Rate: 10, Burst: 20}, logger)
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.Allow(clientIP); !ok {
//	    // respond 429 with Retry-After
//	}
//
// SetSecurityHeaders and RequestIDMiddleware prepare HTTP responses.
package security
