// Package server implements the core of the OAuth 2.0 authorization server.
//
// It validates authorization and token requests, dispatches them to the
// grant flow they select and drives the life cycle of authorization codes,
// device grants, access tokens and refresh tokens. Persistence goes through
// the storage.Store interface; resource owner authentication and consent
// are left to the caller, which passes the authenticated owner ID in.
//
// Supported flows:
//   - Authorization code with PKCE (RFC 6749 section 4.1, RFC 7636)
//   - Implicit (RFC 6749 section 4.2)
//   - Resource owner password credentials (RFC 6749 section 4.3)
//   - Client credentials (RFC 6749 section 4.4)
//   - Refresh token with rotation and replay detection (RFC 6749 section 6)
//   - Device authorization (RFC 8628)
//
// Revocation (RFC 7009), introspection (RFC 7662) and bearer token
// validation for protected resources are provided as well.
//
// Every failure a client may see is an *Error carrying the OAuth error
// code and HTTP status. Anything else is reported as server_error and only
// logged.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	config, err := server.NewConfig(
//	    server.WithIssuer("https://auth.example.com"),
//	    server.WithDefaultScopes("read"),
//	    server.WithRefreshTokens(false),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := srv.Token(ctx, &server.TokenRequest{
//	    GrantType:   "client_credentials",
//	    Credentials: clientauth.Credentials{UID: uid, Secret: secret},
//	})
package server
