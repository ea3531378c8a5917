package server

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-server/clientauth"
	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// obtainCode runs the authorization endpoint for the test client and
// returns the issued code.
func obtainCode(t *testing.T, env *testEnv, scope, challenge string) string {
	t.Helper()
	ctx := context.Background()

	req := AuthorizationRequest{
		ResponseType: "code",
		ClientID:     testClientUID,
		RedirectURI:  testRedirectURI,
		Scope:        scope,
		State:        "state-123",
	}
	if challenge != "" {
		req.CodeChallenge = challenge
		req.CodeChallengeMethod = PKCEMethodS256
	}
	pre, err := env.srv.PreAuthorize(ctx, req)
	if err != nil {
		t.Fatalf("PreAuthorize() error = %v", err)
	}
	redirect, err := env.srv.Authorize(ctx, pre, testOwnerID)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got := redirect.Params.Get("state"); got != "state-123" {
		t.Errorf("state = %q, want %q", got, "state-123")
	}
	code := redirect.Params.Get("code")
	if code == "" {
		t.Fatalf("Authorize() redirect %q carries no code", redirect.Location())
	}
	return code
}

func (e *testEnv) exchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	return e.srv.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		Credentials:  e.creds(),
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
}

func TestServer_AuthorizationCodeFlow(t *testing.T) {
	env := setupTestServer(t, WithRefreshTokens(false))
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, env, "read write", challenge)

	resp, err := env.exchangeCode(ctx, code, verifier)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.TokenType != TokenTypeBearer {
		t.Errorf("TokenType = %q, want %q", resp.TokenType, TokenTypeBearer)
	}
	if resp.ExpiresIn != int64(DefaultAccessTokenExpiresIn.Seconds()) {
		t.Errorf("ExpiresIn = %d, want %d", resp.ExpiresIn, int64(DefaultAccessTokenExpiresIn.Seconds()))
	}
	if resp.Scope != "read write" {
		t.Errorf("Scope = %q, want %q", resp.Scope, "read write")
	}
	if resp.RefreshToken == "" {
		t.Error("RefreshToken is empty with refresh tokens enabled")
	}
	if resp.CreatedAt != testEpoch.Unix() {
		t.Errorf("CreatedAt = %d, want %d", resp.CreatedAt, testEpoch.Unix())
	}

	token, err := env.srv.AuthenticateToken(ctx, resp.AccessToken, "write")
	if err != nil {
		t.Fatalf("AuthenticateToken() error = %v", err)
	}
	if token.ResourceOwnerID != testOwnerID {
		t.Errorf("ResourceOwnerID = %q, want %q", token.ResourceOwnerID, testOwnerID)
	}
}

func TestServer_AuthorizationCodeReuseRevokesTokens(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, env, "", challenge)

	resp, err := env.exchangeCode(ctx, code, verifier)
	if err != nil {
		t.Fatalf("first Token() error = %v", err)
	}

	_, err = env.exchangeCode(ctx, code, verifier)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = env.srv.AuthenticateToken(ctx, resp.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)

	if !testutil.ContainsAuditEvent(env.logs.String(), security.EventAuthorizationCodeReuseDetected) {
		t.Errorf("expected %s audit event in logs", security.EventAuthorizationCodeReuseDetected)
	}
}

func TestServer_AuthorizationCodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(env *testEnv, req *TokenRequest)
		wantCode string
	}{
		{
			name:     "missing code",
			mutate:   func(_ *testEnv, req *TokenRequest) { req.Code = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing redirect_uri",
			mutate:   func(_ *testEnv, req *TokenRequest) { req.RedirectURI = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing code_verifier",
			mutate:   func(_ *testEnv, req *TokenRequest) { req.CodeVerifier = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown code",
			mutate:   func(_ *testEnv, req *TokenRequest) { req.Code = "unknown" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "redirect_uri mismatch",
			mutate:   func(_ *testEnv, req *TokenRequest) { req.RedirectURI = "https://example.com/other" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "wrong code_verifier",
			mutate: func(_ *testEnv, req *TokenRequest) {
				_, other := testutil.GeneratePKCEPair()
				req.CodeVerifier = other
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "expired code",
			mutate:   func(env *testEnv, _ *TokenRequest) { env.clock.Advance(DefaultAuthorizationCodeExpiresIn + time.Second) },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "no client credentials",
			mutate:   func(_ *testEnv, req *TokenRequest) { req.Credentials = clientauth.Credentials{} },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "wrong client secret",
			mutate:   func(_ *testEnv, req *TokenRequest) { req.Credentials.Secret = "wrong" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "resource not granted",
			mutate:   func(_ *testEnv, req *TokenRequest) { req.Resources = []string{"https://api.example.com"} },
			wantCode: ErrorCodeInvalidTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			challenge, verifier := testutil.GeneratePKCEPair()
			code := obtainCode(t, env, "read", challenge)

			req := &TokenRequest{
				GrantType:    "authorization_code",
				Credentials:  env.creds(),
				Code:         code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: verifier,
			}
			tt.mutate(env, req)

			_, err := env.srv.Token(context.Background(), req)
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestServer_ConcurrentCodeRedemption(t *testing.T) {
	env := setupTestServer(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, env, "read", challenge)

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.exchangeCode(context.Background(), code, verifier); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful redemptions = %d, want 1", successes)
	}
}

func TestServer_ClientCredentials(t *testing.T) {
	env := setupTestServer(t, WithRefreshTokens(false))
	ctx := context.Background()

	resp, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: env.creds()})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.Scope != "read" {
		t.Errorf("Scope = %q, want default scope %q", resp.Scope, "read")
	}
	if resp.RefreshToken != "" {
		t.Error("client credentials must not issue a refresh token")
	}

	_, err = env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: env.creds(), Scope: "read delete"})
	requireOAuthError(t, err, ErrorCodeInvalidScope)

	_, err = env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials"})
	requireOAuthError(t, err, ErrorCodeInvalidClient)

	_, err = env.srv.Token(ctx, &TokenRequest{GrantType: "urn:example:unknown", Credentials: env.creds()})
	requireOAuthError(t, err, ErrorCodeUnsupportedGrantType)

	_, err = env.srv.Token(ctx, &TokenRequest{Credentials: env.creds()})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestServer_ClientCredentialsRestrictedApplication(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	app := testutil.GenerateTestApplication("restricted", "secret")
	app.GrantFlows = []string{"authorization_code"}
	app.Scopes = []string{"read"}
	env.addApplication(t, app)
	creds := clientauth.Credentials{UID: "restricted", Secret: "secret"}

	_, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: creds})
	requireOAuthError(t, err, ErrorCodeUnauthorizedClient)

	app.GrantFlows = nil
	env.addApplication(t, app)
	_, err = env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: creds, Scope: "write"})
	requireOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestServer_BlankScopeWithoutUsableDefaults(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	app := testutil.GenerateTestApplication("writer", "secret")
	app.Scopes = []string{"write"}
	env.addApplication(t, app)
	creds := clientauth.Credentials{UID: "writer", Secret: "secret"}

	_, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: creds})
	requireOAuthError(t, err, ErrorCodeInvalidScope)

	pre, err := env.srv.PreAuthorize(ctx, AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "writer",
		RedirectURI:  app.RedirectURIs[0],
	})
	oe := requireOAuthError(t, err, ErrorCodeInvalidScope)
	if pre.ErrorRedirect(oe) == nil {
		t.Error("ErrorRedirect() = nil, want redirect to the client")
	}

	resp, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: creds, Scope: "write"})
	if err != nil {
		t.Fatalf("Token() with explicit scope error = %v", err)
	}
	if resp.Scope != "write" {
		t.Errorf("Scope = %q, want %q", resp.Scope, "write")
	}
}

func TestServer_TokenReuse(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		advance   time.Duration
		wantReuse bool
	}{
		{
			name:      "reuse disabled",
			wantReuse: false,
		},
		{
			name:      "reuse enabled",
			opts:      []Option{WithReuseAccessToken(100)},
			advance:   time.Hour,
			wantReuse: true,
		},
		{
			name:      "reuse limit not reached",
			opts:      []Option{WithReuseAccessToken(50)},
			advance:   59 * time.Minute,
			wantReuse: true,
		},
		{
			name:      "reuse limit exceeded",
			opts:      []Option{WithReuseAccessToken(50)},
			advance:   61 * time.Minute,
			wantReuse: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.opts...)
			ctx := context.Background()
			req := &TokenRequest{GrantType: "password", Credentials: env.creds(), Username: testUsername, Password: testPassword}

			first, err := env.srv.Token(ctx, req)
			if err != nil {
				t.Fatalf("first Token() error = %v", err)
			}
			env.clock.Advance(tt.advance)
			second, err := env.srv.Token(ctx, req)
			if err != nil {
				t.Fatalf("second Token() error = %v", err)
			}

			if reused := first.AccessToken == second.AccessToken; reused != tt.wantReuse {
				t.Errorf("token reused = %v, want %v", reused, tt.wantReuse)
			}
		})
	}
}

func TestServer_Password(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		withClient bool
		username   string
		password   string
		wantCode   string
	}{
		{
			name:       "valid credentials",
			withClient: true,
			username:   testUsername,
			password:   testPassword,
		},
		{
			name:     "without client",
			username: testUsername,
			password: testPassword,
		},
		{
			name:       "wrong password",
			withClient: true,
			username:   testUsername,
			password:   "nope",
			wantCode:   ErrorCodeInvalidGrant,
		},
		{
			name:       "missing password",
			withClient: true,
			username:   testUsername,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:     "client required",
			opts:     []Option{WithConfig(func(c *Config) { c.PasswordRequiresClient = true })},
			username: testUsername,
			password: testPassword,
			wantCode: ErrorCodeInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.opts...)
			req := &TokenRequest{GrantType: "password", Username: tt.username, Password: tt.password}
			if tt.withClient {
				req.Credentials = env.creds()
			}

			resp, err := env.srv.Token(context.Background(), req)
			if tt.wantCode != "" {
				requireOAuthError(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			token, err := env.srv.AuthenticateToken(context.Background(), resp.AccessToken)
			if err != nil {
				t.Fatalf("AuthenticateToken() error = %v", err)
			}
			if token.ResourceOwnerID != testOwnerID {
				t.Errorf("ResourceOwnerID = %q, want %q", token.ResourceOwnerID, testOwnerID)
			}
		})
	}
}

func TestServer_PasswordWithoutAuthenticator(t *testing.T) {
	env := setupTestServer(t)
	env.srv.SetPasswordAuthenticator(nil)

	_, err := env.srv.Token(context.Background(), &TokenRequest{
		GrantType: "password", Credentials: env.creds(), Username: testUsername, Password: testPassword,
	})
	requireOAuthError(t, err, ErrorCodeServerError)
}

func (e *testEnv) passwordToken(t *testing.T) *TokenResponse {
	t.Helper()
	resp, err := e.srv.Token(context.Background(), &TokenRequest{
		GrantType: "password", Credentials: e.creds(), Username: testUsername, Password: testPassword, Scope: "read write",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.RefreshToken == "" {
		t.Fatal("Token() issued no refresh token")
	}
	return resp
}

func (e *testEnv) refresh(refreshToken, scope string) (*TokenResponse, error) {
	return e.srv.Token(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		Credentials:  e.creds(),
		RefreshToken: refreshToken,
		Scope:        scope,
	})
}

func TestServer_RefreshTokenRotation(t *testing.T) {
	env := setupTestServer(t, WithRefreshTokens(false))
	ctx := context.Background()
	original := env.passwordToken(t)

	env.clock.Advance(3 * time.Hour)
	refreshed, err := env.refresh(original.RefreshToken, "")
	if err != nil {
		t.Fatalf("refresh Token() error = %v", err)
	}
	if refreshed.AccessToken == original.AccessToken || refreshed.RefreshToken == original.RefreshToken {
		t.Error("refresh did not rotate the tokens")
	}
	if refreshed.Scope != original.Scope {
		t.Errorf("Scope = %q, want %q", refreshed.Scope, original.Scope)
	}

	// The rotated refresh token is spent; replaying it revokes the family.
	_, err = env.refresh(original.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = env.srv.AuthenticateToken(ctx, refreshed.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)
	if !testutil.ContainsAuditEvent(env.logs.String(), security.EventRefreshTokenReuseDetected) {
		t.Errorf("expected %s audit event in logs", security.EventRefreshTokenReuseDetected)
	}
}

func TestServer_RefreshTokenErrors(t *testing.T) {
	tests := []struct {
		name     string
		refresh  func(t *testing.T, env *testEnv, original *TokenResponse) error
		wantCode string
	}{
		{
			name: "narrower scope",
			refresh: func(_ *testing.T, env *testEnv, original *TokenResponse) error {
				_, err := env.refresh(original.RefreshToken, "read")
				return err
			},
		},
		{
			name: "scope escalation",
			refresh: func(_ *testing.T, env *testEnv, original *TokenResponse) error {
				_, err := env.refresh(original.RefreshToken, "read admin")
				return err
			},
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name: "missing refresh token",
			refresh: func(_ *testing.T, env *testEnv, _ *TokenResponse) error {
				_, err := env.refresh("", "")
				return err
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown refresh token",
			refresh: func(_ *testing.T, env *testEnv, _ *TokenResponse) error {
				_, err := env.refresh("unknown", "")
				return err
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "other client",
			refresh: func(t *testing.T, env *testEnv, original *TokenResponse) error {
				env.addApplication(t, testutil.GenerateTestApplication("other", "other-secret"))
				_, err := env.srv.Token(context.Background(), &TokenRequest{
					GrantType:    "refresh_token",
					Credentials:  clientauth.Credentials{UID: "other", Secret: "other-secret"},
					RefreshToken: original.RefreshToken,
				})
				return err
			},
			wantCode: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, WithRefreshTokens(false))
			original := env.passwordToken(t)

			err := tt.refresh(t, env, original)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("refresh error = %v", err)
				}
				return
			}
			requireOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestServer_RefreshTokenRevokedOnUse(t *testing.T) {
	env := setupTestServer(t, WithRefreshTokens(true))
	ctx := context.Background()
	original := env.passwordToken(t)

	refreshed, err := env.refresh(original.RefreshToken, "")
	if err != nil {
		t.Fatalf("refresh Token() error = %v", err)
	}

	// The old token stays usable until the new one is used.
	if _, err := env.srv.AuthenticateToken(ctx, original.AccessToken); err != nil {
		t.Fatalf("AuthenticateToken(original) error = %v", err)
	}
	if _, err := env.srv.AuthenticateToken(ctx, refreshed.AccessToken); err != nil {
		t.Fatalf("AuthenticateToken(refreshed) error = %v", err)
	}
	_, err = env.srv.AuthenticateToken(ctx, original.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)

	stored, err := env.store.GetAccessToken(ctx, refreshed.AccessToken)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if stored.PreviousRefreshToken != "" {
		t.Error("PreviousRefreshToken was not cleared after first use")
	}
}

func TestServer_RefreshTokenRevokedOnUseReplay(t *testing.T) {
	env := setupTestServer(t, WithRefreshTokens(true))
	ctx := context.Background()
	original := env.passwordToken(t)

	refreshed, err := env.refresh(original.RefreshToken, "")
	if err != nil {
		t.Fatalf("refresh Token() error = %v", err)
	}

	// The successor has not been used yet, so the original access token is
	// still live, but its refresh token was spent.
	_, err = env.refresh(original.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	for name, token := range map[string]string{
		"original":  original.AccessToken,
		"refreshed": refreshed.AccessToken,
	} {
		if _, err := env.srv.AuthenticateToken(ctx, token); err == nil {
			t.Errorf("AuthenticateToken(%s) succeeded after refresh token replay", name)
		}
	}
	if !testutil.ContainsAuditEvent(env.logs.String(), security.EventRefreshTokenReuseDetected) {
		t.Errorf("expected %s audit event in logs", security.EventRefreshTokenReuseDetected)
	}
}

func TestServer_AccessTokenExpiry(t *testing.T) {
	env := setupTestServer(t, WithAccessTokenExpiresIn(time.Hour))
	ctx := context.Background()

	resp, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: env.creds()})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	env.clock.Advance(time.Hour - time.Second)
	if _, err := env.srv.AuthenticateToken(ctx, resp.AccessToken); err != nil {
		t.Errorf("AuthenticateToken() before expiry error = %v", err)
	}
	env.clock.Advance(2 * time.Second)
	_, err = env.srv.AuthenticateToken(ctx, resp.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestServer_AuthenticateTokenScopes(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resp, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: env.creds(), Scope: "read"})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	_, err = env.srv.AuthenticateToken(ctx, resp.AccessToken, "write")
	oe := requireOAuthError(t, err, ErrorCodeInsufficientScope)
	if oe.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want %d", oe.Status, http.StatusForbidden)
	}

	_, err = env.srv.AuthenticateToken(ctx, "")
	requireOAuthError(t, err, ErrorCodeInvalidToken)
}

var userCodePattern = regexp.MustCompile(`^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`)

func (e *testEnv) pollDevice(deviceCode string) (*TokenResponse, error) {
	return e.srv.Token(context.Background(), &TokenRequest{
		GrantType:   "urn:ietf:params:oauth:grant-type:device_code",
		Credentials: e.creds(),
		DeviceCode:  deviceCode,
	})
}

func TestServer_DeviceFlow(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	device, err := env.srv.DeviceAuthorization(ctx, env.app, "read")
	if err != nil {
		t.Fatalf("DeviceAuthorization() error = %v", err)
	}
	if !userCodePattern.MatchString(device.UserCode) {
		t.Errorf("UserCode = %q, want format 4w-4w", device.UserCode)
	}
	if device.Interval != 5 || device.ExpiresIn != 300 {
		t.Errorf("Interval, ExpiresIn = %d, %d, want 5, 300", device.Interval, device.ExpiresIn)
	}
	if device.VerificationURI != "https://auth.example.com/oauth/device/verify" {
		t.Errorf("VerificationURI = %q", device.VerificationURI)
	}
	if !strings.Contains(device.VerificationURIComplete, "user_code="+url.QueryEscape(device.UserCode)) {
		t.Errorf("VerificationURIComplete = %q, want user_code", device.VerificationURIComplete)
	}

	_, err = env.pollDevice(device.DeviceCode)
	requireOAuthError(t, err, ErrorCodeAuthorizationPending)

	_, err = env.pollDevice(device.DeviceCode)
	requireOAuthError(t, err, ErrorCodeSlowDown)

	grant, app, err := env.srv.DeviceGrant(ctx, strings.ToLower(device.UserCode))
	if err != nil {
		t.Fatalf("DeviceGrant() error = %v", err)
	}
	if app.UID != testClientUID || grant.Approved() {
		t.Errorf("DeviceGrant() = app %q approved %v", app.UID, grant.Approved())
	}

	if err := env.srv.ApproveDevice(ctx, device.UserCode, testOwnerID); err != nil {
		t.Fatalf("ApproveDevice() error = %v", err)
	}
	env.clock.Advance(5 * time.Second)

	resp, err := env.pollDevice(device.DeviceCode)
	if err != nil {
		t.Fatalf("pollDevice() error = %v", err)
	}
	token, err := env.srv.AuthenticateToken(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateToken() error = %v", err)
	}
	if token.ResourceOwnerID != testOwnerID {
		t.Errorf("ResourceOwnerID = %q, want %q", token.ResourceOwnerID, testOwnerID)
	}

	env.clock.Advance(5 * time.Second)
	_, err = env.pollDevice(device.DeviceCode)
	requireOAuthError(t, err, ErrorCodeAccessDenied)
}

func TestServer_DeviceFlowErrors(t *testing.T) {
	tests := []struct {
		name     string
		act      func(t *testing.T, env *testEnv, device *DeviceResponse) error
		wantCode string
	}{
		{
			name: "denied",
			act: func(t *testing.T, env *testEnv, device *DeviceResponse) error {
				if err := env.srv.DenyDevice(context.Background(), device.UserCode); err != nil {
					t.Fatalf("DenyDevice() error = %v", err)
				}
				_, err := env.pollDevice(device.DeviceCode)
				return err
			},
			wantCode: ErrorCodeAccessDenied,
		},
		{
			name: "expired",
			act: func(_ *testing.T, env *testEnv, device *DeviceResponse) error {
				env.clock.Advance(DefaultDeviceCodeExpiresIn + time.Second)
				_, err := env.pollDevice(device.DeviceCode)
				return err
			},
			wantCode: ErrorCodeExpiredToken,
		},
		{
			name: "approve expired",
			act: func(_ *testing.T, env *testEnv, device *DeviceResponse) error {
				env.clock.Advance(DefaultDeviceCodeExpiresIn + time.Second)
				return env.srv.ApproveDevice(context.Background(), device.UserCode, testOwnerID)
			},
			wantCode: ErrorCodeExpiredToken,
		},
		{
			name: "approve twice",
			act: func(t *testing.T, env *testEnv, device *DeviceResponse) error {
				if err := env.srv.ApproveDevice(context.Background(), device.UserCode, testOwnerID); err != nil {
					t.Fatalf("ApproveDevice() error = %v", err)
				}
				return env.srv.ApproveDevice(context.Background(), device.UserCode, testOwnerID)
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown user code",
			act: func(_ *testing.T, env *testEnv, _ *DeviceResponse) error {
				return env.srv.ApproveDevice(context.Background(), "BBBB-BBBB", testOwnerID)
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "unknown device code",
			act: func(_ *testing.T, env *testEnv, _ *DeviceResponse) error {
				_, err := env.pollDevice("unknown")
				return err
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "other client polls",
			act: func(t *testing.T, env *testEnv, device *DeviceResponse) error {
				env.addApplication(t, testutil.GenerateTestApplication("other", "other-secret"))
				_, err := env.srv.Token(context.Background(), &TokenRequest{
					GrantType:   "urn:ietf:params:oauth:grant-type:device_code",
					Credentials: clientauth.Credentials{UID: "other", Secret: "other-secret"},
					DeviceCode:  device.DeviceCode,
				})
				return err
			},
			wantCode: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			device, err := env.srv.DeviceAuthorization(context.Background(), env.app, "")
			if err != nil {
				t.Fatalf("DeviceAuthorization() error = %v", err)
			}
			requireOAuthError(t, tt.act(t, env, device), tt.wantCode)
		})
	}
}

func TestServer_DeviceAuthorizationDisabled(t *testing.T) {
	env := setupTestServer(t, WithGrantFlows("authorization_code"))

	_, err := env.srv.DeviceAuthorization(context.Background(), env.app, "")
	requireOAuthError(t, err, ErrorCodeUnsupportedGrantType)

	_, err = env.srv.DeviceAuthorization(context.Background(), nil, "")
	requireOAuthError(t, err, ErrorCodeInvalidClient)
}

func TestServer_ImplicitFlow(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	pre, err := env.srv.PreAuthorize(ctx, AuthorizationRequest{
		ResponseType: "token",
		ClientID:     testClientUID,
		RedirectURI:  testRedirectURI,
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("PreAuthorize() error = %v", err)
	}
	redirect, err := env.srv.Authorize(ctx, pre, testOwnerID)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	loc, err := url.Parse(redirect.Location())
	if err != nil {
		t.Fatalf("Location() = %q: %v", redirect.Location(), err)
	}
	fragment, err := url.ParseQuery(loc.Fragment)
	if err != nil {
		t.Fatalf("fragment %q: %v", loc.Fragment, err)
	}
	if fragment.Get("access_token") == "" || fragment.Get("token_type") != TokenTypeBearer || fragment.Get("state") != "xyz" {
		t.Errorf("fragment = %v, want access_token, token_type and state", fragment)
	}
	if loc.RawQuery != "" {
		t.Errorf("query = %q, want none", loc.RawQuery)
	}
}

func TestServer_PreAuthorizeErrors(t *testing.T) {
	tests := []struct {
		name         string
		opts         []Option
		req          AuthorizationRequest
		wantCode     string
		wantRedirect bool
	}{
		{
			name:     "missing client_id",
			req:      AuthorizationRequest{ResponseType: "code"},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown client",
			req:      AuthorizationRequest{ResponseType: "code", ClientID: "nobody", RedirectURI: testRedirectURI},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect_uri",
			req:      AuthorizationRequest{ResponseType: "code", ClientID: testClientUID, RedirectURI: "https://evil.example.com/cb"},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:         "unsupported response_type",
			req:          AuthorizationRequest{ResponseType: "id_token", ClientID: testClientUID, RedirectURI: testRedirectURI},
			wantCode:     ErrorCodeUnsupportedResponseType,
			wantRedirect: true,
		},
		{
			name:         "missing response_type",
			req:          AuthorizationRequest{ClientID: testClientUID},
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "invalid scope",
			req:          AuthorizationRequest{ResponseType: "code", ClientID: testClientUID, RedirectURI: testRedirectURI, Scope: "read root"},
			wantCode:     ErrorCodeInvalidScope,
			wantRedirect: true,
		},
		{
			name: "default scope not allowed for grant type",
			opts: []Option{WithConfig(func(c *Config) {
				c.ScopesByGrantType = map[string][]string{"authorization_code": {"write"}}
			})},
			req:          AuthorizationRequest{ResponseType: "code", ClientID: testClientUID, RedirectURI: testRedirectURI},
			wantCode:     ErrorCodeInvalidScope,
			wantRedirect: true,
		},
		{
			name:         "plain PKCE not allowed",
			req:          AuthorizationRequest{ResponseType: "code", ClientID: testClientUID, RedirectURI: testRedirectURI, CodeChallenge: "abc", CodeChallengeMethod: "plain"},
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "resource with fragment",
			req:          AuthorizationRequest{ResponseType: "code", ClientID: testClientUID, RedirectURI: testRedirectURI, Resources: []string{"https://api.example.com#x"}},
			wantCode:     ErrorCodeInvalidTarget,
			wantRedirect: true,
		},
		{
			name:         "response_mode not supported",
			req:          AuthorizationRequest{ResponseType: "token", ClientID: testClientUID, RedirectURI: testRedirectURI, ResponseMode: "query"},
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.opts...)
			tt.req.State = "s1"

			pre, err := env.srv.PreAuthorize(context.Background(), tt.req)
			oe := requireOAuthError(t, err, tt.wantCode)
			if oe.State != "s1" {
				t.Errorf("State = %q, want %q", oe.State, "s1")
			}

			redirect := pre.ErrorRedirect(oe)
			if (redirect != nil) != tt.wantRedirect {
				t.Fatalf("ErrorRedirect() = %v, want redirect %v", redirect, tt.wantRedirect)
			}
			if redirect != nil {
				loc := redirect.Location()
				if !strings.Contains(loc, "error="+tt.wantCode) || !strings.Contains(loc, "state=s1") {
					t.Errorf("Location() = %q, want error and state", loc)
				}
			}
		})
	}
}

func TestServer_ForcePKCEForPublicClients(t *testing.T) {
	env := setupTestServer(t, WithPKCE(true, false))
	env.addApplication(t, testutil.GenerateTestPublicApplication("public"))
	ctx := context.Background()

	req := AuthorizationRequest{ResponseType: "code", ClientID: "public", RedirectURI: "http://127.0.0.1:53312/callback"}
	_, err := env.srv.PreAuthorize(ctx, req)
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
	if !testutil.ContainsAuditEvent(env.logs.String(), security.EventPKCERequiredForPublicClient) {
		t.Errorf("expected %s audit event", security.EventPKCERequiredForPublicClient)
	}

	challenge, _ := testutil.GeneratePKCEPair()
	req.CodeChallenge = challenge
	req.CodeChallengeMethod = PKCEMethodS256
	pre, err := env.srv.PreAuthorize(ctx, req)
	if err != nil {
		t.Fatalf("PreAuthorize() with PKCE error = %v", err)
	}
	if pre.RedirectURI != "http://127.0.0.1:53312/callback" {
		t.Errorf("RedirectURI = %q, want the requested loopback URI", pre.RedirectURI)
	}
}

func TestServer_Deny(t *testing.T) {
	env := setupTestServer(t)
	pre, err := env.srv.PreAuthorize(context.Background(), AuthorizationRequest{
		ResponseType: "code", ClientID: testClientUID, State: "s2",
	})
	if err != nil {
		t.Fatalf("PreAuthorize() error = %v", err)
	}

	redirect := env.srv.Deny(pre)
	want := testRedirectURI + "?error=access_denied&error_description=the+resource+owner+denied+the+request&state=s2"
	if got := redirect.Location(); got != want {
		t.Errorf("Location() = %q, want %q", got, want)
	}

	_, err = env.srv.Authorize(context.Background(), pre, "")
	requireOAuthError(t, err, ErrorCodeAccessDenied)
}

func TestServer_NativeRedirectURIRendersInBand(t *testing.T) {
	env := setupTestServer(t)
	app := testutil.GenerateTestApplication("native", "secret")
	app.RedirectURIs = []string{NativeRedirectURI}
	env.addApplication(t, app)

	pre, err := env.srv.PreAuthorize(context.Background(), AuthorizationRequest{
		ResponseType: "code", ClientID: "native", RedirectURI: NativeRedirectURI,
	})
	if err != nil {
		t.Fatalf("PreAuthorize() error = %v", err)
	}
	redirect, err := env.srv.Authorize(context.Background(), pre, testOwnerID)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !redirect.InBand || redirect.Params.Get("code") == "" {
		t.Errorf("redirect = %+v, want in-band code", redirect)
	}
}

func TestServer_RevokeAndIntrospect(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	other := env.addApplication(t, testutil.GenerateTestApplication("other", "other-secret"))

	resp, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: env.creds(), Resources: []string{"https://api.example.com"}})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	info, err := env.srv.Introspect(ctx, env.app, resp.AccessToken, "")
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if !info.Active || info.ClientID != testClientUID || info.Scope != "read" || info.Iss != "https://auth.example.com" {
		t.Errorf("Introspect() = %+v", info)
	}
	if len(info.Aud) != 1 || info.Aud[0] != "https://api.example.com" {
		t.Errorf("Aud = %v, want the resource indicator", info.Aud)
	}
	if info.Exp != testEpoch.Add(DefaultAccessTokenExpiresIn).Unix() {
		t.Errorf("Exp = %d, want %d", info.Exp, testEpoch.Add(DefaultAccessTokenExpiresIn).Unix())
	}

	info, err = env.srv.Introspect(ctx, other, resp.AccessToken, "")
	if err != nil {
		t.Fatalf("Introspect() by other error = %v", err)
	}
	if info.Active {
		t.Error("token of another client introspected as active")
	}

	err = env.srv.Revoke(ctx, other, resp.AccessToken, "", "192.0.2.1")
	oe := requireOAuthError(t, err, ErrorCodeUnauthorizedClient)
	if oe.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want %d", oe.Status, http.StatusForbidden)
	}

	if err := env.srv.Revoke(ctx, env.app, resp.AccessToken, TokenTypeHintRefreshToken, "192.0.2.1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := env.srv.Revoke(ctx, env.app, resp.AccessToken, "", ""); err != nil {
		t.Errorf("second Revoke() error = %v, want nil", err)
	}
	if err := env.srv.Revoke(ctx, env.app, "unknown-token", "", ""); err != nil {
		t.Errorf("Revoke(unknown) error = %v, want nil", err)
	}

	_, err = env.srv.AuthenticateToken(ctx, resp.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)

	info, err = env.srv.Introspect(ctx, env.app, resp.AccessToken, "")
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if info.Active {
		t.Error("revoked token introspected as active")
	}
	if !testutil.ContainsAuditEvent(env.logs.String(), security.EventTokenRevoked) {
		t.Errorf("expected %s audit event", security.EventTokenRevoked)
	}
}

func TestServer_RevokeByRefreshToken(t *testing.T) {
	env := setupTestServer(t, WithRefreshTokens(false))
	ctx := context.Background()
	resp := env.passwordToken(t)

	if err := env.srv.Revoke(ctx, env.app, resp.RefreshToken, "", ""); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	_, err := env.refresh(resp.RefreshToken, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestServer_RevokePreviousClientCredentialsToken(t *testing.T) {
	env := setupTestServer(t, WithConfig(func(c *Config) { c.RevokePreviousClientCredentialsToken = true }))
	ctx := context.Background()
	req := &TokenRequest{GrantType: "client_credentials", Credentials: env.creds()}

	first, err := env.srv.Token(ctx, req)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if _, err := env.srv.Token(ctx, req); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	_, err = env.srv.AuthenticateToken(ctx, first.AccessToken)
	requireOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestServer_Cleanup(t *testing.T) {
	env := setupTestServer(t, WithAccessTokenExpiresIn(time.Minute))
	ctx := context.Background()

	resp, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: env.creds()})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	env.clock.Advance(2 * time.Minute)
	if n, err := env.srv.Cleanup(ctx, time.Hour); err != nil || n != 0 {
		t.Errorf("Cleanup() = %d, %v, want 0, nil", n, err)
	}

	env.clock.Advance(2 * time.Hour)
	n, err := env.srv.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup() = %d, want 1", n)
	}
	if _, err := env.store.GetAccessToken(ctx, resp.AccessToken); err == nil {
		t.Error("stale token still stored after Cleanup()")
	}
}

func TestServer_HashedTokensWithPlainFallback(t *testing.T) {
	env := setupTestServer(t,
		WithSecretStrategies("sha256", "plain"),
		WithConfig(func(c *Config) { c.FallbackToPlainSecrets = true }),
	)
	ctx := context.Background()

	resp, err := env.srv.Token(ctx, &TokenRequest{GrantType: "client_credentials", Credentials: env.creds()})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if _, err := env.store.GetAccessToken(ctx, resp.AccessToken); err == nil {
		t.Error("token stored in plain text with the sha256 strategy")
	}
	if _, err := env.srv.AuthenticateToken(ctx, resp.AccessToken); err != nil {
		t.Errorf("AuthenticateToken() error = %v", err)
	}

	// A token stored before hashing was enabled.
	legacy := &storage.AccessToken{
		Lifetime:      storage.Lifetime{CreatedAt: env.clock.Now(), ExpiresIn: time.Hour},
		Token:         "legacy-plain-token",
		ApplicationID: env.app.ID,
	}
	if err := env.store.CreateAccessToken(ctx, legacy); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	if _, err := env.srv.AuthenticateToken(ctx, "legacy-plain-token"); err != nil {
		t.Errorf("AuthenticateToken(legacy) error = %v", err)
	}
}
