package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-server/clientauth"
	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/scopes"
	"github.com/giantswarm/oauth-server/secret"
)

const (
	// DefaultAccessTokenExpiresIn is the access token lifetime.
	DefaultAccessTokenExpiresIn = 2 * time.Hour

	// DefaultAuthorizationCodeExpiresIn is the authorization code lifetime.
	DefaultAuthorizationCodeExpiresIn = 10 * time.Minute

	// DefaultDeviceCodeExpiresIn is the device grant lifetime.
	DefaultDeviceCodeExpiresIn = 5 * time.Minute

	// DefaultDevicePollingInterval is the minimum time between device polls.
	DefaultDevicePollingInterval = 5 * time.Second

	// DefaultTokenReuseLimit lets a token be reused until it expires.
	DefaultTokenReuseLimit = 100

	// NativeRedirectURI is the out-of-band redirect URI for native apps.
	NativeRedirectURI = "urn:ietf:wg:oauth:2.0:oob"

	// DefaultRealm is used in WWW-Authenticate challenges.
	DefaultRealm = "OAuth"
)

// DefaultGrantFlows are enabled when Config.GrantFlows is empty.
var DefaultGrantFlows = []string{grantflow.AuthorizationCode, grantflow.ClientCredentials}

// Config holds the authorization server configuration. It is built once at
// startup and shared by reference; treat it as read-only afterwards. Zero
// durations and empty names mean the documented defaults. Booleans do not
// have that luxury, so build configs with NewConfig to get
// AllowRedirectURIQuery enabled.
type Config struct {
	// Issuer identifies the server, e.g. "https://auth.example.com".
	Issuer string

	// Realm is sent in WWW-Authenticate challenges (default: "OAuth").
	Realm string

	// DefaultScopes are granted when a request names no scope.
	DefaultScopes []string

	// OptionalScopes may be requested in addition to DefaultScopes.
	OptionalScopes []string

	// ScopesByGrantType restricts the scopes each grant type may request.
	ScopesByGrantType map[string][]string

	// DynamicScopeDelimiter enables dynamic scopes such as "user:*" when set.
	DynamicScopeDelimiter string

	// AccessTokenExpiresIn is the access token lifetime (default: 2h).
	// A negative value issues tokens that never expire.
	AccessTokenExpiresIn time.Duration

	AuthorizationCodeExpiresIn time.Duration // default: 10m
	DeviceCodeExpiresIn        time.Duration // default: 5m

	// ReuseAccessToken hands out an existing token with the same scopes
	// instead of issuing a new one. It needs a restorable token strategy.
	ReuseAccessToken bool

	// TokenReuseLimit is the share of its lifetime, in percent, a token may
	// have used up and still be reused (1-100, default 100).
	TokenReuseLimit int

	// UseRefreshToken issues refresh tokens (never for client credentials).
	UseRefreshToken bool

	// RefreshTokenRevokedOnUse keeps a refreshed token valid until the new
	// access token is first used, instead of revoking it immediately.
	RefreshTokenRevokedOnUse bool

	WildcardRedirectURI   bool
	ForceSSLInRedirectURI bool
	AllowRedirectURIQuery bool

	// NativeRedirectURI is the out-of-band URI rendered in-band
	// (default: "urn:ietf:wg:oauth:2.0:oob").
	NativeRedirectURI string

	// GrantFlows lists the enabled flows and aliases
	// (default: authorization_code, client_credentials).
	GrantFlows []string

	// TokenSecretStrategy and ApplicationSecretStrategy name the secret
	// storing strategies (default: plain). bcrypt is only valid for
	// application secrets.
	TokenSecretStrategy       string
	ApplicationSecretStrategy string

	// EncryptionKey is the 32-byte AES key of the encrypted strategy.
	EncryptionKey []byte

	// FallbackToPlainSecrets accepts values stored before a hashing
	// strategy was introduced.
	FallbackToPlainSecrets bool

	DevicePollingInterval time.Duration // default: 5s

	// UserCodeFormat shapes device user codes (default: "4w-4w").
	UserCodeFormat string

	// VerificationURI is where users enter device user codes.
	VerificationURI string

	// ForcePKCE requires a code challenge from public clients.
	ForcePKCE bool

	// AllowPKCEPlain accepts the "plain" code challenge method.
	AllowPKCEPlain bool

	// PasswordRequiresClient rejects password grants without client credentials.
	PasswordRequiresClient bool

	RevokePreviousClientCredentialsToken bool
	RevokePreviousAuthorizationCodeToken bool

	// ClientAuthMethods lists client authentication methods in the order
	// they are tried (default: client_secret_basic, client_secret_post, none).
	ClientAuthMethods []string

	// TokenGenerator is the token encoding: "hex" (default) or "urlsafe".
	TokenGenerator string

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time
}

// Option configures a Config.
type Option func(*Config)

// NewConfig returns a validated config with defaults applied.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{AllowRedirectURIQuery: true}
	for _, opt := range opts {
		opt(c)
	}
	applyDefaults(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func WithIssuer(issuer string) Option { return func(c *Config) { c.Issuer = issuer } }

func WithDefaultScopes(s ...string) Option { return func(c *Config) { c.DefaultScopes = s } }

func WithOptionalScopes(s ...string) Option { return func(c *Config) { c.OptionalScopes = s } }

func WithGrantFlows(names ...string) Option { return func(c *Config) { c.GrantFlows = names } }

func WithAccessTokenExpiresIn(d time.Duration) Option {
	return func(c *Config) { c.AccessTokenExpiresIn = d }
}

// WithReuseAccessToken enables token reuse with the given limit in percent.
func WithReuseAccessToken(limit int) Option {
	return func(c *Config) {
		c.ReuseAccessToken = true
		c.TokenReuseLimit = limit
	}
}

// WithRefreshTokens enables refresh tokens. With revokedOnUse a refreshed
// token stays valid until its successor is first used.
func WithRefreshTokens(revokedOnUse bool) Option {
	return func(c *Config) {
		c.UseRefreshToken = true
		c.RefreshTokenRevokedOnUse = revokedOnUse
	}
}

// WithSecretStrategies selects the token and application secret strategies.
func WithSecretStrategies(token, application string) Option {
	return func(c *Config) {
		c.TokenSecretStrategy = token
		c.ApplicationSecretStrategy = application
	}
}

func WithEncryptionKey(key []byte) Option { return func(c *Config) { c.EncryptionKey = key } }

func WithPKCE(force, allowPlain bool) Option {
	return func(c *Config) {
		c.ForcePKCE = force
		c.AllowPKCEPlain = allowPlain
	}
}

func WithClock(now func() time.Time) Option { return func(c *Config) { c.Clock = now } }

func WithClientAuthMethods(names ...string) Option {
	return func(c *Config) { c.ClientAuthMethods = names }
}

// WithConfig applies fn to the config, for settings without a dedicated option.
func WithConfig(fn func(*Config)) Option { return fn }

// applyDefaults fills zero values with their defaults.
func applyDefaults(c *Config) {
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.AccessTokenExpiresIn == 0 {
		c.AccessTokenExpiresIn = DefaultAccessTokenExpiresIn
	}
	if c.AuthorizationCodeExpiresIn == 0 {
		c.AuthorizationCodeExpiresIn = DefaultAuthorizationCodeExpiresIn
	}
	if c.DeviceCodeExpiresIn == 0 {
		c.DeviceCodeExpiresIn = DefaultDeviceCodeExpiresIn
	}
	if c.DevicePollingInterval == 0 {
		c.DevicePollingInterval = DefaultDevicePollingInterval
	}
	if c.TokenReuseLimit == 0 {
		c.TokenReuseLimit = DefaultTokenReuseLimit
	}
	if c.NativeRedirectURI == "" {
		c.NativeRedirectURI = NativeRedirectURI
	}
	if len(c.GrantFlows) == 0 {
		c.GrantFlows = DefaultGrantFlows
	}
	if c.TokenSecretStrategy == "" {
		c.TokenSecretStrategy = secret.StrategyPlain
	}
	if c.ApplicationSecretStrategy == "" {
		c.ApplicationSecretStrategy = secret.StrategyPlain
	}
	if c.UserCodeFormat == "" {
		c.UserCodeFormat = secret.DefaultUserCodeFormat
	}
	if len(c.ClientAuthMethods) == 0 {
		c.ClientAuthMethods = clientauth.DefaultMethods
	}
	if c.TokenGenerator == "" {
		c.TokenGenerator = string(secret.EncodingHex)
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Validate reports configuration errors that would otherwise surface on the
// first request.
func (c *Config) Validate() error {
	if c.TokenReuseLimit < 1 || c.TokenReuseLimit > 100 {
		return fmt.Errorf("token reuse limit must be between 1 and 100, got %d", c.TokenReuseLimit)
	}
	if !secret.ValidUserCodeFormat(c.UserCodeFormat) {
		return fmt.Errorf("invalid user code format %q", c.UserCodeFormat)
	}
	switch secret.Encoding(c.TokenGenerator) {
	case secret.EncodingHex, secret.EncodingURLSafe:
	default:
		return fmt.Errorf("unknown token generator %q", c.TokenGenerator)
	}
	for _, name := range c.ClientAuthMethods {
		if _, err := clientauth.MethodByName(name); err != nil {
			return err
		}
	}

	needsKey := false
	for target, name := range map[secret.Target]string{
		secret.TargetToken:       c.TokenSecretStrategy,
		secret.TargetApplication: c.ApplicationSecretStrategy,
	} {
		if _, err := secret.FromName(name, target, nil); err != nil && name != secret.StrategyEncrypted {
			return fmt.Errorf("%s secret strategy: %w", target, err)
		}
		needsKey = needsKey || name == secret.StrategyEncrypted
	}
	if needsKey && len(c.EncryptionKey) == 0 {
		return errors.New("encrypted secret strategy requires an encryption key")
	}
	return nil
}

// Now returns the current time from the configured clock.
func (c *Config) Now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// Scopes returns every scope the server knows: defaults plus optional ones.
func (c *Config) Scopes() scopes.Set {
	return scopes.FromSlice(c.DefaultScopes).Union(scopes.FromSlice(c.OptionalScopes))
}

// Checker returns the scope checker for this configuration.
func (c *Config) Checker() scopes.Checker {
	checker := scopes.Checker{DynamicDelimiter: c.DynamicScopeDelimiter}
	if len(c.ScopesByGrantType) > 0 {
		checker.ByGrantType = make(map[string]scopes.Set, len(c.ScopesByGrantType))
		for grantType, allowed := range c.ScopesByGrantType {
			checker.ByGrantType[grantType] = scopes.FromSlice(allowed)
		}
	}
	return checker
}

// accessTokenExpiresIn is the lifetime stored on new tokens, zero for never.
func (c *Config) accessTokenExpiresIn() time.Duration {
	if c.AccessTokenExpiresIn < 0 {
		return 0
	}
	return c.AccessTokenExpiresIn
}

// logSecurityWarnings logs warnings for settings that weaken security.
func logSecurityWarnings(c *Config, logger *slog.Logger) {
	if c.TokenSecretStrategy == secret.StrategyPlain {
		logger.Warn("SECURITY WARNING: Tokens are stored in plain text",
			"recommendation", "Use the sha256 or encrypted token secret strategy",
			"risk", "A leaked store exposes usable bearer tokens")
	}
	if c.ApplicationSecretStrategy == secret.StrategyPlain {
		logger.Warn("SECURITY WARNING: Application secrets are stored in plain text",
			"recommendation", "Use the bcrypt application secret strategy")
	}
	if c.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is allowed",
			"recommendation", "Disable AllowPKCEPlain and require S256",
			"risk", "The plain method does not protect against intercepted codes")
	}
	if !c.ForcePKCE {
		logger.Warn("SECURITY WARNING: PKCE is optional for public clients",
			"recommendation", "Enable ForcePKCE")
	}
	if c.AccessTokenExpiresIn < 0 {
		logger.Warn("SECURITY WARNING: Access tokens never expire",
			"recommendation", "Set a positive AccessTokenExpiresIn")
	}
	if c.WildcardRedirectURI {
		logger.Warn("SECURITY WARNING: Wildcard redirect URIs are enabled",
			"risk", "Broad patterns allow codes to be sent to unintended hosts")
	}
	if c.FallbackToPlainSecrets {
		logger.Info("Plain text secret fallback is enabled; stored values are matched as plain text too")
	}
}
