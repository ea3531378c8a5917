package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oauth-server"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage"
)

const envPrefix = "OAUTHD"

// Store backends accepted by storage.backend.
const (
	backendMemory = "memory"
	backendRedis  = "redis"
)

type daemonConfig struct {
	Listen        string `mapstructure:"listen"`
	MetricsListen string `mapstructure:"metrics-listen"`

	Log struct {
		Format string `mapstructure:"format"`
		Level  string `mapstructure:"level"`
	} `mapstructure:"log"`

	Issuer         string   `mapstructure:"issuer"`
	DefaultScopes  []string `mapstructure:"default-scopes"`
	OptionalScopes []string `mapstructure:"optional-scopes"`
	GrantFlows     []string `mapstructure:"grant-flows"`

	AccessTokenExpiresIn time.Duration `mapstructure:"access-token-expires-in"`
	RefreshTokens        bool          `mapstructure:"refresh-tokens"`
	ReuseAccessToken     int           `mapstructure:"reuse-access-token"`
	ForcePKCE            bool          `mapstructure:"force-pkce"`

	TokenSecretStrategy       string `mapstructure:"token-secret-strategy"`
	ApplicationSecretStrategy string `mapstructure:"application-secret-strategy"`
	// EncryptionKey is base64 encoded.
	EncryptionKey string `mapstructure:"encryption-key"`

	// OwnerHeader names the header a fronting authentication proxy sets to
	// the signed-in user. Endpoints that need a resource owner are refused
	// when it is empty.
	OwnerHeader string `mapstructure:"owner-header"`

	TrustProxy        bool     `mapstructure:"trust-proxy"`
	TrustedProxyCount int      `mapstructure:"trusted-proxy-count"`
	CORSOrigins       []string `mapstructure:"cors-origins"`

	RateLimit struct {
		Rate  float64 `mapstructure:"rate"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate-limit"`

	Storage struct {
		Backend   string        `mapstructure:"backend"`
		Retention time.Duration `mapstructure:"retention"`
		Redis     struct {
			Addrs      []string `mapstructure:"addrs"`
			MasterName string   `mapstructure:"master-name"`
			Username   string   `mapstructure:"username"`
			Password   string   `mapstructure:"password"`
			DB         int      `mapstructure:"db"`
			KeyPrefix  string   `mapstructure:"key-prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"storage"`

	Telemetry struct {
		Enabled        bool   `mapstructure:"enabled"`
		TracesEndpoint string `mapstructure:"traces-endpoint"`
	} `mapstructure:"telemetry"`

	Applications []applicationConfig `mapstructure:"applications"`
}

// applicationConfig seeds an application at startup.
type applicationConfig struct {
	Name         string   `mapstructure:"name"`
	UID          string   `mapstructure:"uid"`
	Secret       string   `mapstructure:"secret"`
	SecretEnv    string   `mapstructure:"secret-env"`
	RedirectURIs []string `mapstructure:"redirect-uris"`
	Scopes       []string `mapstructure:"scopes"`
	Confidential bool     `mapstructure:"confidential"`
	GrantFlows   []string `mapstructure:"grant-flows"`
}

func (a applicationConfig) application() *storage.Application {
	return &storage.Application{
		Name:         a.Name,
		UID:          a.UID,
		RedirectURIs: a.RedirectURIs,
		Scopes:       a.Scopes,
		Confidential: a.Confidential,
		GrantFlows:   a.GrantFlows,
	}
}

func (a applicationConfig) secret() string {
	if a.SecretEnv != "" {
		return os.Getenv(a.SecretEnv)
	}
	return a.Secret
}

// bindFlags registers the serve flags and binds them to v, which also reads
// OAUTHD_* environment variables.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("listen", ":8080", "Address of the OAuth endpoints")
	fs.String("metrics-listen", ":9090", "Address of the Prometheus metrics endpoint (empty disables it)")
	fs.String("log.format", "json", "Log format: json or text")
	fs.String("log.level", "info", "Log level: debug, info, warn or error")
	fs.String("issuer", "", "Issuer URL of the authorization server")
	fs.StringSlice("default-scopes", nil, "Scopes granted when a request names none")
	fs.StringSlice("optional-scopes", nil, "Additional scopes clients may request")
	fs.StringSlice("grant-flows", []string{"authorization_code", "client_credentials"}, "Enabled grant flows")
	fs.Duration("access-token-expires-in", 2*time.Hour, "Access token lifetime")
	fs.Bool("refresh-tokens", false, "Issue refresh tokens")
	fs.Int("reuse-access-token", 0, "Reuse unexpired tokens up to this share of their lifetime in percent (0 disables reuse)")
	fs.Bool("force-pkce", false, "Require PKCE from public clients")
	fs.String("token-secret-strategy", "plain", "Token storing strategy: plain, sha256 or encrypted")
	fs.String("application-secret-strategy", "plain", "Client secret storing strategy: plain, sha256, bcrypt or encrypted")
	fs.String("encryption-key", "", "Base64 encoded 32-byte key of the encrypted strategy")
	fs.String("owner-header", "", "Header carrying the signed-in user set by an authenticating proxy")
	fs.Bool("trust-proxy", false, "Take client IPs from X-Forwarded-For")
	fs.Int("trusted-proxy-count", 0, "Number of trusted proxies in front of the server")
	fs.StringSlice("cors-origins", nil, "Origins allowed to call the endpoints from browsers")
	fs.Float64("rate-limit.rate", 10, "Requests per second per client IP (0 disables rate limiting)")
	fs.Int("rate-limit.burst", 20, "Rate limit burst size")
	fs.String("storage.backend", backendMemory, "Store backend: memory or redis")
	fs.Duration("storage.retention", 24*time.Hour, "How long revoked and expired records are kept")
	fs.StringSlice("storage.redis.addrs", nil, "Redis addresses")
	fs.String("storage.redis.master-name", "", "Redis Sentinel master name")
	fs.String("storage.redis.username", "", "Redis username")
	fs.String("storage.redis.password", "", "Redis password")
	fs.Int("storage.redis.db", 0, "Redis database")
	fs.String("storage.redis.key-prefix", "", "Redis key prefix")
	fs.Bool("telemetry.enabled", false, "Enable OpenTelemetry metrics and tracing")
	fs.String("telemetry.traces-endpoint", "", "OTLP/HTTP collector URL for traces")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(fs)
}

// loadConfig reads the optional config file and decodes the merged settings.
func loadConfig(v *viper.Viper, file string) (*daemonConfig, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg daemonConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *daemonConfig) validate() error {
	switch c.Storage.Backend {
	case backendMemory:
	case backendRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			return errors.New("storage.redis.addrs is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	for i, app := range c.Applications {
		if app.Name == "" {
			return fmt.Errorf("applications[%d]: name is required", i)
		}
	}
	return nil
}

// serverConfig maps the daemon settings onto the authorization server
// configuration.
func (c *daemonConfig) serverConfig() (*server.Config, error) {
	opts := []server.Option{
		server.WithIssuer(c.Issuer),
		server.WithDefaultScopes(c.DefaultScopes...),
		server.WithOptionalScopes(c.OptionalScopes...),
		server.WithGrantFlows(c.GrantFlows...),
		server.WithAccessTokenExpiresIn(c.AccessTokenExpiresIn),
		server.WithSecretStrategies(c.TokenSecretStrategy, c.ApplicationSecretStrategy),
		server.WithPKCE(c.ForcePKCE, false),
	}
	if c.RefreshTokens {
		opts = append(opts, server.WithRefreshTokens(false))
	}
	if c.ReuseAccessToken > 0 {
		opts = append(opts, server.WithReuseAccessToken(c.ReuseAccessToken))
	}
	if c.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		opts = append(opts, server.WithEncryptionKey(key))
	}
	return server.NewConfig(opts...)
}

// handlerConfig maps the daemon settings onto the HTTP adapter configuration.
func (c *daemonConfig) handlerConfig() *oauth.Config {
	cfg := &oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:  c.RateLimit.Rate,
			Burst: c.RateLimit.Burst,
		},
		CORS:              oauth.CORSConfig{AllowedOrigins: c.CORSOrigins},
		TrustProxy:        c.TrustProxy,
		TrustedProxyCount: c.TrustedProxyCount,
	}
	if c.OwnerHeader != "" {
		cfg.AuthenticateResourceOwner = oauth.TrustedHeaderOwner(c.OwnerHeader)
	}
	return cfg
}

// newLogger builds the process logger.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
