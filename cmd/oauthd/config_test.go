package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/oauth-server"
	"github.com/giantswarm/oauth-server/storage/memory"
)

const testConfigYAML = `
issuer: https://auth.example.com
default-scopes: [read]
optional-scopes: [write]
grant-flows: [authorization_code, client_credentials, device_code]
refresh-tokens: true
owner-header: X-Forwarded-User
storage:
  backend: memory
  retention: 1h
applications:
  - name: Dashboard
    uid: dashboard
    secret: s3cret
    confidential: true
    redirect-uris: [https://dashboard.example.com/callback]
  - name: CLI
    uid: cli
    grant-flows: [device_code]
`

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, bindFlags(v, fs))
	return v
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oauthd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	v := newTestViper(t)
	cfg, err := loadConfig(v, writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, []string{"read"}, cfg.DefaultScopes)
	assert.Equal(t, []string{"authorization_code", "client_credentials", "device_code"}, cfg.GrantFlows)
	assert.True(t, cfg.RefreshTokens)
	assert.Equal(t, time.Hour, cfg.Storage.Retention)
	assert.Equal(t, ":8080", cfg.Listen, "flag default")
	assert.Equal(t, 2*time.Hour, cfg.AccessTokenExpiresIn, "flag default")
	require.Len(t, cfg.Applications, 2)
	assert.Equal(t, "dashboard", cfg.Applications[0].UID)
	assert.True(t, cfg.Applications[0].Confidential)
	assert.Equal(t, []string{"device_code"}, cfg.Applications[1].GrantFlows)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("OAUTHD_ISSUER", "https://env.example.com")
	t.Setenv("OAUTHD_RATE_LIMIT_RATE", "2.5")
	t.Setenv("OAUTHD_LOG_LEVEL", "debug")

	cfg, err := loadConfig(newTestViper(t), "")
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.Issuer)
	assert.InDelta(t, 2.5, cfg.RateLimit.Rate, 0.0001)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "unknown backend",
			config:  "storage:\n  backend: etcd\n",
			wantErr: "unknown storage backend",
		},
		{
			name:    "redis without address",
			config:  "storage:\n  backend: redis\n",
			wantErr: "storage.redis.addrs is required",
		},
		{
			name:    "application without name",
			config:  "applications:\n  - uid: nameless\n",
			wantErr: "applications[0]: name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(newTestViper(t), writeConfig(t, tt.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig(t *testing.T) {
	cfg, err := loadConfig(newTestViper(t), writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	sc, err := cfg.serverConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", sc.Issuer)
	assert.True(t, sc.UseRefreshToken)
	assert.Equal(t, []string{"read", "write"}, sc.Scopes().Slice())

	cfg.EncryptionKey = "not base64!"
	_, err = cfg.serverConfig()
	assert.ErrorContains(t, err, "invalid encryption key")
}

func TestHandlerConfig(t *testing.T) {
	cfg, err := loadConfig(newTestViper(t), writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	hc := cfg.handlerConfig()
	assert.NotNil(t, hc.AuthenticateResourceOwner)
	assert.InDelta(t, 10.0, hc.RateLimit.Rate, 0.0001)
	assert.Equal(t, 20, hc.RateLimit.Burst)

	cfg.OwnerHeader = ""
	assert.Nil(t, cfg.handlerConfig().AuthenticateResourceOwner)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(io.Discard, "xml", "info")
	assert.ErrorContains(t, err, "invalid log format")
	_, err = newLogger(io.Discard, "text", "loud")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestSeedApplications(t *testing.T) {
	cfg, err := loadConfig(newTestViper(t), writeConfig(t, testConfigYAML))
	require.NoError(t, err)
	sc, err := cfg.serverConfig()
	require.NoError(t, err)

	store := memory.NewWithInterval(-1)
	defer store.Stop()

	var logs bytes.Buffer
	logger, err := newLogger(&logs, "text", "debug")
	require.NoError(t, err)
	srv, err := oauth.NewServer(store, sc, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, seedApplications(ctx, srv, cfg.Applications, logger, io.Discard))

	app, err := store.GetApplicationByUID(ctx, "dashboard")
	require.NoError(t, err)
	assert.Equal(t, "Dashboard", app.Name)
	assert.Equal(t, "s3cret", app.Secret, "plain strategy stores the secret as is")

	cli, err := store.GetApplicationByUID(ctx, "cli")
	require.NoError(t, err)
	assert.False(t, cli.Confidential)
	assert.Empty(t, cli.Secret)

	// A second run leaves existing applications alone.
	require.NoError(t, seedApplications(ctx, srv, cfg.Applications, logger, io.Discard))
	assert.Equal(t, 2, strings.Count(logs.String(), "Application already registered"))
}

func TestSeedApplications_GeneratedSecret(t *testing.T) {
	store := memory.NewWithInterval(-1)
	defer store.Stop()

	var logs bytes.Buffer
	logger, err := newLogger(&logs, "text", "info")
	require.NoError(t, err)
	srv, err := oauth.NewServer(store, nil, logger)
	require.NoError(t, err)

	apps := []applicationConfig{{Name: "Worker", UID: "worker", Confidential: true, RedirectURIs: []string{"https://worker.example.com/cb"}}}
	var out bytes.Buffer
	require.NoError(t, seedApplications(context.Background(), srv, apps, logger, &out))
	assert.Contains(t, logs.String(), "Generated client secret")

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "client_id=worker client_secret="), "output = %q", line)
	generated := strings.TrimPrefix(line, "client_id=worker client_secret=")
	require.NotEmpty(t, generated)
	assert.NotContains(t, logs.String(), generated, "logs must not carry the secret")

	app, err := store.GetApplicationByUID(context.Background(), "worker")
	require.NoError(t, err)
	assert.Equal(t, generated, app.Secret, "plain strategy stores the printed secret")
}

func TestApplicationConfigSecretEnv(t *testing.T) {
	t.Setenv("DASHBOARD_SECRET", "from-env")
	ac := applicationConfig{Secret: "inline", SecretEnv: "DASHBOARD_SECRET"}
	assert.Equal(t, "from-env", ac.secret())
}

func TestRootCmdVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}
