package oauth

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, DefaultListenAddress, cfg.Listen)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, DefaultAuthRateLimitPerMinute, cfg.RateLimit.PerMinute)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Security.TrustProxy)
	assert.False(t, cfg.Security.AllowInsecureHTTP)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
issuer = "https://auth.mindflow.example"
listen = ":9443"

[oauth]
access_token_ttl = 1800
supported_scopes = ["tasks:read", "tasks:write"]
login_url = "https://mindflow.example/login"

[keys]
key_file = "/var/lib/mindflow/signing.pem"
rotation_interval = 604800

[storage]
backend = "valkey"

[storage.valkey]
address = "valkey:6379"
key_prefix = "mf:"

[rate_limit]
per_minute = 20

[security]
allowed_custom_schemes = ["^com\\.mindflow\\.[a-z]+$"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://auth.mindflow.example", cfg.Issuer)
	assert.Equal(t, ":9443", cfg.Listen)
	assert.Equal(t, 1800, cfg.OAuth.AccessTokenTTL)
	assert.Equal(t, []string{"tasks:read", "tasks:write"}, cfg.OAuth.SupportedScopes)
	assert.Equal(t, "/var/lib/mindflow/signing.pem", cfg.Keys.KeyFile)
	assert.Equal(t, 604800, cfg.Keys.RotationInterval)
	assert.Equal(t, StorageValkey, cfg.Storage.Backend)
	assert.Equal(t, "valkey:6379", cfg.Storage.Valkey.Address)
	assert.Equal(t, "mf:", cfg.Storage.Valkey.KeyPrefix)
	assert.Equal(t, 20, cfg.RateLimit.PerMinute)
	assert.Equal(t, []string{`^com\.mindflow\.[a-z]+$`}, cfg.Security.AllowedCustomSchemes)

	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_LaterFilesOverride(t *testing.T) {
	base := writeConfigFile(t, `
issuer = "https://auth.mindflow.example"
listen = ":8080"
`)
	local := writeConfigFile(t, `listen = ":9090"`)

	cfg, err := LoadConfig(base, filepath.Join(t.TempDir(), "missing.toml"), local)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.mindflow.example", cfg.Issuer)
	assert.Equal(t, ":9090", cfg.Listen)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `issuer = "https://auth.mindflow.example"`)

	t.Setenv("MINDFLOW_ISSUER", "https://auth.staging.mindflow.example")
	t.Setenv("MINDFLOW_STORAGE_BACKEND", "VALKEY")
	t.Setenv("MINDFLOW_VALKEY_ADDRESS", "10.0.0.5:6379")
	t.Setenv("MINDFLOW_VALKEY_PASSWORD", "hunter2")
	t.Setenv("MINDFLOW_TRUST_PROXY", "true")
	t.Setenv("MINDFLOW_RATE_LIMIT_PER_MINUTE", "-1")
	t.Setenv("MINDFLOW_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://auth.staging.mindflow.example", cfg.Issuer)
	assert.Equal(t, StorageValkey, cfg.Storage.Backend)
	assert.Equal(t, "10.0.0.5:6379", cfg.Storage.Valkey.Address)
	assert.Equal(t, "hunter2", cfg.Storage.Valkey.Password)
	assert.True(t, cfg.Security.TrustProxy)
	assert.Equal(t, -1, cfg.RateLimit.PerMinute)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing issuer",
			content: `listen = ":8080"`,
			wantErr: "issuer is required",
		},
		{
			name:    "malformed toml",
			content: `issuer = `,
			wantErr: "failed to parse config file",
		},
		{
			name: "unknown backend",
			content: `issuer = "https://a.example"
[storage]
backend = "postgres"`,
			wantErr: "unknown storage backend",
		},
		{
			name: "valkey without address",
			content: `issuer = "https://a.example"
[storage]
backend = "valkey"`,
			wantErr: "storage.valkey.address is required",
		},
		{
			name: "negative ttl",
			content: `issuer = "https://a.example"
[oauth]
refresh_token_ttl = -1`,
			wantErr: "oauth.refresh_token_ttl must not be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "client_id", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), out)
	assert.Contains(t, out, `"client_id":"abc"`)

	buf.Reset()
	NewLogger(LoggingConfig{Level: "debug"}, &buf).Debug("text output")
	assert.Contains(t, buf.String(), "msg=\"text output\"")
}
