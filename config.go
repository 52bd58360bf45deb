package oauth

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
)

// DefaultListenAddress is used when Config.Listen is empty
const DefaultListenAddress = ":8080"

// DefaultAuthRateLimitPerMinute limits requests to the authorization endpoints per client IP
const DefaultAuthRateLimitPerMinute = 10

// Config is the configuration of a complete authorization service. It is
// loaded from TOML files with LoadConfig. Durations are in seconds.
type Config struct {
	// Issuer is the public base URL of the service (required)
	Issuer string `toml:"issuer"`

	// Listen is the HTTP listen address
	// Default: ":8080"
	Listen string `toml:"listen"`

	OAuth           OAuthConfig           `toml:"oauth"`
	Keys            KeysConfig            `toml:"keys"`
	Storage         StorageConfig         `toml:"storage"`
	RateLimit       RateLimitConfig       `toml:"rate_limit"`
	Security        SecurityConfig        `toml:"security"`
	Instrumentation InstrumentationConfig `toml:"instrumentation"`
	Logging         LoggingConfig         `toml:"logging"`
}

// OAuthConfig holds token lifetimes and scope policy
type OAuthConfig struct {
	// AccessTokenTTL in seconds (default and maximum 3600)
	AccessTokenTTL int `toml:"access_token_ttl"`

	// AuthorizationCodeTTL in seconds (default and maximum 600)
	AuthorizationCodeTTL int `toml:"authorization_code_ttl"`

	// RefreshTokenTTL in seconds (default 90 days, bounded to 30 to 90 days)
	RefreshTokenTTL int `toml:"refresh_token_ttl"`

	// Audience is the aud claim of access tokens (default "mindflow-api")
	Audience string `toml:"audience"`

	// SupportedScopes lists every scope clients may register for
	SupportedScopes []string `toml:"supported_scopes"`

	// LoginURL receives unauthenticated users with a return_to parameter
	LoginURL string `toml:"login_url"`
}

// KeysConfig configures the signing key store
type KeysConfig struct {
	// KeyFile persists the active signing key. Empty keeps it in memory only.
	KeyFile string `toml:"key_file"`

	// EncryptionKey is a base64 AES-256 key sealing KeyFile at rest. Optional.
	EncryptionKey string `toml:"encryption_key"`

	// RotationInterval in seconds. Zero disables automatic rotation.
	RotationInterval int `toml:"rotation_interval"`

	// GracePeriod in seconds during which retired keys still verify (default 86400)
	GracePeriod int `toml:"grace_period"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	// Backend is "memory" (default) or "valkey"
	Backend string       `toml:"backend"`
	Valkey  ValkeyConfig `toml:"valkey"`
}

// ValkeyConfig configures the valkey backend
type ValkeyConfig struct {
	Address   string `toml:"address"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// RateLimitConfig limits the authorization endpoints per client IP
type RateLimitConfig struct {
	// PerMinute is the request budget per IP (default 10). Negative disables limiting.
	PerMinute int `toml:"per_minute"`

	// Burst is the maximum burst size (default PerMinute)
	Burst int `toml:"burst"`
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	TrustProxy bool `toml:"trust_proxy"`

	// TrustedProxyCount is the number of proxies in front of the service
	TrustedProxyCount int `toml:"trusted_proxy_count"`

	// AllowLocalhostRedirectURIs permits http loopback redirect URIs for native apps
	AllowLocalhostRedirectURIs bool `toml:"allow_localhost_redirect_uris"`

	// AllowedCustomSchemes are regex patterns for native app redirect schemes
	AllowedCustomSchemes []string `toml:"allowed_custom_schemes"`

	// AllowInsecureHTTP permits an http issuer on a non-loopback host.
	// WARNING: never enable in production.
	AllowInsecureHTTP bool `toml:"allow_insecure_http"`

	// MaxClientsPerIP limits client registrations per IP per 24h (default 10)
	MaxClientsPerIP int `toml:"max_clients_per_ip"`

	// DisableAuditLogging turns off the security audit log
	DisableAuditLogging bool `toml:"disable_audit_logging"`
}

// InstrumentationConfig configures metrics and tracing
type InstrumentationConfig struct {
	Enabled         bool   `toml:"enabled"`
	MetricsExporter string `toml:"metrics_exporter"`
	TraceExporter   string `toml:"trace_exporter"`
	ServiceVersion  string `toml:"service_version"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	// Level is debug, info (default), warn or error
	Level string `toml:"level"`

	// Format is "text" (default) or "json"
	Format string `toml:"format"`
}

// NewDefaultConfig returns a configuration with every default applied
func NewDefaultConfig() *Config {
	return &Config{
		Listen: DefaultListenAddress,
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		RateLimit: RateLimitConfig{
			PerMinute: DefaultAuthRateLimitPerMinute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from TOML files, later files overriding
// earlier ones, then applies MINDFLOW_* environment overrides. Missing files
// are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("MINDFLOW_ISSUER"); v != "" {
		config.Issuer = v
	}
	if v := os.Getenv("MINDFLOW_LISTEN"); v != "" {
		config.Listen = v
	}
	if v := os.Getenv("MINDFLOW_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("MINDFLOW_STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MINDFLOW_VALKEY_ADDRESS"); v != "" {
		config.Storage.Valkey.Address = v
	}
	if v := os.Getenv("MINDFLOW_VALKEY_PASSWORD"); v != "" {
		config.Storage.Valkey.Password = v
	}
	if v := os.Getenv("MINDFLOW_KEY_FILE"); v != "" {
		config.Keys.KeyFile = v
	}
	if v := os.Getenv("MINDFLOW_KEY_ENCRYPTION_KEY"); v != "" {
		config.Keys.EncryptionKey = v
	}
	if v := os.Getenv("MINDFLOW_TRUST_PROXY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Security.TrustProxy = b
		}
	}
	if v := os.Getenv("MINDFLOW_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.RateLimit.PerMinute = n
		}
	}
}

// Validate reports configuration errors that would prevent startup
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	switch c.Storage.Backend {
	case "", StorageMemory:
	case StorageValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want %q or %q)", c.Storage.Backend, StorageMemory, StorageValkey)
	}
	for name, v := range map[string]int{
		"oauth.access_token_ttl":       c.OAuth.AccessTokenTTL,
		"oauth.authorization_code_ttl": c.OAuth.AuthorizationCodeTTL,
		"oauth.refresh_token_ttl":      c.OAuth.RefreshTokenTTL,
		"keys.rotation_interval":       c.Keys.RotationInterval,
		"keys.grace_period":            c.Keys.GracePeriod,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// NewLogger builds the process logger described by LoggingConfig
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
