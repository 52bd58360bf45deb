package server

import (
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Default configuration values
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	MaxAuthorizationCodeTTL     = 10 * time.Minute
	DefaultRefreshTokenTTL      = 90 * 24 * time.Hour
	MinRefreshTokenTTL          = 30 * 24 * time.Hour
	MaxRefreshTokenTTL          = 90 * 24 * time.Hour
	DefaultConsentTTL           = 10 * time.Minute
	DefaultIdempotencyKeyTTL    = 24 * time.Hour
	DefaultMaxClientsPerIP      = 10
	DefaultTrustedProxyCount    = 1
	DefaultLoginURL             = "/login"
	MaxStateLength              = 1024
)

// Scopes known to the task API
const (
	ScopeTasksRead  = "tasks:read"
	ScopeTasksWrite = "tasks:write"
	ScopeOpenID     = "openid"
	ScopeProfile    = "profile"
	ScopeEmail      = "email"
)

// DefaultSupportedScopes is used when Config.SupportedScopes is empty
var DefaultSupportedScopes = []string{ScopeTasksRead, ScopeTasksWrite, ScopeOpenID, ScopeProfile, ScopeEmail}

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL, required)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	// Default: 10 minutes, which is also the maximum
	AuthorizationCodeTTL time.Duration

	// RefreshTokenTTL is how long each refresh token is valid
	// Default: 90 days, bounded to [30 days, 90 days]
	RefreshTokenTTL time.Duration

	// ConsentTTL is how long a rendered consent page can be submitted
	// Default: 10 minutes
	ConsentTTL time.Duration

	// SupportedScopes lists every scope clients may register for
	// Default: DefaultSupportedScopes
	SupportedScopes []string

	// DefaultClientScopes are granted to clients registering without a scope
	// Default: SupportedScopes
	DefaultClientScopes []string

	// AllowedCustomSchemes are regex patterns for native app redirect URI
	// schemes (e.g. "^com\\.mindflow\\.[a-z]+$"). Empty means custom schemes
	// are rejected.
	AllowedCustomSchemes []string

	// BlockedRedirectSchemes are never accepted, whatever AllowedCustomSchemes says
	// Default: javascript, data, file, vbscript, about, blob
	BlockedRedirectSchemes []string

	// AllowLocalhostRedirectURIs permits http://localhost and loopback IP
	// redirect URIs (RFC 8252 Section 7.3)
	// Default: false
	AllowLocalhostRedirectURIs bool

	// AllowPrivateIPRedirectURIs permits RFC 1918 IP literals in redirect URIs
	// WARNING: enables SSRF against internal networks
	// Default: false
	AllowPrivateIPRedirectURIs bool

	// AllowLinkLocalRedirectURIs permits 169.254.0.0/16 and fe80::/10
	// WARNING: exposes cloud metadata services
	// Default: false
	AllowLinkLocalRedirectURIs bool

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host
	// WARNING: never enable in production
	// Default: false
	AllowInsecureHTTP bool

	// MaxClientsPerIP limits client registrations per IP address per 24h
	// Default: 10
	MaxClientsPerIP int

	// IdempotencyKeyTTL is how long a registration Idempotency-Key is remembered
	// Default: 24 hours
	IdempotencyKeyTTL time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// LoginURL is where unauthenticated users are sent, with return_to appended
	// Default: "/login"
	LoginURL string

	// BcryptCost is the cost used to hash client secrets
	// Default: bcrypt.DefaultCost
	BcryptCost int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// applySecureDefaults applies secure-by-default configuration values and
// warns about settings that weaken security.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config, logger)
	applyPolicyDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets lifetimes and clamps them to their allowed ranges
func applyTimeDefaults(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		logger.Warn("⚠️  CONFIGURATION WARNING: AuthorizationCodeTTL above maximum, clamping",
			"configured", config.AuthorizationCodeTTL,
			"maximum", MaxAuthorizationCodeTTL)
		config.AuthorizationCodeTTL = MaxAuthorizationCodeTTL
	}

	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.RefreshTokenTTL < MinRefreshTokenTTL || config.RefreshTokenTTL > MaxRefreshTokenTTL {
		clamped := min(max(config.RefreshTokenTTL, MinRefreshTokenTTL), MaxRefreshTokenTTL)
		logger.Warn("⚠️  CONFIGURATION WARNING: RefreshTokenTTL outside allowed range, clamping",
			"configured", config.RefreshTokenTTL,
			"clamped", clamped)
		config.RefreshTokenTTL = clamped
	}

	if config.ConsentTTL <= 0 {
		config.ConsentTTL = DefaultConsentTTL
	}
	if config.IdempotencyKeyTTL <= 0 {
		config.IdempotencyKeyTTL = DefaultIdempotencyKeyTTL
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
}

func applyPolicyDefaults(config *Config) {
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = DefaultSupportedScopes
	}
	if len(config.DefaultClientScopes) == 0 {
		config.DefaultClientScopes = config.SupportedScopes
	}
	if len(config.BlockedRedirectSchemes) == 0 {
		config.BlockedRedirectSchemes = DangerousSchemes
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = DefaultMaxClientsPerIP
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = DefaultTrustedProxyCount
	}
	if config.LoginURL == "" {
		config.LoginURL = DefaultLoginURL
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPrivateIPRedirectURIs {
		logger.Warn("⚠️  SECURITY WARNING: Private IP redirect URIs are ALLOWED",
			"risk", "SSRF against internal networks",
			"recommendation", "Set AllowPrivateIPRedirectURIs=false outside internal deployments")
	}
	if config.AllowLinkLocalRedirectURIs {
		logger.Warn("⚠️  SECURITY WARNING: Link-local redirect URIs are ALLOWED",
			"risk", "Access to cloud metadata services (169.254.169.254)",
			"recommendation", "Set AllowLinkLocalRedirectURIs=false")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.MaxClientsPerIP < 0 {
		logger.Warn("⚠️  SECURITY WARNING: Client registration IP limit is DISABLED",
			"risk", "DoS via mass client registration",
			"recommendation", "Set MaxClientsPerIP to a positive value")
	}
	if config.BcryptCost < bcrypt.DefaultCost {
		logger.Warn("⚠️  SECURITY WARNING: Low bcrypt cost for client secrets",
			"configured", config.BcryptCost,
			"recommendation", "Use bcrypt.DefaultCost or higher outside tests")
	}
}
