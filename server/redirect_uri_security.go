package server

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/giantswarm/mindflow-oauth/internal/helpers"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// DangerousSchemes lists URI schemes that must never be used as redirect targets
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

// RedirectURISecurityError represents a redirect URI validation error
// with detailed information for operators while keeping error messages generic for clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryCustomScheme    = "custom_scheme_not_allowed"
	RedirectURIErrorCategoryPrivateIP       = "private_ip"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryLoopback        = "loopback_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

func redirectError(category, uri, reason, clientMessage string) *RedirectURISecurityError {
	return &RedirectURISecurityError{
		Category:      category,
		URI:           sanitizeURIForLogging(uri),
		Reason:        reason,
		ClientMessage: clientMessage,
	}
}

// ValidateRedirectURIForRegistration checks a redirect URI offered at
// registration. Accepted forms:
//   - absolute https URIs on public hosts
//   - http on loopback hosts, when AllowLocalhostRedirectURIs is set
//   - custom schemes matching AllowedCustomSchemes, for native apps
//
// Fragments, dangerous schemes and unspecified addresses are always rejected.
func (s *Server) ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return redirectError(RedirectURIErrorCategoryInvalidFormat, redirectURI,
			fmt.Sprintf("URL parse error: %v", err),
			"redirect_uri: invalid URI format")
	}
	if !parsed.IsAbs() {
		return redirectError(RedirectURIErrorCategoryInvalidFormat, redirectURI,
			"URI is not absolute",
			"redirect_uri: must be an absolute URI")
	}

	// OAuth 2.0 Security BCP Section 4.1.3
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return redirectError(RedirectURIErrorCategoryFragment, redirectURI,
			"URI contains a fragment",
			"redirect_uri: fragments are not allowed")
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, blocked := range s.Config.BlockedRedirectSchemes {
		if scheme == strings.ToLower(blocked) {
			return redirectError(RedirectURIErrorCategoryBlockedScheme, redirectURI,
				fmt.Sprintf("scheme '%s' is in blocked list", scheme),
				fmt.Sprintf("redirect_uri: scheme '%s' is blocked for security reasons", scheme))
		}
	}

	if scheme == SchemeHTTP || scheme == SchemeHTTPS {
		return s.validateHTTPRedirectURI(parsed, redirectURI)
	}

	if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
		return redirectError(RedirectURIErrorCategoryCustomScheme, redirectURI,
			err.Error(),
			fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme))
	}
	return nil
}

// validateHTTPRedirectURI applies the host rules to http and https URIs.
func (s *Server) validateHTTPRedirectURI(parsed *url.URL, raw string) error {
	hostname := parsed.Hostname()
	if hostname == "" {
		return redirectError(RedirectURIErrorCategoryInvalidFormat, raw,
			"URI has no host",
			"redirect_uri: host is required")
	}

	switch class := helpers.ClassifyHost(hostname); class {
	case helpers.IPClassificationLoopback:
		// RFC 8252 Section 7.3 allows HTTP for loopback
		if !s.Config.AllowLocalhostRedirectURIs {
			return redirectError(RedirectURIErrorCategoryLoopback, raw,
				"loopback addresses disabled via AllowLocalhostRedirectURIs=false",
				"redirect_uri: loopback addresses are not allowed")
		}
		return nil
	case helpers.IPClassificationUnspecified:
		return redirectError(RedirectURIErrorCategoryUnspecifiedAddr, raw,
			fmt.Sprintf("host %s is unspecified", hostname),
			"redirect_uri: unspecified addresses (0.0.0.0, ::) are not allowed")
	case helpers.IPClassificationPrivate:
		if !s.Config.AllowPrivateIPRedirectURIs {
			return redirectError(RedirectURIErrorCategoryPrivateIP, raw,
				fmt.Sprintf("IP %s is in private range", hostname),
				"redirect_uri: private IP addresses are not allowed")
		}
	case helpers.IPClassificationLinkLocal:
		if !s.Config.AllowLinkLocalRedirectURIs {
			return redirectError(RedirectURIErrorCategoryLinkLocal, raw,
				fmt.Sprintf("IP %s is link-local", hostname),
				"redirect_uri: link-local addresses are not allowed")
		}
	}

	if strings.ToLower(parsed.Scheme) != SchemeHTTPS {
		return redirectError(RedirectURIErrorCategoryHTTPNotAllowed, raw,
			"non-loopback redirect URI uses http",
			"redirect_uri: HTTPS is required (HTTP is only allowed for loopback)")
	}
	return nil
}

// validateCustomScheme checks a native app scheme against the configured patterns.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	if len(allowedSchemes) == 0 {
		return fmt.Errorf("custom URI schemes are not enabled")
	}
	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern %q: %w", pattern, err)
		}
		if matched {
			return nil
		}
	}
	return fmt.Errorf("scheme %q matches no allowed pattern", scheme)
}

// ValidateRedirectURIsForRegistration validates multiple redirect URIs for client registration.
// Returns an error for the first invalid URI found.
func (s *Server) ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return redirectError(RedirectURIErrorCategoryInvalidFormat, "",
			"no redirect URIs",
			"redirect_uri: at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeURIForLogging removes potentially sensitive information from URIs for logging.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// GetRedirectURIErrorCategory returns the error category if the error is a RedirectURISecurityError.
func GetRedirectURIErrorCategory(err error) string {
	var secErr *RedirectURISecurityError
	if errors.As(err, &secErr) {
		return secErr.Category
	}
	return ""
}
