package security

import (
	"net/http"
	"net/url"
	"strings"
)

// SetSecurityHeaders sets the headers shared by every JSON endpoint of the
// authorization server. HSTS is only sent when issuer is an https URL.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetNoStore marks a response as non-cacheable (RFC 6749 Section 5.1).
func SetNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// SetHTMLPageHeaders is SetSecurityHeaders for the consent and error pages:
// inline styles are allowed and forms may only post back to this origin.
// formTargets are extra form-action sources. Browsers apply form-action to
// the redirect that answers a form post, so the consent page must list the
// origin of the client's redirect URI.
func SetHTMLPageHeaders(w http.ResponseWriter, issuer string, formTargets ...string) {
	SetSecurityHeaders(w, issuer)
	SetNoStore(w)

	formAction := "form-action 'self'"
	for _, target := range formTargets {
		if target != "" {
			formAction += " " + target
		}
	}
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src 'unsafe-inline'; img-src https:; "+formAction+"; frame-ancestors 'none'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
}

// FormActionSource returns the CSP source expression matching redirectURI:
// its origin for http and https, its scheme for native app schemes. It
// returns "" for values that cannot be expressed safely.
func FormActionSource(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme == "" {
		return ""
	}

	var source string
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return ""
		}
		source = strings.ToLower(u.Scheme) + "://" + u.Host
	default:
		source = strings.ToLower(u.Scheme) + ":"
	}
	if strings.ContainsAny(source, " \t\r\n;,'\"") {
		return ""
	}
	return source
}
