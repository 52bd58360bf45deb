package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"

	"github.com/giantswarm/mindflow-oauth/internal/helpers"
	"github.com/giantswarm/mindflow-oauth/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	CodeChallengeLength   = 43
	PKCEMethodS256        = "S256"
)

var (
	// codeVerifierPattern is the unreserved character set of RFC 7636 Section 4.1
	codeVerifierPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

	// codeChallengePattern is a base64url SHA-256 digest without padding
	codeChallengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateHTTPSEnforcement requires an https issuer, except on loopback
// hosts or when AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if helpers.IsLoopbackHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme,
			hostname,
		)
	}

	s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// validatePKCEChallenge checks the challenge sent to the authorization
// endpoint. Only S256 is accepted.
func validatePKCEChallenge(challenge, method string) *Error {
	if challenge == "" {
		return InvalidRequest("code_challenge is required")
	}
	if method != PKCEMethodS256 {
		return InvalidRequest("code_challenge_method must be S256")
	}
	if !codeChallengePattern.MatchString(challenge) {
		return InvalidRequest("code_challenge must be a base64url encoded SHA-256 digest")
	}
	return nil
}

// verifyPKCE reports whether verifier hashes to challenge. The comparison
// is constant time.
func verifyPKCE(challenge, verifier string) error {
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier length %d outside [%d, %d]", len(verifier), MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !codeVerifierPattern.MatchString(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters")
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// resolveRequestedScope returns the normalized scope for an authorization
// request. An empty request means every scope the client registered.
func resolveRequestedScope(requested string, client *storage.Client) (string, *Error) {
	scopes := helpers.ParseScope(requested)
	if len(scopes) == 0 {
		return helpers.JoinScope(client.Scopes), nil
	}
	if offending, ok := helpers.ScopeSubset(scopes, client.Scopes); !ok {
		return "", InvalidScope(fmt.Sprintf("scope %q is not allowed for this client", offending))
	}
	return helpers.JoinScope(scopes), nil
}

// narrowScope applies a refresh request's scope parameter. Narrowing is
// allowed, widening is not.
func narrowScope(requested, granted string) (string, *Error) {
	scopes := helpers.ParseScope(requested)
	if len(scopes) == 0 {
		return granted, nil
	}
	if offending, ok := helpers.ScopeSubset(scopes, helpers.ParseScope(granted)); !ok {
		return "", InvalidScope(fmt.Sprintf("scope %q exceeds the original grant", offending))
	}
	return helpers.JoinScope(scopes), nil
}

// validateStateParameter bounds the opaque state value. state is never
// interpreted, only echoed.
func validateStateParameter(state string) *Error {
	if len(state) > MaxStateLength {
		return InvalidRequest(fmt.Sprintf("state exceeds %d characters", MaxStateLength))
	}
	return nil
}
