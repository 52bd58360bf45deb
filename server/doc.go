// Package server implements the core OAuth 2.1 authorization server logic.
//
// The Server is transport-agnostic: the root package maps HTTP requests onto
// its operations and renders the *Error values it returns. It coordinates the
// storage backend, the access token codec and the security features.
//
// Key Features:
//   - Authorization code grant with mandatory PKCE (S256 only)
//   - Consent step with one-time consent tokens
//   - Refresh token rotation with family based reuse detection
//   - Authorization code replay detection with revocation
//   - Dynamic client registration (RFC 7591) with Idempotency-Key support
//   - Token revocation (RFC 7009)
//   - Bearer token validation for protected resources
//
// Example usage:
//
//	store := memory.New()
//	keyStore, _ := keys.New(keys.Config{})
//	codec, _ := token.New(keyStore, token.Config{Issuer: "https://auth.example.com"})
//
//	srv, err := server.New(store, codec, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
