package server

import (
	"errors"
	"fmt"
)

// OAuth error codes (RFC 6749 Section 5.2, RFC 7591 Section 3.2.2, RFC 6750)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
)

// genericServerErrorDescription is the only description clients see for
// internal failures.
const genericServerErrorDescription = "the server encountered an unexpected condition"

// Error is an OAuth protocol error. Description is safe to show to the
// client; Err carries the internal cause for logging and is never rendered.
type Error struct {
	Code        string
	Description string
	Err         error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the internal cause
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// InvalidRequest indicates a malformed or incomplete request
func InvalidRequest(description string) *Error {
	return newError(ErrorCodeInvalidRequest, description)
}

// InvalidClient indicates an unknown, inactive or unauthenticated client
func InvalidClient(description string) *Error {
	return newError(ErrorCodeInvalidClient, description)
}

// InvalidGrant indicates an expired, consumed or revoked code or token
func InvalidGrant(description string) *Error {
	return newError(ErrorCodeInvalidGrant, description)
}

// AccessDenied indicates the resource owner declined
func AccessDenied(description string) *Error {
	return newError(ErrorCodeAccessDenied, description)
}

// ServerError wraps an internal failure behind a generic description
func ServerError(err error) *Error {
	return &Error{Code: ErrorCodeServerError, Description: genericServerErrorDescription, Err: err}
}

// UnsupportedGrantType indicates a grant_type the server does not implement
func UnsupportedGrantType(description string) *Error {
	return newError(ErrorCodeUnsupportedGrantType, description)
}

// UnauthorizedClient indicates the client may not use the requested grant
func UnauthorizedClient(description string) *Error {
	return newError(ErrorCodeUnauthorizedClient, description)
}

// InvalidScope indicates a scope outside what the client may request
func InvalidScope(description string) *Error {
	return newError(ErrorCodeInvalidScope, description)
}

// UnsupportedResponseType indicates a response_type other than code
func UnsupportedResponseType(description string) *Error {
	return newError(ErrorCodeUnsupportedResponseType, description)
}

// InvalidRedirectURI rejects registration metadata with a bad redirect URI
func InvalidRedirectURI(description string) *Error {
	return newError(ErrorCodeInvalidRedirectURI, description)
}

// InvalidClientMetadata rejects other registration metadata
func InvalidClientMetadata(description string) *Error {
	return newError(ErrorCodeInvalidClientMetadata, description)
}

// AsError returns err as an *Error. Anything else becomes a server_error
// wrapping err.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ServerError(err)
}
