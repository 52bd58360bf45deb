package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/server"
	"github.com/giantswarm/mindflow-oauth/storage"
)

// OAuth error codes returned by the HTTP endpoints
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidClientMetadata   = server.ErrorCodeInvalidClientMetadata
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope

	// ErrorCodeRateLimitExceeded is returned with 429 by rate limited endpoints
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

const tokenTypeBearer = "Bearer"

// HTTPStatus maps an OAuth error code to its response status
func HTTPStatus(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied, ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// writeError writes an RFC 6749 Section 5.2 error body. 401 responses carry
// a Bearer challenge.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)

	if status == http.StatusUnauthorized {
		if code == ErrorCodeInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+escapeQuoted(h.server.Config.Issuer)+`"`)
		} else {
			w.Header().Set("WWW-Authenticate", formatWWWAuthenticate("", code, description))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeServerError maps err from the server package onto an error response.
// Internal causes are logged and never rendered.
func (h *Handler) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrClientIPLimitExceeded) {
		h.writeError(w, ErrorCodeRateLimitExceeded, "client registration limit reached for this address", http.StatusTooManyRequests)
		return
	}

	oauthErr := server.AsError(err)
	if oauthErr.Code == ErrorCodeServerError {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", oauthErr.Err)
	}
	h.writeError(w, oauthErr.Code, oauthErr.Description, HTTPStatus(oauthErr.Code))
}

// writeInsufficientScopeError writes the RFC 6750 Section 3.1 response for a
// token lacking a required scope.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, required []string) {
	description := "token is missing required scope"
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(strings.Join(required, " "), ErrorCodeInsufficientScope, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            ErrorCodeInsufficientScope,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds a Bearer challenge (RFC 6750 Section 3).
// Values are quoted-string escaped.
func formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string
	if scope != "" {
		params = append(params, `scope="`+escapeQuoted(scope)+`"`)
	}
	if errCode != "" {
		params = append(params, `error="`+escapeQuoted(errCode)+`"`)
	}
	if errorDesc != "" {
		params = append(params, `error_description="`+escapeQuoted(errorDesc)+`"`)
	}
	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// escapeQuoted escapes backslashes first, then quotes
func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
