package oauth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/giantswarm/mindflow-oauth/server"
	"github.com/giantswarm/mindflow-oauth/storage"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrorCodeAccessDenied, http.StatusForbidden},
		{ErrorCodeServerError, http.StatusInternalServerError},
		{ErrorCodeInvalidRedirectURI, http.StatusBadRequest},
		{ErrorCodeInvalidClientMetadata, http.StatusBadRequest},
		{ErrorCodeInvalidToken, http.StatusUnauthorized},
		{ErrorCodeInsufficientScope, http.StatusForbidden},
		{ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestFormatWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name   string
		scope  string
		code   string
		desc   string
		expect string
	}{
		{
			name:   "bare",
			expect: `Bearer`,
		},
		{
			name:   "error only",
			code:   "invalid_token",
			expect: `Bearer error="invalid_token"`,
		},
		{
			name:   "all parameters",
			scope:  "tasks:read tasks:write",
			code:   "insufficient_scope",
			desc:   "need more",
			expect: `Bearer scope="tasks:read tasks:write", error="insufficient_scope", error_description="need more"`,
		},
		{
			name:   "quotes and backslashes escaped",
			code:   "invalid_token",
			desc:   `bad "token" \ here`,
			expect: `Bearer error="invalid_token", error_description="bad \"token\" \\ here"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, formatWWWAuthenticate(tt.scope, tt.code, tt.desc))
		})
	}
}

func TestWriteServerError(t *testing.T) {
	env := newTestEnv(t)

	t.Run("internal causes are hidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, PathToken, nil)
		env.handler.writeServerError(rec, req, errors.New("valkey: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, ErrorCodeServerError, body.Error)
		assert.NotContains(t, body.ErrorDescription, "valkey")
		assert.Contains(t, env.logs.String(), "valkey: connection refused")
	})

	t.Run("oauth errors keep their code", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, PathToken, nil)
		env.handler.writeServerError(rec, req, server.InvalidGrant("authorization code expired"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, ErrorResponse{Error: ErrorCodeInvalidGrant, ErrorDescription: "authorization code expired"}, decodeError(t, rec))
	})

	t.Run("registration limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, PathRegister, nil)
		env.handler.writeServerError(rec, req, storage.ErrClientIPLimitExceeded)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, ErrorCodeRateLimitExceeded, decodeError(t, rec).Error)
	})
}
