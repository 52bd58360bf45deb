package oauth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mindflow-oauth/internal/testutil"
	"github.com/giantswarm/mindflow-oauth/server"
)

// protectedTasks is the resource the middleware tests guard
func (e *testEnv) protectedTasks(scope string) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		w.Header().Set("X-User", p.UserID)
		w.Header().Set("X-Client", p.ClientID)
		w.WriteHeader(http.StatusOK)
	})
	if scope == "" {
		return e.handler.ValidateToken(inner)
	}
	return e.handler.ValidateToken(e.handler.RequireScope(scope, inner))
}

func bearerRequest(authorization string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return req
}

func TestValidateToken(t *testing.T) {
	env := newTestEnv(t)
	client, tokens := env.issueTokens(t)
	protected := env.protectedTasks("")

	t.Run("valid token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, bearerRequest("Bearer "+tokens.AccessToken))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, testUserID, rec.Header().Get("X-User"))
		assert.Equal(t, client.ClientID, rec.Header().Get("X-Client"))
	})

	t.Run("scheme is case insensitive", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, bearerRequest("bearer "+tokens.AccessToken))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	tests := []struct {
		name          string
		authorization string
	}{
		{name: "missing header"},
		{name: "basic scheme", authorization: "Basic dXNlcjpwYXNz"},
		{name: "empty token", authorization: "Bearer "},
		{name: "garbage", authorization: "Bearer not-a-jwt"},
		{name: "tampered", authorization: "Bearer " + tokens.AccessToken[:len(tokens.AccessToken)-4] + "AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, bearerRequest(tt.authorization))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `Bearer `)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
			assert.Equal(t, ErrorCodeInvalidToken, decodeError(t, rec).Error)
		})
	}

	t.Run("expired", func(t *testing.T) {
		env.clock.Advance(time.Hour + time.Minute)
		defer env.clock.Advance(-(time.Hour + time.Minute))

		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, bearerRequest("Bearer "+tokens.AccessToken))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("revoked family", func(t *testing.T) {
		rec := env.postForm(PathRevoke, url.Values{"token": {tokens.AccessToken}, "token_type_hint": {"access_token"}},
			client.ClientID, client.ClientSecret)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		protected.ServeHTTP(rec, bearerRequest("Bearer "+tokens.AccessToken))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireScope(t *testing.T) {
	env := newTestEnv(t)
	client := env.register(t, confidentialMetadata())
	pkce := testutil.NewPKCE()
	code := env.authorize(t, client.ClientID, pkce, "tasks:read")
	tokens := decodeToken(t, env.postForm(PathToken, exchangeForm(code, pkce.Verifier), client.ClientID, client.ClientSecret))

	t.Run("granted scope", func(t *testing.T) {
		rec := httptest.NewRecorder()
		env.protectedTasks("tasks:read").ServeHTTP(rec, bearerRequest("Bearer "+tokens.AccessToken))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing scope", func(t *testing.T) {
		rec := httptest.NewRecorder()
		env.protectedTasks("tasks:write").ServeHTTP(rec, bearerRequest("Bearer "+tokens.AccessToken))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, ErrorCodeInsufficientScope, decodeError(t, rec).Error)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `scope="tasks:write"`)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)
	})

	t.Run("without ValidateToken", func(t *testing.T) {
		rec := httptest.NewRecorder()
		env.handler.RequireScope("tasks:read", http.NotFoundHandler()).ServeHTTP(rec, bearerRequest(""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestPrincipalFromContext(t *testing.T) {
	_, ok := PrincipalFromContext(t.Context())
	assert.False(t, ok)

	p := &server.Principal{UserID: testUserID, Scope: []string{"tasks:read"}}
	got, ok := PrincipalFromContext(ContextWithPrincipal(t.Context(), p))
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = PrincipalFromContext(ContextWithPrincipal(t.Context(), nil))
	assert.False(t, ok)
}
