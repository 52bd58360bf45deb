package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mindflow-oauth/internal/testutil"
	"github.com/giantswarm/mindflow-oauth/keys"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/server"
	"github.com/giantswarm/mindflow-oauth/storage/memory"
	"github.com/giantswarm/mindflow-oauth/token"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://assistant.example.com/callback"
	testUserID      = "user-42"
	testState       = "af0ifjsldkj"
	sessionCookie   = "session"
)

var consentTokenPattern = regexp.MustCompile(`name="consent_token" value="([^"]+)"`)

type testEnv struct {
	server  *server.Server
	handler *Handler
	router  *mux.Router
	keys    *keys.Store
	store   *memory.Store
	clock   *testutil.MockTime
	logs    *testutil.LogCapture
}

// sessionAuthenticator treats the session cookie value as the user id
var sessionAuthenticator = UserAuthenticatorFunc(func(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
})

func newTestEnv(t *testing.T, mutate ...func(*server.Config, *HandlerConfig)) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	logs, logger := testutil.NewLogCapture()

	store := memory.NewWithConfig(memory.Config{Clock: clock.Now})
	t.Cleanup(store.Stop)

	ks, err := keys.New(keys.Config{Logger: logger, Clock: clock.Now})
	require.NoError(t, err)

	srvCfg := &server.Config{
		Issuer:     testIssuer,
		BcryptCost: bcrypt.MinCost,
		Clock:      clock.Now,
	}
	handlerCfg := HandlerConfig{Authenticator: sessionAuthenticator}
	for _, m := range mutate {
		m(srvCfg, &handlerCfg)
	}

	codec, err := token.New(ks, token.Config{Issuer: srvCfg.Issuer, Clock: clock.Now})
	require.NoError(t, err)

	srv, err := server.New(store, codec, srvCfg, logger)
	require.NoError(t, err)
	srv.SetAuditor(security.NewAuditor(logger, true))

	h, err := NewHandler(srv, ks, handlerCfg, logger)
	require.NoError(t, err)

	return &testEnv{
		server:  srv,
		handler: h,
		router:  NewRouter(h, nil, logger),
		keys:    ks,
		store:   store,
		clock:   clock,
		logs:    logs,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postForm(path string, form url.Values, basicID, basicSecret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicID != "" {
		req.SetBasicAuth(url.QueryEscape(basicID), url.QueryEscape(basicSecret))
	}
	return e.do(req)
}

func (e *testEnv) register(t *testing.T, metadata map[string]any) ClientRegistrationResponse {
	t.Helper()

	rec := e.do(registrationRequest(t, metadata, ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp ClientRegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func registrationRequest(t *testing.T, metadata map[string]any, idempotencyKey string) *http.Request {
	t.Helper()

	body, err := json.Marshal(metadata)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, PathRegister, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}
	return req
}

func confidentialMetadata() map[string]any {
	return map[string]any{
		"client_name":   "Task Assistant",
		"redirect_uris": []string{testRedirectURI},
		"scope":         "tasks:read tasks:write",
	}
}

func publicMetadata() map[string]any {
	m := confidentialMetadata()
	m["token_endpoint_auth_method"] = "none"
	return m
}

func authorizeQuery(clientID string, pkce testutil.PKCE, scope string) url.Values {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", testRedirectURI)
	q.Set("scope", scope)
	q.Set("state", testState)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	return q
}

func authorizeRequest(q url.Values, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil)
	if userID != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: userID})
	}
	return req
}

func consentRequest(consentToken, approve, userID string) *http.Request {
	form := url.Values{}
	form.Set("consent_token", consentToken)
	form.Set("approve", approve)
	req := httptest.NewRequest(http.MethodPost, PathAuthorize, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if userID != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: userID})
	}
	return req
}

// consentToken renders the consent page and returns its one-time token
func (e *testEnv) consentToken(t *testing.T, q url.Values) string {
	t.Helper()

	rec := e.do(authorizeRequest(q, testUserID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := consentTokenPattern.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "consent page without consent token")
	return m[1]
}

// authorize runs the browser part of the flow and returns the code
func (e *testEnv) authorize(t *testing.T, clientID string, pkce testutil.PKCE, scope string) string {
	t.Helper()

	consent := e.consentToken(t, authorizeQuery(clientID, pkce, scope))
	rec := e.do(consentRequest(consent, "true", testUserID))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location := redirectQuery(t, rec)
	require.Equal(t, testState, location.Get("state"))
	require.NotEmpty(t, location.Get("code"))
	return location.Get("code")
}

func redirectQuery(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()

	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return u.Query()
}

func exchangeForm(code, verifier string) url.Values {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", testRedirectURI)
	form.Set("code_verifier", verifier)
	return form
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) server.TokenResponse {
	t.Helper()

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp server.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

// issueTokens registers a confidential client and runs a full code flow
func (e *testEnv) issueTokens(t *testing.T) (ClientRegistrationResponse, server.TokenResponse) {
	t.Helper()

	client := e.register(t, confidentialMetadata())
	pkce := testutil.NewPKCE()
	code := e.authorize(t, client.ClientID, pkce, "tasks:read tasks:write")
	tokens := decodeToken(t, e.postForm(PathToken, exchangeForm(code, pkce.Verifier), client.ClientID, client.ClientSecret))
	return client, tokens
}
