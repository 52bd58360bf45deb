package server

import (
	"context"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mindflow-oauth/internal/testutil"
	"github.com/giantswarm/mindflow-oauth/keys"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/storage"
	"github.com/giantswarm/mindflow-oauth/storage/memory"
	"github.com/giantswarm/mindflow-oauth/token"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://assistant.example.com/callback"
	testUserID      = "user-123"
	testClientIP    = "203.0.113.7"
)

type testEnv struct {
	srv   *Server
	store *memory.Store
	keys  *keys.Store
	clock *testutil.MockTime
	logs  *testutil.LogCapture
}

// newTestEnv builds a server over a memory store with a shared mock clock.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	logs, logger := testutil.NewLogCapture()

	store := memory.NewWithConfig(memory.Config{CleanupInterval: time.Hour, Clock: clock.Now})
	t.Cleanup(store.Stop)

	ks, err := keys.New(keys.Config{Clock: clock.Now, Logger: logger})
	if err != nil {
		t.Fatalf("keys.New() error = %v", err)
	}
	codec, err := token.New(ks, token.Config{Issuer: testIssuer, Clock: clock.Now})
	if err != nil {
		t.Fatalf("token.New() error = %v", err)
	}

	cfg := &Config{
		Issuer:     testIssuer,
		BcryptCost: bcrypt.MinCost,
		Clock:      clock.Now,
	}
	for _, m := range mutate {
		m(cfg)
	}

	srv, err := New(store, codec, cfg, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, true))

	return &testEnv{srv: srv, store: store, keys: ks, clock: clock, logs: logs}
}

// publicClient saves an active public client and returns it.
func (e *testEnv) publicClient(t *testing.T, clientID string) *storage.Client {
	t.Helper()
	c := testutil.TestClient(clientID)
	if err := e.store.SaveClient(context.Background(), c); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return c
}

// confidentialClient registers a confidential client and returns it with its secret.
func (e *testEnv) confidentialClient(t *testing.T) (*storage.Client, string) {
	t.Helper()
	reg, err := e.srv.RegisterClient(context.Background(), ClientRegistration{
		ClientName:   "Confidential Assistant",
		RedirectURIs: []string{testRedirectURI},
		Scope:        "tasks:read tasks:write",
		ClientIP:     testClientIP,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return reg.Client, reg.Secret
}

// authorize runs validation and consent for clientID and returns the issued code.
func (e *testEnv) authorize(t *testing.T, clientID, scope string, pkce testutil.PKCE) string {
	t.Helper()
	ctx := context.Background()

	attempt := e.srv.ValidateAuthorizationRequest(ctx, AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		ResponseType:        ResponseTypeCode,
		Scope:               scope,
		State:               "xyz",
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}, testClientIP)
	if attempt.State != StateValidated {
		t.Fatalf("attempt state = %s, err = %v", attempt.State, attempt.Err)
	}

	consent, err := e.srv.BeginConsent(ctx, attempt, testUserID)
	if err != nil {
		t.Fatalf("BeginConsent() error = %v", err)
	}
	done := e.srv.CompleteConsent(ctx, consent.Token, testUserID, true, testClientIP)
	if done.State != StateCodeIssued {
		t.Fatalf("attempt state = %s, err = %v", done.State, done.Err)
	}
	return done.Code
}

// issueTokens runs the full authorization code flow for a public client.
func (e *testEnv) issueTokens(t *testing.T, clientID string) *TokenResponse {
	t.Helper()
	pkce := testutil.NewPKCE()
	code := e.authorize(t, clientID, "", pkce)
	resp, err := e.srv.ExchangeAuthorizationCode(context.Background(), CodeExchange{
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: pkce.Verifier,
		Client:       ClientCredentials{ClientID: clientID},
		ClientIP:     testClientIP,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	return resp
}

func (e *testEnv) refresh(refreshToken, clientID string) (*TokenResponse, error) {
	return e.srv.RefreshAccessToken(context.Background(), RefreshRequest{
		RefreshToken: refreshToken,
		Client:       ClientCredentials{ClientID: clientID},
		ClientIP:     testClientIP,
	})
}

// requireErrorCode fails unless err is an *Error with the given code.
func requireErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := AsError(err).Code; got != code {
		t.Fatalf("error code = %q, want %q (err = %v)", got, code, err)
	}
}

func queryOf(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", rawURL, err)
	}
	return u.Query()
}
