package server

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mindflow-oauth/storage"
	"github.com/giantswarm/mindflow-oauth/storage/memory"
)

func TestRegisterClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.srv.RegisterClient(ctx, ClientRegistration{
		ClientName:   "Task Assistant",
		RedirectURIs: []string{testRedirectURI},
		Scope:        "tasks:read",
		LogoURI:      "https://assistant.example.com/logo.png",
		ClientIP:     testClientIP,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	c := reg.Client
	if len(c.ClientID) != 32 {
		t.Errorf("client_id = %q, want 32 hex characters", c.ClientID)
	}
	if len(reg.Secret) != 64 {
		t.Errorf("secret length = %d, want 64", len(reg.Secret))
	}
	if !c.IsConfidential() || c.TokenEndpointAuthMethod != TokenEndpointAuthMethodBasic {
		t.Errorf("client type = %s / %s", c.ClientType, c.TokenEndpointAuthMethod)
	}
	if !c.Active {
		t.Error("new clients must be active")
	}
	if strings.Contains(c.ClientSecretHash, reg.Secret) {
		t.Fatal("secret stored in plaintext")
	}
	if bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(reg.Secret)) != nil {
		t.Error("stored hash does not match secret")
	}

	stored, err := env.store.GetClient(ctx, c.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if stored.Scopes[0] != "tasks:read" || len(stored.Scopes) != 1 {
		t.Errorf("Scopes = %v", stored.Scopes)
	}
	if len(stored.GrantTypes) != 2 || stored.ResponseTypes[0] != ResponseTypeCode {
		t.Errorf("grants = %v, response types = %v", stored.GrantTypes, stored.ResponseTypes)
	}

	if !env.srv.VerifyClientSecret(ctx, c.ClientID, reg.Secret) {
		t.Error("VerifyClientSecret() rejected the issued secret")
	}
	if env.srv.VerifyClientSecret(ctx, c.ClientID, "wrong") {
		t.Error("VerifyClientSecret() accepted a wrong secret")
	}
	if env.srv.VerifyClientSecret(ctx, "unknown", reg.Secret) {
		t.Error("VerifyClientSecret() accepted an unknown client")
	}
}

func TestRegisterClient_Public(t *testing.T) {
	env := newTestEnv(t)

	reg, err := env.srv.RegisterClient(context.Background(), ClientRegistration{
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		ClientIP:                testClientIP,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if reg.Secret != "" || reg.Client.ClientSecretHash != "" {
		t.Error("public clients get no secret")
	}
	if reg.Client.ClientType != storage.ClientTypePublic {
		t.Errorf("ClientType = %s", reg.Client.ClientType)
	}
	if got := strings.Join(reg.Client.Scopes, " "); got != strings.Join(DefaultSupportedScopes, " ") {
		t.Errorf("default scopes = %q", got)
	}
}

func TestRegisterClient_InvalidMetadata(t *testing.T) {
	tests := []struct {
		name     string
		reg      ClientRegistration
		wantCode string
	}{
		{
			name:     "no redirect uris",
			reg:      ClientRegistration{},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "http redirect on public host",
			reg:      ClientRegistration{RedirectURIs: []string{"http://assistant.example.com/cb"}},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "fragment",
			reg:      ClientRegistration{RedirectURIs: []string{"https://assistant.example.com/cb#x"}},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "javascript scheme",
			reg:      ClientRegistration{RedirectURIs: []string{"javascript:alert(1)"}},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "custom scheme without allow list",
			reg:      ClientRegistration{RedirectURIs: []string{"com.example.app:/callback"}},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "implicit grant",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, GrantTypes: []string{"implicit"}},
			wantCode: ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "refresh only",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, GrantTypes: []string{GrantTypeRefreshToken}},
			wantCode: ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "token response type",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, ResponseTypes: []string{"token"}},
			wantCode: ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "unknown scope",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, Scope: "tasks:read admin"},
			wantCode: ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "unknown auth method",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, TokenEndpointAuthMethod: "private_key_jwt"},
			wantCode: ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "http logo",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, LogoURI: "http://example.com/logo.png"},
			wantCode: ErrorCodeInvalidClientMetadata,
		},
		{
			name:     "long name",
			reg:      ClientRegistration{RedirectURIs: []string{testRedirectURI}, ClientName: strings.Repeat("n", MaxClientNameLength+1)},
			wantCode: ErrorCodeInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.srv.RegisterClient(context.Background(), tt.reg)
			requireErrorCode(t, err, tt.wantCode)

			clients, err := env.store.ListClients(context.Background())
			if err != nil {
				t.Fatalf("ListClients() error = %v", err)
			}
			if len(clients) != 0 {
				t.Errorf("rejected registration stored %d clients", len(clients))
			}
		})
	}
}

func TestRegisterClient_CustomScheme(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.AllowedCustomSchemes = []string{`^com\.mindflow\.[a-z]+$`}
	})

	_, err := env.srv.RegisterClient(context.Background(), ClientRegistration{
		RedirectURIs:            []string{"com.mindflow.ios:/oauth/callback"},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	_, err = env.srv.RegisterClient(context.Background(), ClientRegistration{
		RedirectURIs: []string{"com.evil.app:/cb"},
	})
	requireErrorCode(t, err, ErrorCodeInvalidRedirectURI)
}

func TestRegisterClient_IPLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxClientsPerIP = 2 })
	ctx := context.Background()

	reg := ClientRegistration{
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		ClientIP:                testClientIP,
	}
	for i := range 2 {
		if _, err := env.srv.RegisterClient(ctx, reg); err != nil {
			t.Fatalf("registration %d: %v", i, err)
		}
	}
	if _, err := env.srv.RegisterClient(ctx, reg); !errors.Is(err, storage.ErrClientIPLimitExceeded) {
		t.Fatalf("third registration err = %v, want ErrClientIPLimitExceeded", err)
	}

	reg.ClientIP = "198.51.100.1"
	if _, err := env.srv.RegisterClient(ctx, reg); err != nil {
		t.Errorf("other IP must not be limited: %v", err)
	}
}

func TestRegisterClient_Idempotency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg := ClientRegistration{
		ClientName:     "Retry Assistant",
		RedirectURIs:   []string{testRedirectURI},
		IdempotencyKey: "6f1c2b1e-retry",
		ClientIP:       testClientIP,
	}

	first, err := env.srv.RegisterClient(ctx, reg)
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	second, err := env.srv.RegisterClient(ctx, reg)
	if err != nil {
		t.Fatalf("replayed registration: %v", err)
	}

	if !second.Replayed || second.Client.ClientID != first.Client.ClientID {
		t.Errorf("replay = %+v, want the first client", second)
	}
	if second.Secret != "" {
		t.Error("replayed registration must not reveal the secret again")
	}

	reg.ClientName = "Different"
	_, err = env.srv.RegisterClient(ctx, reg)
	requireErrorCode(t, err, ErrorCodeInvalidClientMetadata)

	clients, err := env.store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("clients = %d, want 1", len(clients))
	}
}

func TestRegisterClient_IdempotentRetryKeepsIPBudget(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxClientsPerIP = 1 })
	ctx := context.Background()

	reg := ClientRegistration{
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		IdempotencyKey:          "retry-1",
		ClientIP:                testClientIP,
	}
	first, err := env.srv.RegisterClient(ctx, reg)
	if err != nil {
		t.Fatalf("first registration: %v", err)
	}
	for i := range 3 {
		again, err := env.srv.RegisterClient(ctx, reg)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if !again.Replayed || again.Client.ClientID != first.Client.ClientID {
			t.Errorf("retry %d = %+v, want the first client", i, again)
		}
	}

	reg.IdempotencyKey = "retry-2"
	if _, err := env.srv.RegisterClient(ctx, reg); !errors.Is(err, storage.ErrClientIPLimitExceeded) {
		t.Errorf("new registration err = %v, want ErrClientIPLimitExceeded", err)
	}
}

func TestRegisterClient_IPLimitReleasesIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxClientsPerIP = 1 })
	ctx := context.Background()

	reg := ClientRegistration{
		RedirectURIs:            []string{testRedirectURI},
		TokenEndpointAuthMethod: TokenEndpointAuthMethodNone,
		ClientIP:                testClientIP,
	}
	if _, err := env.srv.RegisterClient(ctx, reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}

	reg.IdempotencyKey = "limited"
	if _, err := env.srv.RegisterClient(ctx, reg); !errors.Is(err, storage.ErrClientIPLimitExceeded) {
		t.Fatalf("limited registration err = %v, want ErrClientIPLimitExceeded", err)
	}

	reg.ClientIP = "198.51.100.1"
	got, err := env.srv.RegisterClient(ctx, reg)
	if err != nil {
		t.Fatalf("registration from another IP: %v", err)
	}
	if got.Replayed {
		t.Error("released key must create a new client")
	}
}

// failingSaveStore fails SaveClient a set number of times.
type failingSaveStore struct {
	*memory.Store
	failures int
}

func (f *failingSaveStore) SaveClient(ctx context.Context, client *storage.Client) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.Store.SaveClient(ctx, client)
}

func TestRegisterClient_FailedSaveReleasesIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	store := &failingSaveStore{Store: env.store, failures: 1}
	srv, err := New(store, env.srv.codec, &Config{
		Issuer:     testIssuer,
		BcryptCost: bcrypt.MinCost,
		Clock:      env.clock.Now,
	}, env.srv.Logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reg := ClientRegistration{
		ClientName:     "Flaky Network Assistant",
		RedirectURIs:   []string{testRedirectURI},
		IdempotencyKey: "save-fails-once",
		ClientIP:       testClientIP,
	}
	_, err = srv.RegisterClient(ctx, reg)
	requireErrorCode(t, err, ErrorCodeServerError)

	got, err := srv.RegisterClient(ctx, reg)
	if err != nil {
		t.Fatalf("retry after failed save: %v", err)
	}
	if got.Replayed || got.Secret == "" {
		t.Errorf("retry = %+v, want a fresh confidential client with a secret", got)
	}
	if _, err := env.store.GetClient(ctx, got.Client.ClientID); err != nil {
		t.Errorf("GetClient() error = %v", err)
	}
}

func TestGetClient_Inactive(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")
	ctx := context.Background()

	if err := env.srv.DeactivateClient(ctx, "client-1", testClientIP); err != nil {
		t.Fatalf("DeactivateClient() error = %v", err)
	}
	if _, err := env.srv.GetClient(ctx, "client-1"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() err = %v, want ErrClientNotFound", err)
	}
	if !strings.Contains(env.logs.String(), "client_deactivated") {
		t.Error("expected client_deactivated audit event")
	}
}

func TestAuthenticateClient(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "public-1")
	confidential, secret := env.confidentialClient(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		creds ClientCredentials
		ok    bool
	}{
		{"public without secret", ClientCredentials{ClientID: "public-1"}, true},
		{"public with secret", ClientCredentials{ClientID: "public-1", ClientSecret: "x"}, false},
		{"confidential with secret", ClientCredentials{ClientID: confidential.ClientID, ClientSecret: secret}, true},
		{"confidential with basic auth", ClientCredentials{ClientID: confidential.ClientID, ClientSecret: secret, UsedBasicAuth: true}, true},
		{"confidential without secret", ClientCredentials{ClientID: confidential.ClientID}, false},
		{"confidential wrong secret", ClientCredentials{ClientID: confidential.ClientID, ClientSecret: "nope"}, false},
		{"unknown client", ClientCredentials{ClientID: "ghost", ClientSecret: secret}, false},
		{"no client id", ClientCredentials{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := env.srv.authenticateClient(ctx, tt.creds, testClientIP)
			if tt.ok {
				if err != nil || client == nil {
					t.Fatalf("authenticateClient() = %v, %v", client, err)
				}
				return
			}
			if err == nil || err.Code != ErrorCodeInvalidClient {
				t.Fatalf("authenticateClient() err = %v, want invalid_client", err)
			}
		})
	}
}
