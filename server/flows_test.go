package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mindflow-oauth/internal/testutil"
	"github.com/giantswarm/mindflow-oauth/storage"
)

func TestExchangeAuthorizationCode(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")

	resp := env.issueTokens(t, "client-1")

	if resp.TokenType != "bearer" {
		t.Errorf("TokenType = %q, want bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}
	if resp.Scope != "tasks:read tasks:write" {
		t.Errorf("Scope = %q", resp.Scope)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}

	rt, err := env.store.GetRefreshToken(context.Background(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if rt.Generation != 0 || rt.UserID != testUserID || rt.ClientID != "client-1" {
		t.Errorf("refresh token = %+v", rt)
	}
	if got := rt.ExpiresAt.Sub(rt.IssuedAt); got != DefaultRefreshTokenTTL {
		t.Errorf("refresh TTL = %s, want %s", got, DefaultRefreshTokenTTL)
	}

	p, err := env.srv.ValidateBearer(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateBearer() error = %v", err)
	}
	if p.FamilyID != rt.FamilyID {
		t.Errorf("access token family = %q, want %q", p.FamilyID, rt.FamilyID)
	}
}

func TestExchangeAuthorizationCode_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")
	env.publicClient(t, "client-2")
	ctx := context.Background()

	pkce := testutil.NewPKCE()
	code := env.authorize(t, "client-1", "", pkce)

	valid := CodeExchange{
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: pkce.Verifier,
		Client:       ClientCredentials{ClientID: "client-1"},
		ClientIP:     testClientIP,
	}

	tests := []struct {
		name     string
		mutate   func(*CodeExchange)
		wantCode string
	}{
		{"missing code", func(r *CodeExchange) { r.Code = "" }, ErrorCodeInvalidRequest},
		{"missing redirect_uri", func(r *CodeExchange) { r.RedirectURI = "" }, ErrorCodeInvalidRequest},
		{"missing verifier", func(r *CodeExchange) { r.CodeVerifier = "" }, ErrorCodeInvalidRequest},
		{"unknown client", func(r *CodeExchange) { r.Client.ClientID = "ghost" }, ErrorCodeInvalidClient},
		{"public client with secret", func(r *CodeExchange) { r.Client.ClientSecret = "s3cret" }, ErrorCodeInvalidClient},
		{"unknown code", func(r *CodeExchange) { r.Code = "not-a-code" }, ErrorCodeInvalidGrant},
		{"other client", func(r *CodeExchange) { r.Client.ClientID = "client-2" }, ErrorCodeInvalidGrant},
		{"redirect trailing slash", func(r *CodeExchange) { r.RedirectURI = testRedirectURI + "/" }, ErrorCodeInvalidGrant},
		{"wrong verifier", func(r *CodeExchange) { r.CodeVerifier = testutil.NewPKCE().Verifier }, ErrorCodeInvalidGrant},
		{"short verifier", func(r *CodeExchange) { r.CodeVerifier = "tooshort" }, ErrorCodeInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := env.srv.ExchangeAuthorizationCode(ctx, req)
			requireErrorCode(t, err, tt.wantCode)
		})
	}

	// None of the failed attempts may have consumed the code.
	stored, err := env.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if stored.Used {
		t.Fatal("failed exchanges must leave the code unused")
	}
	if _, err := env.srv.ExchangeAuthorizationCode(ctx, valid); err != nil {
		t.Fatalf("valid exchange after failures: %v", err)
	}
}

func TestExchangeAuthorizationCode_ExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")

	pkce := testutil.NewPKCE()
	code := env.authorize(t, "client-1", "", pkce)
	env.clock.Advance(11 * time.Minute)

	_, err := env.srv.ExchangeAuthorizationCode(context.Background(), CodeExchange{
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: pkce.Verifier,
		Client:       ClientCredentials{ClientID: "client-1"},
	})
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCode_ReplayRevokesIssuedTokens(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")
	ctx := context.Background()

	pkce := testutil.NewPKCE()
	code := env.authorize(t, "client-1", "", pkce)
	req := CodeExchange{
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: pkce.Verifier,
		Client:       ClientCredentials{ClientID: "client-1"},
		ClientIP:     testClientIP,
	}

	first, err := env.srv.ExchangeAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	_, err = env.srv.ExchangeAuthorizationCode(ctx, req)
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	if _, err := env.srv.ValidateBearer(ctx, first.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("access token from replayed code: err = %v, want ErrUnauthorized", err)
	}
	_, err = env.refresh(first.RefreshToken, "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	if !strings.Contains(env.logs.String(), "authorization_code_reuse_detected") {
		t.Error("expected reuse audit event")
	}
}

func TestExchangeAuthorizationCode_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")

	pkce := testutil.NewPKCE()
	code := env.authorize(t, "client-1", "", pkce)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		winner    *TokenResponse
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.srv.ExchangeAuthorizationCode(context.Background(), CodeExchange{
				Code:         code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: pkce.Verifier,
				Client:       ClientCredentials{ClientID: "client-1"},
			})
			if err == nil {
				mu.Lock()
				successes++
				winner = resp
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful exchanges = %d, want 1", successes)
	}
	// Every losing request is a replay, so the winner's family is revoked.
	if _, err := env.srv.ValidateBearer(context.Background(), winner.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("winner access token: err = %v, want ErrUnauthorized", err)
	}
	_, err := env.refresh(winner.RefreshToken, "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeAuthorizationCode_ConfidentialClient(t *testing.T) {
	env := newTestEnv(t)
	client, secret := env.confidentialClient(t)
	ctx := context.Background()

	pkce := testutil.NewPKCE()
	code := env.authorize(t, client.ClientID, "tasks:read", pkce)
	req := CodeExchange{
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: pkce.Verifier,
		Client:       ClientCredentials{ClientID: client.ClientID},
	}

	_, err := env.srv.ExchangeAuthorizationCode(ctx, req)
	requireErrorCode(t, err, ErrorCodeInvalidClient)

	req.Client.ClientSecret = "wrong"
	_, err = env.srv.ExchangeAuthorizationCode(ctx, req)
	requireErrorCode(t, err, ErrorCodeInvalidClient)

	req.Client.ClientSecret = secret
	resp, err := env.srv.ExchangeAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("authenticated exchange: %v", err)
	}
	if resp.Scope != "tasks:read" {
		t.Errorf("Scope = %q, want tasks:read", resp.Scope)
	}
}

func TestRefreshAccessToken_Rotation(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")
	ctx := context.Background()

	first := env.issueTokens(t, "client-1")
	second, err := env.refresh(first.RefreshToken, "client-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token must rotate")
	}

	old, err := env.store.GetRefreshToken(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken(old) error = %v", err)
	}
	if old.ReplacedBy != second.RefreshToken {
		t.Errorf("ReplacedBy = %q, want %q", old.ReplacedBy, second.RefreshToken)
	}
	next, err := env.store.GetRefreshToken(ctx, second.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken(new) error = %v", err)
	}
	if next.FamilyID != old.FamilyID || next.Generation != 1 {
		t.Errorf("new token = family %q gen %d, want family %q gen 1", next.FamilyID, next.Generation, old.FamilyID)
	}

	third, err := env.refresh(second.RefreshToken, "client-1")
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if _, err := env.srv.ValidateBearer(ctx, third.AccessToken); err != nil {
		t.Errorf("ValidateBearer() error = %v", err)
	}
}

func TestRefreshAccessToken_ReuseRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")
	ctx := context.Background()

	gen0 := env.issueTokens(t, "client-1")
	gen1, err := env.refresh(gen0.RefreshToken, "client-1")
	if err != nil {
		t.Fatalf("refresh gen0: %v", err)
	}
	gen2, err := env.refresh(gen1.RefreshToken, "client-1")
	if err != nil {
		t.Fatalf("refresh gen1: %v", err)
	}

	// Replaying generation N-1 revokes the family.
	_, err = env.refresh(gen1.RefreshToken, "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	// The legitimate latest token is now dead as well.
	_, err = env.refresh(gen2.RefreshToken, "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	if _, err := env.srv.ValidateBearer(ctx, gen2.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("access token of revoked family: err = %v, want ErrUnauthorized", err)
	}
	if !strings.Contains(env.logs.String(), "refresh_token_reuse_detected") {
		t.Error("expected reuse audit event")
	}
}

func TestRefreshAccessToken_ReuseRevokesOtherFamiliesOfPair(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")

	a := env.issueTokens(t, "client-1")
	b := env.issueTokens(t, "client-1")

	if _, err := env.refresh(a.RefreshToken, "client-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, err := env.refresh(a.RefreshToken, "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	_, err = env.refresh(b.RefreshToken, "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshAccessToken_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")
	env.publicClient(t, "client-2")

	resp := env.issueTokens(t, "client-1")

	_, err := env.refresh("", "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidRequest)

	_, err = env.refresh("unknown", "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	_, err = env.refresh(resp.RefreshToken, "client-2")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	_, err = env.srv.RefreshAccessToken(context.Background(), RefreshRequest{
		RefreshToken: resp.RefreshToken,
		Scope:        "tasks:read admin",
		Client:       ClientCredentials{ClientID: "client-1"},
	})
	requireErrorCode(t, err, ErrorCodeInvalidScope)

	// Failures above must not have rotated or revoked the token.
	if _, err := env.refresh(resp.RefreshToken, "client-1"); err != nil {
		t.Fatalf("refresh after failures: %v", err)
	}
}

func TestRefreshAccessToken_NarrowScope(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")
	ctx := context.Background()

	resp := env.issueTokens(t, "client-1")
	narrowed, err := env.srv.RefreshAccessToken(ctx, RefreshRequest{
		RefreshToken: resp.RefreshToken,
		Scope:        "tasks:read",
		Client:       ClientCredentials{ClientID: "client-1"},
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if narrowed.Scope != "tasks:read" {
		t.Errorf("Scope = %q, want tasks:read", narrowed.Scope)
	}

	// The refresh token keeps the original grant.
	rt, err := env.store.GetRefreshToken(ctx, narrowed.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if rt.Scope != "tasks:read tasks:write" {
		t.Errorf("refresh token scope = %q", rt.Scope)
	}
}

func TestRefreshAccessToken_Expired(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")

	resp := env.issueTokens(t, "client-1")
	env.clock.Advance(DefaultRefreshTokenTTL + time.Minute)

	_, err := env.refresh(resp.RefreshToken, "client-1")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestRevokeToken(t *testing.T) {
	ctx := context.Background()
	creds := ClientCredentials{ClientID: "client-1"}

	t.Run("refresh token revokes family", func(t *testing.T) {
		env := newTestEnv(t)
		env.publicClient(t, "client-1")
		resp := env.issueTokens(t, "client-1")

		if err := env.srv.RevokeToken(ctx, resp.RefreshToken, TokenTypeHintRefreshToken, creds, testClientIP); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		_, err := env.refresh(resp.RefreshToken, "client-1")
		requireErrorCode(t, err, ErrorCodeInvalidGrant)
		if _, err := env.srv.ValidateBearer(ctx, resp.AccessToken); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("ValidateBearer() err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("access token revokes family", func(t *testing.T) {
		env := newTestEnv(t)
		env.publicClient(t, "client-1")
		resp := env.issueTokens(t, "client-1")

		if err := env.srv.RevokeToken(ctx, resp.AccessToken, "", creds, testClientIP); err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		_, err := env.refresh(resp.RefreshToken, "client-1")
		requireErrorCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("unknown token is ignored", func(t *testing.T) {
		env := newTestEnv(t)
		env.publicClient(t, "client-1")
		if err := env.srv.RevokeToken(ctx, "garbage", TokenTypeHintAccessToken, creds, testClientIP); err != nil {
			t.Errorf("RevokeToken() error = %v, want nil", err)
		}
	})

	t.Run("token of another client is ignored", func(t *testing.T) {
		env := newTestEnv(t)
		env.publicClient(t, "client-1")
		env.publicClient(t, "client-2")
		resp := env.issueTokens(t, "client-1")

		err := env.srv.RevokeToken(ctx, resp.RefreshToken, "", ClientCredentials{ClientID: "client-2"}, testClientIP)
		if err != nil {
			t.Fatalf("RevokeToken() error = %v", err)
		}
		if _, err := env.refresh(resp.RefreshToken, "client-1"); err != nil {
			t.Errorf("token must survive revocation by another client: %v", err)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		env := newTestEnv(t)
		env.publicClient(t, "client-1")
		requireErrorCode(t, env.srv.RevokeToken(ctx, "", "", creds, testClientIP), ErrorCodeInvalidRequest)
	})
}

func TestRevokeAllForUserClient(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")

	a := env.issueTokens(t, "client-1")
	b := env.issueTokens(t, "client-1")

	n, err := env.srv.RevokeAllForUserClient(context.Background(), testUserID, "client-1", testClientIP)
	if err != nil {
		t.Fatalf("RevokeAllForUserClient() error = %v", err)
	}
	if n != 2 {
		t.Errorf("revoked families = %d, want 2", n)
	}
	for _, resp := range []*TokenResponse{a, b} {
		_, err := env.refresh(resp.RefreshToken, "client-1")
		requireErrorCode(t, err, ErrorCodeInvalidGrant)
	}

	rt, err := env.store.GetRefreshToken(context.Background(), a.RefreshToken)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if !rt.Revoked {
		t.Error("expected token to be marked revoked")
	}
	if _, err := env.store.GetRefreshToken(context.Background(), "nope"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("GetRefreshToken(unknown) err = %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	env := newTestEnv(t)
	env.publicClient(t, "client-1")
	env.publicClient(t, "client-2")
	ctx := context.Background()

	a := env.issueTokens(t, "client-1")
	b := env.issueTokens(t, "client-2")

	n, err := env.srv.RevokeAllForUser(ctx, testUserID, testClientIP)
	if err != nil {
		t.Fatalf("RevokeAllForUser() error = %v", err)
	}
	if n != 2 {
		t.Errorf("revoked families = %d, want 2", n)
	}

	for _, tc := range []struct {
		clientID string
		resp     *TokenResponse
	}{
		{"client-1", a},
		{"client-2", b},
	} {
		if _, err := env.srv.ValidateBearer(ctx, tc.resp.AccessToken); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s access token: err = %v, want ErrUnauthorized", tc.clientID, err)
		}
		_, err := env.refresh(tc.resp.RefreshToken, tc.clientID)
		requireErrorCode(t, err, ErrorCodeInvalidGrant)
	}

	if !strings.Contains(env.logs.String(), "token_revoked") {
		t.Error("expected revocation audit event")
	}

	// Families issued afterwards are unaffected.
	c := env.issueTokens(t, "client-1")
	if _, err := env.srv.ValidateBearer(ctx, c.AccessToken); err != nil {
		t.Errorf("new access token: %v", err)
	}

	if n, err := env.srv.RevokeAllForUser(ctx, "nobody", testClientIP); err != nil || n != 0 {
		t.Errorf("RevokeAllForUser(unknown) = %d, %v", n, err)
	}
	if _, err := env.srv.RevokeAllForUser(ctx, "", testClientIP); err == nil {
		t.Error("RevokeAllForUser(\"\") expected error")
	}
}
