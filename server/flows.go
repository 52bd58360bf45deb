package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/mindflow-oauth/internal/helpers"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/storage"
	"github.com/giantswarm/mindflow-oauth/token"
)

// TokenTypeBearer is the token_type of every token response
const TokenTypeBearer = "bearer"

// Token type hints for revocation (RFC 7009 Section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenResponse is the successful token endpoint response (RFC 6749 Section 5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// CodeExchange is an authorization_code grant request
type CodeExchange struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	Client       ClientCredentials
	ClientIP     string
}

// ExchangeAuthorizationCode redeems an authorization code for an access
// token and the first refresh token of the code's family. A rejected
// request leaves the code untouched; presenting a code that was already
// redeemed revokes every token issued from it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req CodeExchange) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()

	resp, err := s.exchangeAuthorizationCode(ctx, req)
	if err != nil {
		s.metrics().RecordCodeExchange(ctx, AsError(err).Code)
		return nil, err
	}
	s.metrics().RecordCodeExchange(ctx, "success")
	return resp, nil
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, req CodeExchange) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, InvalidRequest("code is required")
	}
	if req.RedirectURI == "" {
		return nil, InvalidRequest("redirect_uri is required")
	}
	if req.CodeVerifier == "" {
		return nil, InvalidRequest("code_verifier is required")
	}

	client, authErr := s.authenticateClient(ctx, req.Client, req.ClientIP)
	if authErr != nil {
		return nil, authErr
	}
	if !client.SupportsGrant(GrantTypeAuthorizationCode) {
		return nil, UnauthorizedClient("client is not allowed to use the authorization code grant")
	}

	code, err := s.store.GetAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			s.Auditor.LogAuthFailure("", client.ClientID, req.ClientIP, "unknown_authorization_code")
			return nil, InvalidGrant("invalid authorization code")
		}
		return nil, ServerError(err)
	}

	// A code bound to another client is reported like an unknown code and
	// must not trigger revocation on behalf of the presenting client.
	if code.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(code.UserID, client.ClientID, req.ClientIP, "authorization_code_client_mismatch")
		return nil, InvalidGrant("invalid authorization code")
	}
	if code.Used {
		return nil, s.handleCodeReplay(ctx, code, req.ClientIP)
	}
	if security.IsExpired(s.now(), code.ExpiresAt, security.DefaultClockSkewGracePeriod) {
		return nil, InvalidGrant("authorization code expired")
	}
	if code.RedirectURI != req.RedirectURI {
		s.Auditor.LogAuthFailure(code.UserID, client.ClientID, req.ClientIP, "redirect_uri_mismatch")
		return nil, InvalidGrant("redirect_uri does not match the authorization request")
	}
	if err := verifyPKCE(code.CodeChallenge, req.CodeVerifier); err != nil {
		s.Logger.Debug("PKCE verification failed", "client_id", client.ClientID, "error", err)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			UserID:    code.UserID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		s.metrics().RecordPKCEValidationFailed(ctx, "verifier_mismatch")
		return nil, InvalidGrant("code_verifier does not match code_challenge")
	}

	consumed, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAuthorizationCodeUsed):
		// Lost the race against a concurrent exchange of the same code.
		return nil, s.handleCodeReplay(ctx, code, req.ClientIP)
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound), errors.Is(err, storage.ErrAuthorizationCodeExpired):
		return nil, InvalidGrant("authorization code expired")
	default:
		return nil, ServerError(err)
	}

	refresh, err := s.newRefreshToken(consumed.FamilyID, 0, consumed.UserID, client.ClientID, consumed.Scope)
	if err != nil {
		return nil, ServerError(err)
	}
	if err := s.store.SaveRefreshToken(ctx, refresh); err != nil {
		if !errors.Is(err, storage.ErrRefreshTokenRevoked) {
			return nil, ServerError(err)
		}
		// This request consumed the code, so it still answers; the tokens
		// it hands out belong to a family that is already revoked.
		s.Logger.Warn("Authorization code exchange raced a revocation, issued tokens are unusable",
			"client_id", client.ClientID,
			"family_id", consumed.FamilyID)
	}

	resp, err := s.issueTokenResponse(consumed.UserID, client.ClientID, consumed.Scope, refresh)
	if err != nil {
		return nil, ServerError(err)
	}

	s.Logger.Info("Exchanged authorization code",
		"client_id", client.ClientID,
		"family_id", consumed.FamilyID,
		"scope", consumed.Scope)
	s.Auditor.LogTokenIssued(consumed.UserID, client.ClientID, req.ClientIP, consumed.Scope, consumed.FamilyID)
	return resp, nil
}

// handleCodeReplay revokes everything issued from a replayed code
// (RFC 6819 Section 4.4.1.1).
//
// A duplicate exchange racing the one that consumed the code lands here
// too. It is treated as a replay: the winner still gets its response, but
// the family behind it is revoked, so those tokens stop working.
func (s *Server) handleCodeReplay(ctx context.Context, code *storage.AuthorizationCode, clientIP string) error {
	s.Logger.Error("Authorization code reuse detected, revoking issued tokens",
		"client_id", code.ClientID,
		"family_id", code.FamilyID,
		"code_prefix", helpers.SafeTruncate(code.Code, tokenIDLogLength))
	s.metrics().RecordCodeReuse(ctx)

	revoked, err := s.revokeFamilyAndPair(ctx, code.FamilyID, code.UserID, code.ClientID, "code_reuse")
	s.Auditor.LogReplayDetected(security.EventAuthorizationCodeReuse, code.UserID, code.ClientID, clientIP, code.FamilyID, revoked)
	if err != nil {
		return ServerError(err)
	}
	return InvalidGrant("authorization code already used")
}

// revokeFamilyAndPair revokes a family and then every other family of the
// user and client pair. It returns the number of families revoked.
func (s *Server) revokeFamilyAndPair(ctx context.Context, familyID, userID, clientID, reason string) (int, error) {
	revoked := 0
	if familyID != "" {
		if _, err := s.store.RevokeFamily(ctx, familyID); err != nil {
			return 0, fmt.Errorf("failed to revoke family: %w", err)
		}
		revoked++
	}
	n, err := s.store.RevokeAllForUserClient(ctx, userID, clientID)
	if err != nil {
		return revoked, fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	revoked += n
	s.metrics().RecordTokenRevocation(ctx, reason, revoked)
	return revoked, nil
}

// RefreshRequest is a refresh_token grant request
type RefreshRequest struct {
	RefreshToken string
	// Scope optionally narrows the access token; the refresh token keeps the original grant
	Scope    string
	Client   ClientCredentials
	ClientIP string
}

// RefreshAccessToken rotates a refresh token. Presenting a token that was
// already rotated revokes its whole family.
func (s *Server) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "server.RefreshAccessToken")
	defer span.End()

	resp, err := s.refreshAccessToken(ctx, req)
	if err != nil {
		s.metrics().RecordTokenRefresh(ctx, AsError(err).Code)
		return nil, err
	}
	s.metrics().RecordTokenRefresh(ctx, "success")
	return resp, nil
}

func (s *Server) refreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, InvalidRequest("refresh_token is required")
	}

	client, authErr := s.authenticateClient(ctx, req.Client, req.ClientIP)
	if authErr != nil {
		return nil, authErr
	}
	if !client.SupportsGrant(GrantTypeRefreshToken) {
		return nil, UnauthorizedClient("client is not allowed to use the refresh token grant")
	}

	current, err := s.store.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return nil, InvalidGrant("invalid refresh token")
		}
		return nil, ServerError(err)
	}
	if current.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(current.UserID, client.ClientID, req.ClientIP, "refresh_token_client_mismatch")
		return nil, InvalidGrant("invalid refresh token")
	}

	scope, scopeErr := narrowScope(req.Scope, current.Scope)
	if scopeErr != nil {
		return nil, scopeErr
	}

	next, err := s.newRefreshToken(current.FamilyID, current.Generation+1, current.UserID, current.ClientID, current.Scope)
	if err != nil {
		return nil, ServerError(err)
	}

	old, err := s.store.RotateRefreshToken(ctx, current.TokenID, next)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrRefreshTokenReused):
		if old == nil {
			old = current
		}
		return nil, s.handleRefreshReplay(ctx, old, req.ClientIP)
	case errors.Is(err, storage.ErrRefreshTokenRevoked):
		s.Logger.Warn("Attempted use of revoked refresh token family",
			"client_id", client.ClientID,
			"family_id", current.FamilyID)
		return nil, InvalidGrant("refresh token has been revoked")
	case errors.Is(err, storage.ErrRefreshTokenExpired):
		return nil, InvalidGrant("refresh token expired")
	case errors.Is(err, storage.ErrRefreshTokenNotFound):
		return nil, InvalidGrant("invalid refresh token")
	default:
		return nil, ServerError(err)
	}

	resp, err := s.issueTokenResponse(old.UserID, old.ClientID, scope, next)
	if err != nil {
		return nil, ServerError(err)
	}

	s.Logger.Info("Rotated refresh token",
		"client_id", old.ClientID,
		"family_id", old.FamilyID,
		"generation", next.Generation)
	s.Auditor.LogTokenRefreshed(old.UserID, old.ClientID, req.ClientIP, old.FamilyID, next.Generation)
	return resp, nil
}

func (s *Server) handleRefreshReplay(ctx context.Context, old *storage.RefreshToken, clientIP string) error {
	s.Logger.Error("Refresh token reuse detected, revoking token family",
		"client_id", old.ClientID,
		"family_id", old.FamilyID,
		"generation", old.Generation)
	s.metrics().RecordTokenReuse(ctx)

	revoked, err := s.revokeFamilyAndPair(ctx, old.FamilyID, old.UserID, old.ClientID, "refresh_reuse")
	s.Auditor.LogReplayDetected(security.EventRefreshTokenReuse, old.UserID, old.ClientID, clientIP, old.FamilyID, revoked)
	if err != nil {
		return ServerError(err)
	}
	return InvalidGrant("refresh token already used")
}

func (s *Server) newRefreshToken(familyID string, generation int, userID, clientID, scope string) (*storage.RefreshToken, error) {
	if familyID == "" {
		return nil, fmt.Errorf("refresh token requires a family id")
	}
	now := s.now()
	return &storage.RefreshToken{
		TokenID:    generateRandomToken(),
		FamilyID:   familyID,
		Generation: generation,
		UserID:     userID,
		ClientID:   clientID,
		Scope:      scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.Config.RefreshTokenTTL),
	}, nil
}

func (s *Server) issueTokenResponse(userID, clientID, scope string, refresh *storage.RefreshToken) (*TokenResponse, error) {
	access, _, err := s.codec.Mint(userID, clientID, scope, refresh.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.codec.AccessTokenTTL().Seconds()),
		RefreshToken: refresh.TokenID,
		Scope:        scope,
	}, nil
}

// RevokeToken implements RFC 7009. Refresh tokens revoke their family;
// access tokens revoke the family they were minted for. Unknown tokens and
// tokens of other clients are ignored, as RFC 7009 Section 2.2 requires the
// same response either way.
func (s *Server) RevokeToken(ctx context.Context, raw, hint string, creds ClientCredentials, clientIP string) error {
	ctx, span := s.startSpan(ctx, "server.RevokeToken")
	defer span.End()

	if raw == "" {
		return InvalidRequest("token is required")
	}
	client, authErr := s.authenticateClient(ctx, creds, clientIP)
	if authErr != nil {
		return authErr
	}

	userID, familyID, err := s.resolveRevocationTarget(ctx, raw, hint, client.ClientID)
	if err != nil {
		return ServerError(err)
	}
	if familyID == "" {
		s.Logger.Debug("Revocation request for unknown token", "client_id", client.ClientID)
		return nil
	}

	if _, err := s.store.RevokeFamily(ctx, familyID); err != nil {
		return ServerError(err)
	}
	s.metrics().RecordTokenRevocation(ctx, "client_request", 1)
	s.Logger.Info("Revoked token family", "client_id", client.ClientID, "family_id", familyID)
	s.Auditor.LogTokenRevoked(userID, client.ClientID, clientIP, familyID)
	return nil
}

// resolveRevocationTarget finds the family of raw, trying the hinted type
// first. It returns an empty family for unknown tokens.
func (s *Server) resolveRevocationTarget(ctx context.Context, raw, hint, clientID string) (string, string, error) {
	lookups := []func() (string, string, error){
		func() (string, string, error) { return s.refreshTokenFamily(ctx, raw, clientID) },
		func() (string, string, error) { return s.accessTokenFamily(raw, clientID) },
	}
	if hint == TokenTypeHintAccessToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		userID, familyID, err := lookup()
		if err != nil || familyID != "" {
			return userID, familyID, err
		}
	}
	return "", "", nil
}

func (s *Server) refreshTokenFamily(ctx context.Context, raw, clientID string) (string, string, error) {
	rt, err := s.store.GetRefreshToken(ctx, raw)
	if errors.Is(err, storage.ErrRefreshTokenNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if rt.ClientID != clientID {
		return "", "", nil
	}
	return rt.UserID, rt.FamilyID, nil
}

func (s *Server) accessTokenFamily(raw, clientID string) (string, string, error) {
	res := s.codec.Verify(raw)
	// Expired tokens need no revocation and cannot be trusted to name a family.
	if res.Kind() != token.Valid {
		return "", "", nil
	}
	claims := res.Claims()
	if claims.ClientID != clientID {
		return "", "", nil
	}
	return claims.Subject, claims.FamilyID, nil
}

// RevokeAllForUserClient revokes every refresh token family of a user and
// client pair, for example when the user withdraws consent.
func (s *Server) RevokeAllForUserClient(ctx context.Context, userID, clientID, clientIP string) (int, error) {
	n, err := s.store.RevokeAllForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens for user and client: %w", err)
	}
	s.metrics().RecordTokenRevocation(ctx, "user_client", n)
	s.Logger.Info("Revoked all token families for user and client", "client_id", clientID, "families", n)
	s.Auditor.LogTokenRevoked(userID, clientID, clientIP, "")
	return n, nil
}

// RevokeAllForUser revokes every refresh token family of a user across all
// clients, for example on logout or password change. Access tokens of those
// families are rejected from then on.
func (s *Server) RevokeAllForUser(ctx context.Context, userID, clientIP string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	n, err := s.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens for user: %w", err)
	}
	s.metrics().RecordTokenRevocation(ctx, "user", n)
	s.Logger.Info("Revoked all token families for user", "families", n)
	s.Auditor.LogTokenRevoked(userID, "", clientIP, "")
	return n, nil
}
