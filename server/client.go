package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mindflow-oauth/internal/helpers"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/storage"
)

// Token endpoint authentication methods (RFC 7591)
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// Grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// SupportedGrantTypes lists the grants clients may register for
var SupportedGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}

// MaxClientNameLength bounds client_name
const MaxClientNameLength = 256

// ClientRegistration is validated client metadata (RFC 7591) plus the
// request context needed for abuse protection.
type ClientRegistration struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
	LogoURI                 string
	PolicyURI               string
	TOSURI                  string

	// IdempotencyKey makes retries of the same registration safe. Optional.
	IdempotencyKey string
	// ClientIP is used for the per-IP registration limit
	ClientIP string
}

// Registration is the outcome of RegisterClient.
type Registration struct {
	Client *storage.Client
	// Secret is the plaintext client secret. It is only set when the client
	// was created by this call and is confidential.
	Secret string
	// Replayed is true when an Idempotency-Key matched an earlier identical
	// registration; the earlier client is returned and no secret is minted.
	Replayed bool
}

// RegisterClient validates metadata and creates a client. Confidential
// clients get a secret that is returned once and stored only as a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*Registration, error) {
	ctx, span := s.startSpan(ctx, "server.RegisterClient")
	defer span.End()

	client, oauthErr := s.buildClient(reg)
	if oauthErr != nil {
		s.auditRegistrationRejected(reg, oauthErr)
		return nil, oauthErr
	}

	// A replayed Idempotency-Key returns the earlier client and does not
	// count against the caller's registration limit.
	if reg.IdempotencyKey != "" {
		existing, err := s.claimIdempotencyKey(ctx, reg, client.ClientID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.Logger.Info("Replayed idempotent client registration", "client_id", existing.ClientID)
			return &Registration{Client: existing, Replayed: true}, nil
		}
	}

	if err := s.store.CheckIPLimit(ctx, reg.ClientIP, s.Config.MaxClientsPerIP); err != nil {
		s.releaseIdempotencyKey(ctx, reg.IdempotencyKey, client.ClientID)
		if errors.Is(err, storage.ErrClientIPLimitExceeded) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventClientRegistrationRateLimitExceeded,
				IPAddress: reg.ClientIP,
				Details:   map[string]any{"max_clients_per_ip": s.Config.MaxClientsPerIP},
			})
			return nil, err
		}
		return nil, ServerError(err)
	}

	var secret string
	if client.IsConfidential() {
		secret = generateSecret()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.Config.BcryptCost)
		if err != nil {
			s.releaseIdempotencyKey(ctx, reg.IdempotencyKey, client.ClientID)
			return nil, ServerError(fmt.Errorf("failed to hash client secret: %w", err))
		}
		client.ClientSecretHash = string(hash)
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		s.releaseIdempotencyKey(ctx, reg.IdempotencyKey, client.ClientID)
		return nil, ServerError(fmt.Errorf("failed to save client: %w", err))
	}

	s.Logger.Info("Registered new client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"redirect_uris", len(client.RedirectURIs))
	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, reg.ClientIP)
	s.metrics().RecordClientRegistration(ctx, client.ClientType)

	return &Registration{Client: client, Secret: secret}, nil
}

// buildClient validates registration metadata and fills in defaults.
func (s *Server) buildClient(reg ClientRegistration) (*storage.Client, *Error) {
	if len(reg.ClientName) > MaxClientNameLength {
		return nil, InvalidClientMetadata(fmt.Sprintf("client_name exceeds %d characters", MaxClientNameLength))
	}

	if err := s.ValidateRedirectURIsForRegistration(reg.RedirectURIs); err != nil {
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"error", err.Error(),
			"category", GetRedirectURIErrorCategory(err),
			"client_ip", reg.ClientIP)
		return nil, InvalidRedirectURI(err.Error())
	}

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = SupportedGrantTypes
	}
	for _, gt := range grantTypes {
		if !slices.Contains(SupportedGrantTypes, gt) {
			return nil, InvalidClientMetadata(fmt.Sprintf("unsupported grant_type %q", gt))
		}
	}
	if !slices.Contains(grantTypes, GrantTypeAuthorizationCode) {
		return nil, InvalidClientMetadata("grant_types must include authorization_code")
	}

	responseTypes := reg.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range responseTypes {
		if rt != ResponseTypeCode {
			return nil, InvalidClientMetadata(fmt.Sprintf("unsupported response_type %q", rt))
		}
	}

	scopes := helpers.ParseScope(reg.Scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(s.Config.DefaultClientScopes)
	}
	if offending, ok := helpers.ScopeSubset(scopes, s.Config.SupportedScopes); !ok {
		return nil, InvalidClientMetadata(fmt.Sprintf("unsupported scope %q", offending))
	}

	clientType, authMethod, err := resolveClientTypeAndAuthMethod(reg.TokenEndpointAuthMethod)
	if err != nil {
		return nil, err
	}

	for field, value := range map[string]string{"logo_uri": reg.LogoURI, "policy_uri": reg.PolicyURI, "tos_uri": reg.TOSURI} {
		if value == "" {
			continue
		}
		if u, err := url.Parse(value); err != nil || u.Scheme != SchemeHTTPS || u.Host == "" {
			return nil, InvalidClientMetadata(fmt.Sprintf("%s must be an absolute https URI", field))
		}
	}

	return &storage.Client{
		ClientID:                generateClientID(),
		ClientType:              clientType,
		ClientName:              reg.ClientName,
		RedirectURIs:            slices.Clone(reg.RedirectURIs),
		GrantTypes:              slices.Clone(grantTypes),
		ResponseTypes:           slices.Clone(responseTypes),
		Scopes:                  scopes,
		TokenEndpointAuthMethod: authMethod,
		LogoURI:                 reg.LogoURI,
		PolicyURI:               reg.PolicyURI,
		TOSURI:                  reg.TOSURI,
		Active:                  true,
		CreatedAt:               s.now(),
	}, nil
}

// resolveClientTypeAndAuthMethod maps token_endpoint_auth_method to a client
// type (RFC 7591 Section 2). The default is a confidential client using
// HTTP Basic.
func resolveClientTypeAndAuthMethod(method string) (string, string, *Error) {
	switch method {
	case "", TokenEndpointAuthMethodBasic:
		return storage.ClientTypeConfidential, TokenEndpointAuthMethodBasic, nil
	case TokenEndpointAuthMethodPost:
		return storage.ClientTypeConfidential, TokenEndpointAuthMethodPost, nil
	case TokenEndpointAuthMethodNone:
		return storage.ClientTypePublic, TokenEndpointAuthMethodNone, nil
	default:
		return "", "", InvalidClientMetadata(fmt.Sprintf("unsupported token_endpoint_auth_method %q", method))
	}
}

// registrationFingerprint identifies the metadata of a registration request.
func registrationFingerprint(reg ClientRegistration) string {
	data, _ := json.Marshal(struct {
		Name, Scope, AuthMethod, Logo, Policy, TOS string
		RedirectURIs, GrantTypes, ResponseTypes    []string
	}{
		reg.ClientName, reg.Scope, reg.TokenEndpointAuthMethod, reg.LogoURI, reg.PolicyURI, reg.TOSURI,
		reg.RedirectURIs, reg.GrantTypes, reg.ResponseTypes,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// claimIdempotencyKey returns the client of an earlier identical
// registration, or nil if this request claimed the key.
func (s *Server) claimIdempotencyKey(ctx context.Context, reg ClientRegistration, clientID string) (*storage.Client, error) {
	now := s.now()
	rec := &storage.IdempotencyRecord{
		Key:         reg.IdempotencyKey,
		Fingerprint: registrationFingerprint(reg),
		ClientID:    clientID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.Config.IdempotencyKeyTTL),
	}

	existing, err := s.store.ClaimIdempotencyKey(ctx, rec)
	if err != nil {
		return nil, ServerError(err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.Fingerprint != rec.Fingerprint {
		return nil, InvalidClientMetadata("Idempotency-Key was already used with different metadata")
	}

	client, err := s.store.GetClient(ctx, existing.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			// The first request claimed the key but has not saved its client yet.
			return nil, InvalidRequest("a registration with this Idempotency-Key is still in progress")
		}
		return nil, ServerError(err)
	}
	return client, nil
}

// releaseIdempotencyKey frees a key this registration claimed but could not
// complete. Failures are logged; the claim then simply expires.
func (s *Server) releaseIdempotencyKey(ctx context.Context, key, clientID string) {
	if key == "" {
		return
	}
	if err := s.store.ReleaseIdempotencyKey(ctx, key, clientID); err != nil {
		s.Logger.Error("Failed to release idempotency key", "client_id", clientID, "error", err)
	}
}

func (s *Server) auditRegistrationRejected(reg ClientRegistration, err *Error) {
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientRegistrationRejected,
		IPAddress: reg.ClientIP,
		Details: map[string]any{
			"error":       err.Code,
			"description": err.Description,
		},
	})
}

// GetClient returns an active client
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Active {
		return nil, storage.ErrClientNotFound
	}
	return client, nil
}

// VerifyClientSecret reports whether secret authenticates clientID. Unknown
// clients cost the same bcrypt comparison as known ones.
func (s *Server) VerifyClientSecret(ctx context.Context, clientID, secret string) bool {
	client, err := s.GetClient(ctx, clientID)
	if err != nil || client.ClientSecretHash == "" {
		_ = bcrypt.CompareHashAndPassword(s.dummySecretHash, []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) == nil
}

// DeactivateClient revokes a client. Its refresh tokens stop rotating and
// its access tokens stop validating.
func (s *Server) DeactivateClient(ctx context.Context, clientID, actorIP string) error {
	if err := s.store.DeactivateClient(ctx, clientID); err != nil {
		return err
	}
	s.Logger.Info("Deactivated client", "client_id", clientID)
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventClientDeactivated,
		ClientID:  clientID,
		IPAddress: actorIP,
	})
	return nil
}

// ClientCredentials are the client authentication parameters of a token
// or revocation request.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	// UsedBasicAuth is true when the credentials came from the Authorization header
	UsedBasicAuth bool
}

// authenticateClient resolves and authenticates the client of a token
// endpoint request (RFC 6749 Section 2.3).
func (s *Server) authenticateClient(ctx context.Context, creds ClientCredentials, clientIP string) (*storage.Client, *Error) {
	if creds.ClientID == "" {
		return nil, InvalidClient("client authentication required")
	}

	client, err := s.GetClient(ctx, creds.ClientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return nil, ServerError(err)
	}

	if client == nil {
		_ = bcrypt.CompareHashAndPassword(s.dummySecretHash, []byte(creds.ClientSecret))
		s.Auditor.LogAuthFailure("", creds.ClientID, clientIP, "unknown_client")
		return nil, InvalidClient("client authentication failed")
	}

	if !client.IsConfidential() {
		if creds.ClientSecret != "" {
			s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "public_client_presented_secret")
			return nil, InvalidClient("public clients must not authenticate with a secret")
		}
		return client, nil
	}

	if creds.ClientSecret == "" {
		s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "missing_client_secret")
		return nil, InvalidClient("client authentication failed")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(creds.ClientSecret)) != nil {
		s.Auditor.LogAuthFailure("", client.ClientID, clientIP, "invalid_client_secret")
		return nil, InvalidClient("client authentication failed")
	}
	return client, nil
}
