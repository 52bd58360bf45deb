package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mindflow-oauth/instrumentation"
	"github.com/giantswarm/mindflow-oauth/internal/helpers"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/server"
)

// Endpoint paths, relative to the issuer
const (
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathJWKS                        = "/jwks"
	PathWellKnownJWKS               = "/.well-known/jwks.json"
	PathRegister                    = "/register"
	PathAuthorize                   = "/authorize"
	PathToken                       = "/token"
	PathRevoke                      = "/revoke"
	PathHealth                      = "/health"
	PathMetrics                     = "/metrics"
)

// IdempotencyKeyHeader makes client registration retries safe
const IdempotencyKeyHeader = "Idempotency-Key"

// maxFormBytes bounds request bodies of the form and JSON endpoints
const maxFormBytes = 64 << 10

// maxEchoedValueLength bounds request values echoed in error descriptions
const maxEchoedValueLength = 64

// UserAuthenticator resolves the resource owner of a browser request, for
// example from a session cookie set by the application's login page.
type UserAuthenticator interface {
	AuthenticatedUser(r *http.Request) (userID string, ok bool)
}

// UserAuthenticatorFunc adapts a function to UserAuthenticator
type UserAuthenticatorFunc func(r *http.Request) (string, bool)

// AuthenticatedUser calls f(r)
func (f UserAuthenticatorFunc) AuthenticatedUser(r *http.Request) (string, bool) {
	return f(r)
}

// KeySet publishes the public signing keys
type KeySet interface {
	PublicKeys() jose.JSONWebKeySet
}

// HandlerConfig holds the optional collaborators of a Handler
type HandlerConfig struct {
	// Authenticator identifies the logged-in user on /authorize (required)
	Authenticator UserAuthenticator

	// RateLimiter limits the authorization endpoints per client IP. Optional.
	RateLimiter *security.RateLimiter

	// ScopeDescriptions are shown on the consent page.
	// Default: DefaultScopeDescriptions
	ScopeDescriptions map[string]string

	// Instrumentation records HTTP spans. Optional.
	Instrumentation *instrumentation.Instrumentation
}

// Handler serves the OAuth HTTP endpoints
type Handler struct {
	server        *server.Server
	keys          KeySet
	authenticator UserAuthenticator
	limiter       *security.RateLimiter
	scopeText     map[string]string
	metadata      []byte
	logger        *slog.Logger
	tracer        trace.Tracer
	inst          *instrumentation.Instrumentation
}

// NewHandler creates a Handler. The discovery document is built once here.
func NewHandler(srv *server.Server, ks KeySet, cfg HandlerConfig, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if ks == nil {
		return nil, fmt.Errorf("key set is required")
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("user authenticator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeDescriptions == nil {
		cfg.ScopeDescriptions = DefaultScopeDescriptions
	}

	h := &Handler{
		server:        srv,
		keys:          ks,
		authenticator: cfg.Authenticator,
		limiter:       cfg.RateLimiter,
		scopeText:     cfg.ScopeDescriptions,
		logger:        logger,
		tracer:        cfg.Instrumentation.Tracer("http"),
		inst:          cfg.Instrumentation,
	}

	metadata, err := json.Marshal(h.buildAuthServerMetadata())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization server metadata: %w", err)
	}
	h.metadata = metadata

	return h, nil
}

// endpoint returns the absolute URL of path under the issuer
func (h *Handler) endpoint(path string) string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/") + path
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	authMethods := []string{
		server.TokenEndpointAuthMethodBasic,
		server.TokenEndpointAuthMethodPost,
		server.TokenEndpointAuthMethodNone,
	}
	return AuthorizationServerMetadata{
		Issuer:                                 h.server.Config.Issuer,
		AuthorizationEndpoint:                  h.endpoint(PathAuthorize),
		TokenEndpoint:                          h.endpoint(PathToken),
		RegistrationEndpoint:                   h.endpoint(PathRegister),
		RevocationEndpoint:                     h.endpoint(PathRevoke),
		JWKSURI:                                h.endpoint(PathJWKS),
		ScopesSupported:                        h.server.Config.SupportedScopes,
		ResponseTypesSupported:                 []string{server.ResponseTypeCode},
		GrantTypesSupported:                    server.SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported:      authMethods,
		RevocationEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:          []string{server.PKCEMethodS256},
	}
}

// checkIPRateLimit reports whether the request was rejected with 429
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.limiter == nil || h.limiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "endpoint", endpoint, "request_id", security.GetRequestID(r.Context()))
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	h.inst.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "too many requests, try again later", http.StatusTooManyRequests)
	return true
}

func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	ctx, span := h.tracer.Start(r.Context(), name)
	return r.WithContext(ctx), span
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.metadata)
}

// ServeJWKS serves the current public signing keys, retired keys included
// until their grace period ends.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.keys.PublicKeys())
}

// ServeHealth reports liveness
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// ServeClientRegistration handles RFC 7591 dynamic client registration
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, span := h.startSpan(r, "oauth.http.client_registration")
	defer span.End()

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "register") {
		return
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidClientMetadata, "request body must be a JSON client metadata document", http.StatusBadRequest)
		return
	}

	reg, err := h.server.RegisterClient(r.Context(), server.ClientRegistration{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		LogoURI:                 req.LogoURI,
		PolicyURI:               req.PolicyURI,
		TOSURI:                  req.TOSURI,
		IdempotencyKey:          r.Header.Get(IdempotencyKeyHeader),
		ClientIP:                clientIP,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeRegistrationResponse(w, reg)
}

// writeRegistrationResponse writes 201 with the client metadata. The secret
// is only included when it was minted by this request.
func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, reg *server.Registration) {
	client := reg.Client
	resp := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            reg.Secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
		LogoURI:                 client.LogoURI,
		PolicyURI:               client.PolicyURI,
		TOSURI:                  client.TOSURI,
	}
	if client.IsConfidential() {
		var never int64
		resp.ClientSecretExpiresAt = &never
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeToken handles the token endpoint (RFC 6749 Section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, span := h.startSpan(r, "oauth.http.token")
	defer span.End()

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "token") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}
	creds, oauthErr := clientCredentials(r)
	if oauthErr != nil {
		h.writeError(w, oauthErr.Code, oauthErr.Description, HTTPStatus(oauthErr.Code))
		return
	}

	var (
		resp *server.TokenResponse
		err  error
	)
	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case server.GrantTypeAuthorizationCode:
		resp, err = h.server.ExchangeAuthorizationCode(r.Context(), server.CodeExchange{
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			Client:       creds,
			ClientIP:     clientIP,
		})
	case server.GrantTypeRefreshToken:
		resp, err = h.server.RefreshAccessToken(r.Context(), server.RefreshRequest{
			RefreshToken: r.PostForm.Get("refresh_token"),
			Scope:        r.PostForm.Get("scope"),
			Client:       creds,
			ClientIP:     clientIP,
		})
	case "":
		err = server.InvalidRequest("grant_type is required")
	default:
		err = server.UnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", helpers.SafeTruncate(grantType, maxEchoedValueLength)))
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeTokenRevocation handles RFC 7009 token revocation. Unknown tokens
// are answered with 200 like known ones.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r, span := h.startSpan(r, "oauth.http.revoke")
	defer span.End()

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "revoke") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "failed to parse request", http.StatusBadRequest)
		return
	}
	creds, oauthErr := clientCredentials(r)
	if oauthErr != nil {
		h.writeError(w, oauthErr.Code, oauthErr.Description, HTTPStatus(oauthErr.Code))
		return
	}

	err := h.server.RevokeToken(r.Context(), r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"), creds, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetNoStore(w)
	w.WriteHeader(http.StatusOK)
}

// clientCredentials reads client_secret_basic or client_secret_post
// credentials. Using both is rejected (RFC 6749 Section 2.3).
func clientCredentials(r *http.Request) (server.ClientCredentials, *server.Error) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	if _, _, hasBasic := r.BasicAuth(); !hasBasic {
		return server.ClientCredentials{ClientID: formID, ClientSecret: formSecret}, nil
	}

	rawID, rawSecret, _ := r.BasicAuth()
	// RFC 6749 Section 2.3.1: credentials are form-urlencoded before base64
	id, err := url.QueryUnescape(rawID)
	if err != nil {
		return server.ClientCredentials{}, server.InvalidClient("malformed client credentials")
	}
	secret, err := url.QueryUnescape(rawSecret)
	if err != nil {
		return server.ClientCredentials{}, server.InvalidClient("malformed client credentials")
	}
	if formSecret != "" || (formID != "" && formID != id) {
		return server.ClientCredentials{}, server.InvalidRequest("multiple client authentication methods used")
	}
	return server.ClientCredentials{ClientID: id, ClientSecret: secret, UsedBasicAuth: true}, nil
}

type principalContextKey struct{}

// ContextWithPrincipal returns a copy of ctx carrying p
func ContextWithPrincipal(ctx context.Context, p *server.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal set by ValidateToken
func PrincipalFromContext(ctx context.Context) (*server.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*server.Principal)
	return p, ok && p != nil
}

// ValidateToken is middleware that requires a valid bearer access token
// and puts its principal on the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := extractBearerToken(r)
		if !ok {
			h.writeError(w, ErrorCodeInvalidToken, "missing bearer token", http.StatusUnauthorized)
			return
		}

		principal, err := h.server.ValidateBearer(r.Context(), raw)
		switch {
		case err == nil:
		case errors.Is(err, server.ErrUnauthorized):
			h.writeError(w, ErrorCodeInvalidToken, "the access token is invalid or expired", http.StatusUnauthorized)
			return
		default:
			h.writeServerError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequireScope wraps next with a 403 insufficient_scope check. It must run
// after ValidateToken.
func (h *Handler) RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			h.writeError(w, ErrorCodeInvalidToken, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if !principal.HasScope(scope) {
			h.writeInsufficientScopeError(w, []string{scope})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken reads an RFC 6750 Section 2.1 Authorization header.
// The scheme is case-insensitive.
func extractBearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], tokenTypeBearer) {
		return "", false
	}
	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}

// writeRedirect sends a 302 that must never be cached
func (h *Handler) writeRedirect(w http.ResponseWriter, r *http.Request, location string) {
	security.SetNoStore(w)
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, r, location, http.StatusFound)
}
