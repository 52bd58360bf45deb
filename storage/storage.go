package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Sentinel errors returned by all implementations. Callers use errors.Is.
var (
	ErrClientNotFound        = errors.New("client not found")
	ErrClientIPLimitExceeded = errors.New("client registration limit reached for ip")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")
	ErrRefreshTokenReused   = errors.New("refresh token already rotated")

	ErrConsentRequestNotFound = errors.New("consent request not found")
)

// Client types
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// IPLimitWindow is the window over which CheckIPLimit counts registrations.
const IPLimitWindow = 24 * time.Hour

// Client is a registered OAuth client. Clients are never deleted during
// normal operation; revocation clears Active.
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"` // bcrypt
	ClientType              string    `json:"client_type"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	Scopes                  []string  `json:"scopes"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	LogoURI                 string    `json:"logo_uri,omitempty"`
	PolicyURI               string    `json:"policy_uri,omitempty"`
	TOSURI                  string    `json:"tos_uri,omitempty"`
	Active                  bool      `json:"active"`
	CreatedAt               time.Time `json:"created_at"`
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// HasRedirectURI reports exact (byte-for-byte) membership of uri.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// SupportsGrant reports whether grantType was registered for the client.
func (c *Client) SupportsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AuthorizationCode is an issued, single-use authorization code.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	FamilyID            string    `json:"family_id"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
}

// RefreshToken is one generation of a refresh token family. A token whose
// ReplacedBy is set has been rotated and must never be accepted again.
type RefreshToken struct {
	TokenID    string    `json:"token_id"`
	FamilyID   string    `json:"family_id"`
	Generation int       `json:"generation"`
	UserID     string    `json:"user_id"`
	ClientID   string    `json:"client_id"`
	Scope      string    `json:"scope"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	RevokedAt  time.Time `json:"revoked_at,omitempty"`
	ReplacedBy string    `json:"replaced_by,omitempty"`
}

// ConsentRequest is a validated authorization request waiting for the
// resource owner's decision. Token is the one-time CSRF value embedded in the
// consent form.
type ConsentRequest struct {
	Token               string    `json:"token"`
	UserID              string    `json:"user_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	State               string    `json:"state"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// IdempotencyRecord binds a client registration Idempotency-Key to the
// metadata fingerprint and the client it produced.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	ClientID    string    `json:"client_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ClientStore persists registered clients.
type ClientStore interface {
	// SaveClient creates or replaces a client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns ErrClientNotFound for unknown ids. Inactive clients
	// are returned; callers check Active.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// DeactivateClient clears Active
	DeactivateClient(ctx context.Context, clientID string) error

	// CheckIPLimit atomically counts one registration for ip within
	// IPLimitWindow, or returns ErrClientIPLimitExceeded when max has been
	// reached. max <= 0 disables the limit.
	CheckIPLimit(ctx context.Context, ip string, max int) error

	// ClaimIdempotencyKey stores rec if rec.Key is unclaimed and returns
	// (nil, nil). If the key is already claimed the existing record is
	// returned and rec is discarded.
	ClaimIdempotencyKey(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error)

	// ReleaseIdempotencyKey removes the claim on key if it still belongs to
	// clientID, so that a registration which failed after claiming can be
	// retried with the same key.
	ReleaseIdempotencyKey(ctx context.Context, key, clientID string) error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code regardless of its state, or
	// ErrAuthorizationCodeNotFound. It never changes the code.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically marks code used and returns it.
	// Errors: ErrAuthorizationCodeNotFound, ErrAuthorizationCodeExpired
	// (both with a nil code), and ErrAuthorizationCodeUsed, which is returned
	// together with the code so that the caller can revoke what it issued.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RefreshTokenStore persists refresh tokens grouped in families.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the token regardless of its state, or
	// ErrRefreshTokenNotFound.
	GetRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error)

	// RotateRefreshToken atomically replaces oldID by next. next must be in
	// the same family. On success the old token is returned with ReplacedBy
	// set. Errors: ErrRefreshTokenNotFound, ErrRefreshTokenExpired,
	// ErrRefreshTokenRevoked (token or family revoked) and
	// ErrRefreshTokenReused, which is returned together with the old token.
	// Nothing changes on error.
	RotateRefreshToken(ctx context.Context, oldID string, next *RefreshToken) (*RefreshToken, error)

	// RevokeFamily revokes every token of a family and marks the family
	// revoked. It returns the number of tokens revoked.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// RevokeAllForUserClient revokes every family belonging to the pair and
	// returns the number of families revoked.
	RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error)

	// RevokeAllForUser revokes every family the user holds across all
	// clients and returns the number of families revoked.
	RevokeAllForUser(ctx context.Context, userID string) (int, error)

	// IsFamilyRevoked reports whether a family was revoked.
	IsFamilyRevoked(ctx context.Context, familyID string) (bool, error)
}

// ConsentStore persists pending consent requests.
type ConsentStore interface {
	SaveConsentRequest(ctx context.Context, req *ConsentRequest) error

	// ConsumeConsentRequest atomically removes and returns the request.
	// Unknown, already consumed and expired tokens all yield
	// ErrConsentRequestNotFound.
	ConsumeConsentRequest(ctx context.Context, token string) (*ConsentRequest, error)
}

// Store is the full set of contracts a backend provides.
type Store interface {
	ClientStore
	CodeStore
	RefreshTokenStore
	ConsentStore
}
