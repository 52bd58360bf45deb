// Package token encodes and verifies RS256 access tokens.
//
// Verify never panics and never returns a bare error: it produces a Result
// tagged with the Kind of failure so that callers can answer with one generic
// invalid_token error while logging the precise cause.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/mindflow-oauth/keys"
	"github.com/giantswarm/mindflow-oauth/security"
)

const (
	// DefaultAudience is the resource the access tokens are issued for
	DefaultAudience = "mindflow-api"

	// DefaultAccessTokenTTL is the access token lifetime
	DefaultAccessTokenTTL = time.Hour

	// MaxAccessTokenTTL is the longest accepted access token lifetime
	MaxAccessTokenTTL = time.Hour
)

// Failure sentinels, usable with errors.Is on Result.Err.
var (
	ErrMalformed        = errors.New("token is malformed")
	ErrUnknownKey       = errors.New("token is signed with an unknown key")
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrExpired          = errors.New("token has expired")
	ErrInvalidClaims    = errors.New("token claims are invalid")
)

// Kind tags the outcome of Verify.
type Kind int

const (
	Valid Kind = iota
	Malformed
	UnknownKey
	InvalidSignature
	Expired
	InvalidClaims
)

func (k Kind) String() string {
	switch k {
	case Valid:
		return "valid"
	case Malformed:
		return "malformed"
	case UnknownKey:
		return "unknown_key"
	case InvalidSignature:
		return "invalid_signature"
	case Expired:
		return "expired"
	case InvalidClaims:
		return "invalid_claims"
	default:
		return "unknown"
	}
}

// Claims are the access token claims.
type Claims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	// FamilyID links the token to the refresh token family it was issued
	// with, so revoking the family also rejects the access token.
	FamilyID string `json:"fid,omitempty"`
}

// KeySource provides signing and verification keys. *keys.Store satisfies it.
type KeySource interface {
	ActiveSigningKey() keys.SigningKey
	PublicKey(kid string) (*rsa.PublicKey, bool)
}

var _ KeySource = (*keys.Store)(nil)

// Config configures a Codec.
type Config struct {
	// Issuer is the iss claim and must equal the server's issuer URL (required)
	Issuer string

	// Audience is the aud claim (default "mindflow-api")
	Audience string

	// AccessTokenTTL is the access token lifetime (default and maximum 1h)
	AccessTokenTTL time.Duration

	// Leeway tolerates clock skew on exp/nbf/iat (default 5s)
	Leeway time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Codec signs and verifies access tokens. It is safe for concurrent use.
type Codec struct {
	keys   KeySource
	cfg    Config
	parser *jwt.Parser
}

// New creates a Codec.
func New(ks KeySource, cfg Config) (*Codec, error) {
	if ks == nil {
		return nil, fmt.Errorf("key source is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.AccessTokenTTL < 0 || cfg.AccessTokenTTL > MaxAccessTokenTTL {
		return nil, fmt.Errorf("access token TTL %s outside (0, %s]", cfg.AccessTokenTTL, MaxAccessTokenTTL)
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = security.DefaultClockSkewGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Codec{
		keys: ks,
		cfg:  cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithTimeFunc(cfg.Clock),
		),
	}, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (c *Codec) AccessTokenTTL() time.Duration {
	return c.cfg.AccessTokenTTL
}

// Sign signs claims with the active key and sets the kid header.
func (c *Codec) Sign(claims *Claims) (string, error) {
	key := c.keys.ActiveSigningKey()
	if key.PrivateKey == nil {
		return "", fmt.Errorf("no active signing key")
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = key.KID

	signed, err := t.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Mint builds and signs an access token for a user and client.
func (c *Codec) Mint(userID, clientID, scope, familyID string) (string, *Claims, error) {
	now := c.cfg.Clock()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.cfg.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{c.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.AccessTokenTTL)),
			ID:        uuid.NewString(),
		},
		Scope:    scope,
		ClientID: clientID,
		FamilyID: familyID,
	}

	signed, err := c.Sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Result is the outcome of Verify.
type Result struct {
	kind   Kind
	claims *Claims
	err    error
}

// Kind returns the outcome tag.
func (r Result) Kind() Kind { return r.kind }

// Valid reports whether the token verified.
func (r Result) Valid() bool { return r.kind == Valid }

// Claims returns the verified claims, or nil if verification failed.
func (r Result) Claims() *Claims {
	if r.kind != Valid {
		return nil
	}
	return r.claims
}

// Err returns nil for a valid token, otherwise an error wrapping one of the
// failure sentinels.
func (r Result) Err() error { return r.err }

func failure(kind Kind, sentinel, cause error) Result {
	if cause == nil {
		return Result{kind: kind, err: sentinel}
	}
	return Result{kind: kind, err: fmt.Errorf("%w: %v", sentinel, cause)}
}

// Verify checks a compact JWS. Failures are reported in this order:
// malformed, unknown key, invalid signature, expired, invalid claims.
func (c *Codec) Verify(raw string) Result {
	claims := &Claims{}
	_, err := c.parser.ParseWithClaims(raw, claims, c.keyFunc)
	if err == nil {
		return Result{kind: Valid, claims: claims}
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return failure(Malformed, ErrMalformed, err)
	case errors.Is(err, ErrUnknownKey):
		return failure(UnknownKey, ErrUnknownKey, nil)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return failure(InvalidSignature, ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return failure(Expired, ErrExpired, nil)
	default:
		return failure(InvalidClaims, ErrInvalidClaims, err)
	}
}

func (c *Codec) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, ErrUnknownKey
	}
	pub, ok := c.keys.PublicKey(kid)
	if !ok {
		return nil, ErrUnknownKey
	}
	return pub, nil
}
