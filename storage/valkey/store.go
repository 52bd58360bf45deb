package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mindflow-oauth/instrumentation"
	"github.com/giantswarm/mindflow-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mindflow:"

	// DefaultRevokedFamilyRetention is how long family revocation markers are kept
	DefaultRevokedFamilyRetention = 90 * 24 * time.Hour

	// DefaultIdempotencyTTL is used for idempotency records without an expiry
	DefaultIdempotencyTTL = 24 * time.Hour

	// familyIndexTTL bounds the family and user/client index sets; it is
	// refreshed whenever a token is added and exceeds the longest refresh
	// token lifetime.
	familyIndexTTL = 91 * 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// clockSkewGrace mirrors security.DefaultClockSkewGracePeriod for Lua expiry checks
	clockSkewGrace = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mindflow:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetention is how long a revoked family stays marked.
	RevokedFamilyRetention time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.RevokedFamilyRetention
	if retention <= 0 {
		retention = DefaultRevokedFamilyRetention
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
		now:       now,
		tracer:    (*instrumentation.Instrumentation)(nil).Tracer("storage"),
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetInstrumentation enables spans and operation metrics. Call before use.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.tracer = inst.Tracer("storage")
}

// Ping checks connectivity, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := instrumentation.StartStorageSpan(ctx, s.tracer, operation, "valkey")
	return ctx, func(err error) {
		instrumentation.FinishStorageSpan(ctx, span, s.instrumentation.Metrics(), operation, start, err)
	}
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) registrationIPKey(ip string) string {
	return fmt.Sprintf("%sregistrations:ip:%s", s.prefix, ip)
}

func (s *Store) idempotencyKey(key string) string {
	return fmt.Sprintf("%sidempotency:%s", s.prefix, key)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) refreshKeyPrefix() string {
	return s.prefix + "refresh:"
}

func (s *Store) refreshKey(tokenID string) string {
	return s.refreshKeyPrefix() + tokenID
}

func (s *Store) familyTokensKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s:tokens", s.prefix, familyID)
}

func (s *Store) familyRevokedKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s:revoked", s.prefix, familyID)
}

func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

func (s *Store) userFamiliesKey(userID string) string {
	return fmt.Sprintf("%suser:%s:families", s.prefix, userID)
}

func (s *Store) consentKey(token string) string {
	return fmt.Sprintf("%sconsent:%s", s.prefix, token)
}

// ============================================================
// Helpers
// ============================================================

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ttlUntil returns the TTL for a key expiring at expiresAt plus grace.
// It is never below one second so that SET EX accepts it.
func (s *Store) ttlUntil(expiresAt time.Time, grace time.Duration) time.Duration {
	ttl := expiresAt.Add(grace).Sub(s.now())
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%d", int64(d/time.Second))
}

var errUnexpectedScriptResult = errors.New("unexpected script result")

// ============================================================
// JSON Serialization Helpers
// ============================================================
//
// Codes and refresh tokens are decoded by Lua scripts, so their timestamps
// are stored as unix seconds.

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	FamilyID            string `json:"family_id"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		FamilyID:            c.FamilyID,
		CreatedAt:           c.CreatedAt.Unix(),
		ExpiresAt:           c.ExpiresAt.Unix(),
		Used:                c.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		FamilyID:            j.FamilyID,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

type refreshTokenJSON struct {
	TokenID    string `json:"token_id"`
	FamilyID   string `json:"family_id"`
	Generation int    `json:"generation"`
	UserID     string `json:"user_id"`
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Revoked    bool   `json:"revoked"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
	ReplacedBy string `json:"replaced_by,omitempty"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	j := &refreshTokenJSON{
		TokenID:    t.TokenID,
		FamilyID:   t.FamilyID,
		Generation: t.Generation,
		UserID:     t.UserID,
		ClientID:   t.ClientID,
		Scope:      t.Scope,
		IssuedAt:   t.IssuedAt.Unix(),
		ExpiresAt:  t.ExpiresAt.Unix(),
		Revoked:    t.Revoked,
		ReplacedBy: t.ReplacedBy,
	}
	if !t.RevokedAt.IsZero() {
		j.RevokedAt = t.RevokedAt.Unix()
	}
	return j
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	t := &storage.RefreshToken{
		TokenID:    j.TokenID,
		FamilyID:   j.FamilyID,
		Generation: j.Generation,
		UserID:     j.UserID,
		ClientID:   j.ClientID,
		Scope:      j.Scope,
		IssuedAt:   time.Unix(j.IssuedAt, 0),
		ExpiresAt:  time.Unix(j.ExpiresAt, 0),
		Revoked:    j.Revoked,
		ReplacedBy: j.ReplacedBy,
	}
	if j.RevokedAt != 0 {
		t.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return t
}
