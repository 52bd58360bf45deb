package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mindflow-oauth/instrumentation"
	"github.com/giantswarm/mindflow-oauth/internal/helpers"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/storage"
)

const (
	// tokenIDLogLength is the number of characters of a credential id that may be logged
	tokenIDLogLength = 8

	// DefaultCleanupInterval is how often expired entries are removed
	DefaultCleanupInterval = time.Minute

	// DefaultRevokedFamilyRetention keeps revocation markers long enough to
	// outlive every access token of the family and to support forensics.
	DefaultRevokedFamilyRetention = 90 * 24 * time.Hour
)

// Config tunes the memory store. Zero values select defaults.
type Config struct {
	CleanupInterval        time.Duration
	RevokedFamilyRetention time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type family struct {
	userID    string
	clientID  string
	tokens    []string
	revoked   bool
	revokedAt time.Time
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients         map[string]*storage.Client
	ipRegistrations map[string][]time.Time
	idempotency     map[string]*storage.IdempotencyRecord

	codes map[string]*storage.AuthorizationCode

	refreshTokens map[string]*storage.RefreshToken
	families      map[string]*family
	userClient    map[string]map[string]struct{} // user/client pair -> family ids
	userFamilies  map[string]map[string]struct{} // user -> family ids

	consents map[string]*storage.ConsentRequest

	cfg             Config
	now             func() time.Time
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with default settings
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a store and starts its cleanup loop.
func NewWithConfig(cfg Config) *Store {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.RevokedFamilyRetention <= 0 {
		cfg.RevokedFamilyRetention = DefaultRevokedFamilyRetention
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		ipRegistrations: make(map[string][]time.Time),
		idempotency:     make(map[string]*storage.IdempotencyRecord),
		codes:           make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		families:        make(map[string]*family),
		userClient:      make(map[string]map[string]struct{}),
		userFamilies:    make(map[string]map[string]struct{}),
		consents:        make(map[string]*storage.ConsentRequest),
		cfg:             cfg,
		now:             now,
		logger:          slog.Default(),
		tracer:          (*instrumentation.Instrumentation)(nil).Tracer("storage"),
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.tracer = inst.Tracer("storage")
	s.mu.Unlock()

	count := func(f func() int) instrumentation.StorageSizeCallback {
		return func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(f())
		}
	}
	err := inst.RegisterStorageSizeCallbacks(
		count(func() int { return len(s.clients) }),
		count(func() int { return len(s.codes) }),
		count(func() int { return len(s.families) }),
		count(func() int { return len(s.refreshTokens) }),
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) observe(ctx context.Context, operation string) func(error) {
	start := time.Now()
	ctx, span := instrumentation.StartStorageSpan(ctx, s.tracer, operation, "memory")
	return func(err error) {
		instrumentation.FinishStorageSpan(ctx, span, s.instrumentation.Metrics(), operation, start, err)
	}
}

func pairKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	done := s.observe(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	c := *client
	c.RedirectURIs = slices.Clone(client.RedirectURIs)
	c.GrantTypes = slices.Clone(client.GrantTypes)
	c.ResponseTypes = slices.Clone(client.ResponseTypes)
	c.Scopes = slices.Clone(client.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = &c

	s.logger.Debug("Saved client", "client_id", c.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *storage.Client) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// DeactivateClient clears the Active flag of a client
func (s *Store) DeactivateClient(ctx context.Context, clientID string) (err error) {
	done := s.observe(ctx, "deactivate_client")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return storage.ErrClientNotFound
	}
	c.Active = false
	return nil
}

// CheckIPLimit counts one registration for ip unless the limit is reached
func (s *Store) CheckIPLimit(ctx context.Context, ip string, max int) error {
	if max <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-storage.IPLimitWindow)
	recent := slices.DeleteFunc(s.ipRegistrations[ip], func(t time.Time) bool { return t.Before(cutoff) })
	if len(recent) >= max {
		s.ipRegistrations[ip] = recent
		return fmt.Errorf("%w: %d/%d registrations", storage.ErrClientIPLimitExceeded, len(recent), max)
	}
	s.ipRegistrations[ip] = append(recent, now)
	return nil
}

// ClaimIdempotencyKey stores rec unless its key is already claimed
func (s *Store) ClaimIdempotencyKey(ctx context.Context, rec *storage.IdempotencyRecord) (*storage.IdempotencyRecord, error) {
	if rec == nil || rec.Key == "" {
		return nil, fmt.Errorf("invalid idempotency record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.idempotency[rec.Key]; ok && !security.IsExpired(s.now(), existing.ExpiresAt, 0) {
		cp := *existing
		return &cp, nil
	}
	cp := *rec
	s.idempotency[rec.Key] = &cp
	return nil, nil
}

// ReleaseIdempotencyKey drops a claim made for clientID
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.idempotency[key]; ok && existing.ClientID == clientID {
		delete(s.idempotency, key)
	}
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	done := s.observe(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	cp := *code
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[cp.Code] = &cp
	return nil
}

// GetAuthorizationCode returns a copy of a code in whatever state it is
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	done := s.observe(ctx, "get_authorization_code")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	cp := *authCode
	return &cp, nil
}

// ConsumeAuthorizationCode atomically marks a code as used.
// The code is only returned together with ErrAuthorizationCodeUsed, never for
// unknown or expired codes.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	done := s.observe(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if authCode.Used {
		cp := *authCode
		return &cp, storage.ErrAuthorizationCodeUsed
	}

	if security.IsExpired(s.now(), authCode.ExpiresAt, security.DefaultClockSkewGracePeriod) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	authCode.Used = true
	s.logger.Debug("Consumed authorization code",
		"code_prefix", helpers.SafeTruncate(code, tokenIDLogLength))

	cp := *authCode
	return &cp, nil
}

// ============================================================
// RefreshTokenStore
// ============================================================

// SaveRefreshToken stores a token and registers it with its family.
// Saving into a revoked family fails with ErrRefreshTokenRevoked.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	done := s.observe(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.TokenID == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.families[token.FamilyID]; ok && f.revoked {
		return storage.ErrRefreshTokenRevoked
	}
	s.putRefreshTokenLocked(token)
	return nil
}

// putRefreshTokenLocked must be called with mu held.
func (s *Store) putRefreshTokenLocked(token *storage.RefreshToken) {
	cp := *token
	s.refreshTokens[cp.TokenID] = &cp

	f, ok := s.families[cp.FamilyID]
	if !ok {
		f = &family{userID: cp.UserID, clientID: cp.ClientID}
		s.families[cp.FamilyID] = f
	}
	f.tokens = append(f.tokens, cp.TokenID)

	key := pairKey(cp.UserID, cp.ClientID)
	if s.userClient[key] == nil {
		s.userClient[key] = make(map[string]struct{})
	}
	s.userClient[key][cp.FamilyID] = struct{}{}

	if s.userFamilies[cp.UserID] == nil {
		s.userFamilies[cp.UserID] = make(map[string]struct{})
	}
	s.userFamilies[cp.UserID][cp.FamilyID] = struct{}{}
}

// GetRefreshToken returns a refresh token in whatever state it is
func (s *Store) GetRefreshToken(ctx context.Context, tokenID string) (_ *storage.RefreshToken, err error) {
	done := s.observe(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.refreshTokens[tokenID]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	cp := *t
	return &cp, nil
}

// RotateRefreshToken atomically replaces oldID with next
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, next *storage.RefreshToken) (_ *storage.RefreshToken, err error) {
	done := s.observe(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if next == nil || next.TokenID == "" {
		return nil, fmt.Errorf("invalid replacement refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.refreshTokens[oldID]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if old.ReplacedBy != "" {
		cp := *old
		return &cp, storage.ErrRefreshTokenReused
	}
	if f := s.families[old.FamilyID]; old.Revoked || (f != nil && f.revoked) {
		return nil, storage.ErrRefreshTokenRevoked
	}
	if security.IsExpired(s.now(), old.ExpiresAt, security.DefaultClockSkewGracePeriod) {
		return nil, storage.ErrRefreshTokenExpired
	}
	if next.FamilyID != old.FamilyID {
		return nil, fmt.Errorf("replacement token belongs to family %q, want %q", next.FamilyID, old.FamilyID)
	}

	old.ReplacedBy = next.TokenID
	s.putRefreshTokenLocked(next)

	s.logger.Debug("Rotated refresh token",
		"family_id", old.FamilyID,
		"generation", next.Generation)

	cp := *old
	return &cp, nil
}

// RevokeFamily revokes every token of a family
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (_ int, err error) {
	done := s.observe(ctx, "revoke_family")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeFamilyLocked(familyID), nil
}

// revokeFamilyLocked must be called with mu held. Unknown families get a
// revocation marker so that tokens saved into them later are refused.
func (s *Store) revokeFamilyLocked(familyID string) int {
	now := s.now()
	f, ok := s.families[familyID]
	if !ok {
		f = &family{}
		s.families[familyID] = f
	}
	if !f.revoked {
		f.revoked = true
		f.revokedAt = now
	}

	revoked := 0
	for _, id := range f.tokens {
		if t, ok := s.refreshTokens[id]; ok && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = now
			revoked++
		}
	}

	s.logger.Info("Revoked refresh token family",
		"family_id", familyID,
		"tokens_revoked", revoked)
	return revoked
}

// RevokeAllForUserClient revokes every family of a user/client pair
func (s *Store) RevokeAllForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	done := s.observe(ctx, "revoke_user_client")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for familyID := range s.userClient[pairKey(userID, clientID)] {
		if f := s.families[familyID]; f != nil && f.revoked {
			continue
		}
		s.revokeFamilyLocked(familyID)
		n++
	}
	return n, nil
}

// RevokeAllForUser revokes every family of a user across all clients
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (_ int, err error) {
	done := s.observe(ctx, "revoke_user")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for familyID := range s.userFamilies[userID] {
		if f := s.families[familyID]; f != nil && f.revoked {
			continue
		}
		s.revokeFamilyLocked(familyID)
		n++
	}
	return n, nil
}

// IsFamilyRevoked reports whether a family has been revoked
func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.families[familyID]
	return ok && f.revoked, nil
}

// ============================================================
// ConsentStore
// ============================================================

// SaveConsentRequest saves a pending consent request
func (s *Store) SaveConsentRequest(ctx context.Context, req *storage.ConsentRequest) (err error) {
	done := s.observe(ctx, "save_consent_request")
	defer func() { done(err) }()

	if req == nil || req.Token == "" {
		return fmt.Errorf("invalid consent request")
	}

	cp := *req
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[cp.Token] = &cp
	return nil
}

// ConsumeConsentRequest removes and returns a pending consent request
func (s *Store) ConsumeConsentRequest(ctx context.Context, token string) (_ *storage.ConsentRequest, err error) {
	done := s.observe(ctx, "consume_consent_request")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.consents[token]
	if !ok {
		return nil, storage.ErrConsentRequestNotFound
	}
	delete(s.consents, token)

	if security.IsExpired(s.now(), req.ExpiresAt, 0) {
		return nil, storage.ErrConsentRequestNotFound
	}
	return req, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup removes expired codes, consent requests, idempotency records and
// refresh tokens, and forgets families that are empty and either live or
// revoked for longer than the retention period. It returns the number of
// entries removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	grace := security.DefaultClockSkewGracePeriod
	cleaned := 0

	for k, c := range s.codes {
		if security.IsExpired(now, c.ExpiresAt, grace) {
			delete(s.codes, k)
			cleaned++
		}
	}

	for k, c := range s.consents {
		if security.IsExpired(now, c.ExpiresAt, 0) {
			delete(s.consents, k)
			cleaned++
		}
	}

	for k, r := range s.idempotency {
		if security.IsExpired(now, r.ExpiresAt, 0) {
			delete(s.idempotency, k)
			cleaned++
		}
	}

	cutoff := now.Add(-storage.IPLimitWindow)
	for ip, times := range s.ipRegistrations {
		recent := slices.DeleteFunc(times, func(t time.Time) bool { return t.Before(cutoff) })
		if len(recent) == 0 {
			delete(s.ipRegistrations, ip)
		} else {
			s.ipRegistrations[ip] = recent
		}
	}

	for id, t := range s.refreshTokens {
		if security.IsExpired(now, t.ExpiresAt, grace) {
			delete(s.refreshTokens, id)
			if f := s.families[t.FamilyID]; f != nil {
				f.tokens = slices.DeleteFunc(f.tokens, func(x string) bool { return x == id })
			}
			cleaned++
		}
	}

	retentionCutoff := now.Add(-s.cfg.RevokedFamilyRetention)
	for id, f := range s.families {
		if len(f.tokens) > 0 {
			continue
		}
		if f.revoked && f.revokedAt.After(retentionCutoff) {
			continue
		}
		delete(s.families, id)
		if set := s.userClient[pairKey(f.userID, f.clientID)]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(s.userClient, pairKey(f.userID, f.clientID))
			}
		}
		if set := s.userFamilies[f.userID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(s.userFamilies, f.userID)
			}
		}
		cleaned++
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned, "families", len(s.families))
	}
	return cleaned
}
