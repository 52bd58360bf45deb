package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/mindflow-oauth/instrumentation"
	"github.com/giantswarm/mindflow-oauth/security"
)

const (
	// DefaultKeySize is the RSA modulus size for generated keys
	DefaultKeySize = 2048

	// MinKeySize is the smallest accepted RSA modulus
	MinKeySize = 2048

	// DefaultGracePeriod is how long a retired key keeps verifying tokens
	DefaultGracePeriod = 24 * time.Hour

	// DefaultSweepInterval is how often the background loop removes expired keys
	DefaultSweepInterval = time.Hour

	// Algorithm is the only signing algorithm in use
	Algorithm = "RS256"
)

// Config configures a key Store.
type Config struct {
	// KeySize is the RSA modulus size in bits (default 2048)
	KeySize int

	// GracePeriod keeps retired keys published for verification (default 24h)
	GracePeriod time.Duration

	// RotationInterval enables automatic rotation from the background loop.
	// Zero means keys are only rotated by calling Rotate.
	RotationInterval time.Duration

	// SweepInterval is how often Start's loop runs Sweep (default 1h)
	SweepInterval time.Duration

	// KeyFile persists the active key and the retired keys still in their
	// grace period as PKCS#8 PEM blocks. When empty the keys only live in
	// memory and every restart invalidates issued tokens.
	KeyFile string

	// Encryptor seals the key file at rest. Optional.
	Encryptor *security.Encryptor

	// Logger (default: slog.Default())
	Logger *slog.Logger

	// Auditor records rotation events. Optional.
	Auditor *security.Auditor

	// Instrumentation records rotation metrics. Optional.
	Instrumentation *instrumentation.Instrumentation

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// SigningKey is an RSA key pair identified by its RFC 7638 thumbprint.
type SigningKey struct {
	KID        string
	PrivateKey *rsa.PrivateKey
	CreatedAt  time.Time
	// RetiredAt is zero for the active key
	RetiredAt time.Time
}

// PublicKey returns the public half of the key.
func (k SigningKey) PublicKey() *rsa.PublicKey {
	if k.PrivateKey == nil {
		return nil
	}
	return &k.PrivateKey.PublicKey
}

// Retired reports whether the key has been superseded.
func (k SigningKey) Retired() bool {
	return !k.RetiredAt.IsZero()
}

// snapshot is immutable once published.
type snapshot struct {
	active  SigningKey
	retired []SigningKey
	byKID   map[string]SigningKey
}

// Store holds the active signing key and the retired keys still within
// their grace period.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[snapshot]

	// mu serializes writers; readers use current.
	mu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Store. The key set is loaded from cfg.KeyFile when the
// file exists, otherwise it is generated (and written to cfg.KeyFile when set).
func New(cfg Config) (*Store, error) {
	if cfg.KeySize == 0 {
		cfg.KeySize = DefaultKeySize
	}
	if cfg.KeySize < MinKeySize {
		return nil, fmt.Errorf("key size %d is below the minimum of %d bits", cfg.KeySize, MinKeySize)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Clock,
		stopCh: make(chan struct{}),
	}

	active, retired, loaded, err := s.loadOrGenerate()
	if err != nil {
		return nil, err
	}
	s.publish(active, retired)

	s.logger.Info("Signing key ready",
		"kid", active.KID,
		"loaded_from_file", loaded,
		"retired_keys", len(retired),
		"grace_period", cfg.GracePeriod)
	return s, nil
}

// loadOrGenerate restores the active key and the retired keys still within
// their grace period from KeyFile, or generates a fresh active key.
func (s *Store) loadOrGenerate() (SigningKey, []SigningKey, bool, error) {
	now := s.now()

	if s.cfg.KeyFile != "" {
		stored, err := readKeyFile(s.cfg.KeyFile, s.cfg.Encryptor)
		if err == nil {
			active, retired, err := s.restore(stored, now)
			return active, retired, err == nil, err
		}
		if !isNotExist(err) {
			return SigningKey{}, nil, false, err
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, s.cfg.KeySize)
	if err != nil {
		return SigningKey{}, nil, false, fmt.Errorf("failed to generate signing key: %w", err)
	}
	active, err := newSigningKey(priv, now)
	if err != nil {
		return SigningKey{}, nil, false, err
	}
	if s.cfg.KeyFile != "" {
		if err := writeKeyFile(s.cfg.KeyFile, active, nil, s.cfg.Encryptor); err != nil {
			return SigningKey{}, nil, false, err
		}
	}
	return active, nil, false, nil
}

func (s *Store) restore(stored []storedKey, now time.Time) (SigningKey, []SigningKey, error) {
	var (
		active  SigningKey
		retired []SigningKey
	)
	for i, sk := range stored {
		if bits := sk.priv.N.BitLen(); bits < MinKeySize {
			return SigningKey{}, nil, fmt.Errorf("key in %s is %d bits, minimum is %d", s.cfg.KeyFile, bits, MinKeySize)
		}
		createdAt := sk.createdAt
		if createdAt.IsZero() {
			createdAt = now
		}
		k, err := newSigningKey(sk.priv, createdAt)
		if err != nil {
			return SigningKey{}, nil, err
		}
		k.RetiredAt = sk.retiredAt

		if i == 0 {
			active = k
			continue
		}
		if s.expired(k, now) {
			s.logger.Info("Dropped retired signing key past its grace period", "kid", k.KID)
			continue
		}
		retired = append(retired, k)
	}
	return active, retired, nil
}

func newSigningKey(priv *rsa.PrivateKey, now time.Time) (SigningKey, error) {
	kid, err := Thumbprint(&priv.PublicKey)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{KID: kid, PrivateKey: priv, CreatedAt: now}, nil
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of pub, base64url
// encoded without padding.
func Thumbprint(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// publish must be called with mu held, or before the Store is shared.
func (s *Store) publish(active SigningKey, retired []SigningKey) {
	byKID := make(map[string]SigningKey, len(retired)+1)
	for _, k := range retired {
		byKID[k.KID] = k
	}
	byKID[active.KID] = active
	s.current.Store(&snapshot{active: active, retired: retired, byKID: byKID})
}

// ActiveSigningKey returns the key new tokens are signed with.
func (s *Store) ActiveSigningKey() SigningKey {
	return s.current.Load().active
}

// PublicKey looks up a verification key by kid. Retired keys are returned
// until their grace period ends, even if Sweep has not run yet.
func (s *Store) PublicKey(kid string) (*rsa.PublicKey, bool) {
	k, ok := s.current.Load().byKID[kid]
	if !ok || s.expired(k, s.now()) {
		return nil, false
	}
	return k.PublicKey(), true
}

// PublicKeys returns the JWK set of every key valid for verification, the
// active key first.
func (s *Store) PublicKeys() jose.JSONWebKeySet {
	snap := s.current.Load()
	now := s.now()

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{publicJWK(snap.active)}}
	for _, k := range snap.retired {
		if !s.expired(k, now) {
			set.Keys = append(set.Keys, publicJWK(k))
		}
	}
	return set
}

func publicJWK(k SigningKey) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.PublicKey(),
		KeyID:     k.KID,
		Algorithm: Algorithm,
		Use:       "sig",
	}
}

func (s *Store) expired(k SigningKey, now time.Time) bool {
	return k.Retired() && now.After(k.RetiredAt.Add(s.cfg.GracePeriod))
}

// Rotate generates a new active key. The previous key is retired and keeps
// verifying for the grace period.
func (s *Store) Rotate() (SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, s.cfg.KeySize)
	if err != nil {
		return SigningKey{}, fmt.Errorf("failed to generate signing key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next, err := newSigningKey(priv, now)
	if err != nil {
		return SigningKey{}, err
	}

	snap := s.current.Load()
	previous := snap.active
	previous.RetiredAt = now
	retired := append(slices.Clone(snap.retired), previous)

	if s.cfg.KeyFile != "" {
		if err := writeKeyFile(s.cfg.KeyFile, next, retired, s.cfg.Encryptor); err != nil {
			return SigningKey{}, err
		}
	}
	s.publish(next, retired)

	s.logger.Info("Rotated signing key",
		"kid", next.KID,
		"retired_kid", previous.KID,
		"verify_until", now.Add(s.cfg.GracePeriod))
	s.cfg.Auditor.LogEvent(security.Event{
		Type: security.EventSigningKeyRotated,
		Details: map[string]any{
			"kid":         next.KID,
			"retired_kid": previous.KID,
		},
	})
	s.cfg.Instrumentation.Metrics().RecordKeyRotation(context.Background())

	return next, nil
}

// Sweep drops retired keys whose grace period has ended and returns how
// many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	now := s.now()

	kept := make([]SigningKey, 0, len(snap.retired))
	var removed []string
	for _, k := range snap.retired {
		if s.expired(k, now) {
			removed = append(removed, k.KID)
			continue
		}
		kept = append(kept, k)
	}
	if len(removed) == 0 {
		return 0
	}

	if s.cfg.KeyFile != "" {
		if err := writeKeyFile(s.cfg.KeyFile, snap.active, kept, s.cfg.Encryptor); err != nil {
			s.logger.Error("Failed to persist swept key set", "error", err)
		}
	}
	s.publish(snap.active, kept)
	for _, kid := range removed {
		s.logger.Info("Removed retired signing key", "kid", kid)
		s.cfg.Auditor.LogEvent(security.Event{
			Type:    security.EventSigningKeyRetired,
			Details: map[string]any{"kid": kid},
		})
	}
	return len(removed)
}

// Start launches the background loop that sweeps expired keys and, when
// RotationInterval is set, rotates the active key.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Store) loop() {
	defer s.wg.Done()

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	var rotate <-chan time.Time
	if s.cfg.RotationInterval > 0 {
		t := time.NewTicker(s.cfg.RotationInterval)
		defer t.Stop()
		rotate = t.C
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-sweep.C:
			s.Sweep()
		case <-rotate:
			if _, err := s.Rotate(); err != nil {
				s.logger.Error("Scheduled key rotation failed", "error", err)
			}
		}
	}
}

// Stop ends the background loop. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
