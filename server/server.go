package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mindflow-oauth/instrumentation"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/storage"
	"github.com/giantswarm/mindflow-oauth/token"
)

// tokenIDLogLength is the number of characters of codes and tokens that may appear in logs
const tokenIDLogLength = 8

// Server implements the OAuth 2.1 authorization server logic. It is
// transport-agnostic; the root package maps HTTP requests onto it.
type Server struct {
	store storage.Store
	codec *token.Codec

	// dummySecretHash keeps secret verification time constant for unknown clients
	dummySecretHash []byte

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer trace.Tracer
	now    func() time.Time
}

// New creates a new OAuth server
func New(store storage.Store, codec *token.Codec, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	config = applySecureDefaults(config, logger)

	dummy, err := bcrypt.GenerateFromPassword([]byte(generateSecret()), config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare secret verification: %w", err)
	}

	srv := &Server{
		store:           store,
		codec:           codec,
		dummySecretHash: dummy,
		Config:          config,
		Logger:          logger,
		tracer:          (*instrumentation.Instrumentation)(nil).Tracer("server"),
		now:             config.Clock,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}
	for _, pattern := range config.AllowedCustomSchemes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid AllowedCustomSchemes entry %q: %w", pattern, err)
		}
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables server spans and metrics
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.tracer = inst.Tracer("server")
}

// Codec returns the access token codec
func (s *Server) Codec() *token.Codec {
	return s.codec
}

// Store returns the storage backend
func (s *Server) Store() storage.Store {
	return s.store
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

// generateRandomToken returns 32 random bytes, base64url encoded. Used for
// authorization codes, refresh tokens and consent tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// generateClientID returns 16 random bytes, hex encoded.
func generateClientID() string {
	return randomHex(16)
}

// generateSecret returns 32 random bytes, hex encoded.
func generateSecret() string {
	return randomHex(32)
}

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
