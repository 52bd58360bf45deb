package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/giantswarm/mindflow-oauth/instrumentation"
	"github.com/giantswarm/mindflow-oauth/keys"
	"github.com/giantswarm/mindflow-oauth/security"
	"github.com/giantswarm/mindflow-oauth/server"
	"github.com/giantswarm/mindflow-oauth/storage"
	"github.com/giantswarm/mindflow-oauth/storage/memory"
	"github.com/giantswarm/mindflow-oauth/storage/valkey"
	"github.com/giantswarm/mindflow-oauth/token"
)

// HTTP server timeouts
const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
)

// Service is a fully wired authorization service: signing keys, token
// codec, storage backend, OAuth server, HTTP handler and router.
type Service struct {
	Config          *Config
	Keys            *keys.Store
	Codec           *token.Codec
	Server          *server.Server
	Handler         *Handler
	Router          *mux.Router
	Instrumentation *instrumentation.Instrumentation

	limiter    *security.RateLimiter
	httpServer *http.Server
	closers    []func()
	logger     *slog.Logger
}

// New builds a Service from cfg. authenticator identifies logged-in users on
// the authorization endpoint. Background loops start with ListenAndServe.
func New(cfg *Config, authenticator UserAuthenticator, logger *slog.Logger) (svc *Service, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc = &Service{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()

	svc.Instrumentation, err = instrumentation.New(instrumentation.Config{
		ServiceVersion:  cfg.Instrumentation.ServiceVersion,
		Enabled:         cfg.Instrumentation.Enabled,
		MetricsExporter: cfg.Instrumentation.MetricsExporter,
		TraceExporter:   cfg.Instrumentation.TraceExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	inst := svc.Instrumentation
	svc.closers = append(svc.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	})

	auditor := security.NewAuditor(logger, !cfg.Security.DisableAuditLogging)

	encryptor, err := newKeyEncryptor(cfg.Keys.EncryptionKey)
	if err != nil {
		return nil, err
	}

	svc.Keys, err = keys.New(keys.Config{
		GracePeriod:      seconds(cfg.Keys.GracePeriod),
		RotationInterval: seconds(cfg.Keys.RotationInterval),
		KeyFile:          cfg.Keys.KeyFile,
		Encryptor:        encryptor,
		Logger:           logger,
		Auditor:          auditor,
		Instrumentation:  inst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signing keys: %w", err)
	}
	svc.closers = append(svc.closers, svc.Keys.Stop)

	svc.Codec, err = token.New(svc.Keys, token.Config{
		Issuer:         cfg.Issuer,
		Audience:       cfg.OAuth.Audience,
		AccessTokenTTL: seconds(cfg.OAuth.AccessTokenTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token codec: %w", err)
	}

	store, err := svc.openStorage(inst)
	if err != nil {
		return nil, err
	}

	svc.Server, err = server.New(store, svc.Codec, &server.Config{
		Issuer:                     cfg.Issuer,
		AuthorizationCodeTTL:       seconds(cfg.OAuth.AuthorizationCodeTTL),
		RefreshTokenTTL:            seconds(cfg.OAuth.RefreshTokenTTL),
		SupportedScopes:            cfg.OAuth.SupportedScopes,
		LoginURL:                   cfg.OAuth.LoginURL,
		AllowedCustomSchemes:       cfg.Security.AllowedCustomSchemes,
		AllowLocalhostRedirectURIs: cfg.Security.AllowLocalhostRedirectURIs,
		AllowInsecureHTTP:          cfg.Security.AllowInsecureHTTP,
		MaxClientsPerIP:            cfg.Security.MaxClientsPerIP,
		TrustProxy:                 cfg.Security.TrustProxy,
		TrustedProxyCount:          cfg.Security.TrustedProxyCount,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oauth server: %w", err)
	}
	svc.Server.SetAuditor(auditor)
	svc.Server.SetInstrumentation(inst)

	svc.limiter = newAuthRateLimiter(cfg.RateLimit, logger)
	if svc.limiter != nil {
		svc.closers = append(svc.closers, svc.limiter.Stop)
	}

	svc.Handler, err = NewHandler(svc.Server, svc.Keys, HandlerConfig{
		Authenticator:   authenticator,
		RateLimiter:     svc.limiter,
		Instrumentation: inst,
	}, logger)
	if err != nil {
		return nil, err
	}

	svc.Router = NewRouter(svc.Handler, inst, logger)
	return svc, nil
}

func (s *Service) openStorage(inst *instrumentation.Instrumentation) (storage.Store, error) {
	cfg := s.Config.Storage
	switch cfg.Backend {
	case StorageValkey:
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open valkey storage: %w", err)
		}
		store.SetInstrumentation(inst)
		s.closers = append(s.closers, store.Close)
		return store, nil
	default:
		store := memory.New()
		store.SetLogger(s.logger)
		store.SetInstrumentation(inst)
		s.closers = append(s.closers, store.Stop)
		s.logger.Warn("⚠️  Using in-memory storage: clients and tokens are lost on restart")
		return store, nil
	}
}

func newKeyEncryptor(encoded string) (*security.Encryptor, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := security.KeyFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid keys.encryption_key: %w", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("invalid keys.encryption_key: %w", err)
	}
	return enc, nil
}

// newAuthRateLimiter returns nil when rate limiting is disabled
func newAuthRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *security.RateLimiter {
	perMinute := cfg.PerMinute
	if perMinute == 0 {
		perMinute = DefaultAuthRateLimitPerMinute
	}
	if perMinute < 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = perMinute
	}
	return security.NewRateLimiter(security.PerMinute(perMinute), burst, logger)
}

// ListenAndServe starts the key rotation loop and serves HTTP until
// Shutdown is called.
func (s *Service) ListenAndServe() error {
	listen := s.Config.Listen
	if listen == "" {
		listen = DefaultListenAddress
	}

	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.Router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	s.Keys.Start()
	s.logger.Info("Authorization service listening", "address", listen, "issuer", s.Config.Issuer)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and every background loop, then closes
// the storage backend.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.close()
	return err
}

func (s *Service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
