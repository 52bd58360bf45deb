package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/giantswarm/mindflow-oauth/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code. The key expires
// with the code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observe(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	// Keep used codes around for their remaining lifetime so replays are detected.
	ttl := s.ttlUntil(code.ExpiresAt, clockSkewGrace)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode returns a code in whatever state it is
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observe(ctx, "get_authorization_code")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromAuthorizationCodeJSON(&j), nil
}

// ConsumeAuthorizationCode atomically marks a code as used.
// The code is only returned together with ErrAuthorizationCodeUsed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observe(ctx, "consume_authorization_code")
	defer func() { done(err) }()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", s.now().Unix()), seconds(clockSkewGrace)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case result == "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse reused code", storage.ErrAuthorizationCodeUsed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrAuthorizationCodeUsed
	case !strings.HasPrefix(result, "{"):
		return nil, fmt.Errorf("%w: %s", errUnexpectedScriptResult, result)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}
	j.Used = true

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return fromAuthorizationCodeJSON(&j), nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// SaveConsentRequest saves a pending consent request until it expires
func (s *Store) SaveConsentRequest(ctx context.Context, req *storage.ConsentRequest) (err error) {
	ctx, done := s.observe(ctx, "save_consent_request")
	defer func() { done(err) }()

	if req == nil || req.Token == "" {
		return fmt.Errorf("invalid consent request")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal consent request: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.consentKey(req.Token)).Value(string(data)).Ex(s.ttlUntil(req.ExpiresAt, 0)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save consent request: %w", err)
	}
	return nil
}

// ConsumeConsentRequest removes and returns a pending consent request
func (s *Store) ConsumeConsentRequest(ctx context.Context, token string) (_ *storage.ConsentRequest, err error) {
	ctx, done := s.observe(ctx, "consume_consent_request")
	defer func() { done(err) }()

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeOnce).
			Numkeys(1).
			Key(s.consentKey(token)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume consent request: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, storage.ErrConsentRequestNotFound
	}

	var req storage.ConsentRequest
	if err := json.Unmarshal([]byte(result), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent request: %w", err)
	}
	if s.now().After(req.ExpiresAt) {
		return nil, storage.ErrConsentRequestNotFound
	}
	return &req, nil
}
