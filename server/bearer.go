package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/mindflow-oauth/internal/helpers"
	"github.com/giantswarm/mindflow-oauth/storage"
	"github.com/giantswarm/mindflow-oauth/token"
)

// ErrUnauthorized is returned by ValidateBearer for every token that must
// be answered with 401. The cause is logged, never shown to the caller.
var ErrUnauthorized = errors.New("invalid or expired access token")

// Principal is the authenticated caller of a protected endpoint
type Principal struct {
	UserID    string
	ClientID  string
	Scope     []string
	TokenID   string
	FamilyID  string
	ExpiresAt time.Time
}

// HasScope reports whether the access token was granted scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scope, scope)
}

// ValidateBearer verifies an access token and returns its principal. It
// returns ErrUnauthorized for bad, expired or revoked tokens and for tokens
// of deactivated clients. Any other error is a storage failure.
func (s *Server) ValidateBearer(ctx context.Context, raw string) (*Principal, error) {
	ctx, span := s.startSpan(ctx, "server.ValidateBearer")
	defer span.End()

	res := s.codec.Verify(raw)
	if !res.Valid() {
		s.Logger.Info("Rejected bearer token", "kind", res.Kind().String(), "error", res.Err())
		s.metrics().RecordBearerValidation(ctx, res.Kind().String())
		return nil, ErrUnauthorized
	}
	claims := res.Claims()

	if claims.FamilyID != "" {
		revoked, err := s.store.IsFamilyRevoked(ctx, claims.FamilyID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token family: %w", err)
		}
		if revoked {
			s.Logger.Info("Rejected bearer token", "kind", "revoked", "family_id", claims.FamilyID)
			s.metrics().RecordBearerValidation(ctx, "revoked")
			return nil, ErrUnauthorized
		}
	}

	if _, err := s.GetClient(ctx, claims.ClientID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Info("Rejected bearer token", "kind", "inactive_client", "client_id", claims.ClientID)
			s.metrics().RecordBearerValidation(ctx, "inactive_client")
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	s.metrics().RecordBearerValidation(ctx, token.Valid.String())

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return &Principal{
		UserID:    claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     helpers.ParseScope(claims.Scope),
		TokenID:   claims.ID,
		FamilyID:  claims.FamilyID,
		ExpiresAt: expiresAt,
	}, nil
}
