package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/giantswarm/mindflow-oauth/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a token and indexes it under its family and its
// user/client pair. Saving into a revoked family fails.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.TokenID == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveRefreshToken).
			Numkeys(5).
			Key(
				s.refreshKey(token.TokenID),
				s.familyTokensKey(token.FamilyID),
				s.familyRevokedKey(token.FamilyID),
				s.userClientKey(token.UserID, token.ClientID),
				s.userFamiliesKey(token.UserID),
			).
			Arg(
				string(data),
				seconds(s.ttlUntil(token.ExpiresAt, clockSkewGrace)),
				token.TokenID,
				token.FamilyID,
				seconds(familyIndexTTL),
			).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	if result == "REVOKED" {
		return storage.ErrRefreshTokenRevoked
	}
	return nil
}

// GetRefreshToken returns a refresh token in whatever state it is
func (s *Store) GetRefreshToken(ctx context.Context, tokenID string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observe(ctx, "get_refresh_token")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(tokenID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return decodeRefreshToken(data)
}

func decodeRefreshToken(data string) (*storage.RefreshToken, error) {
	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return fromRefreshTokenJSON(&j), nil
}

// RotateRefreshToken atomically replaces oldID with next
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, next *storage.RefreshToken) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observe(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if next == nil || next.TokenID == "" {
		return nil, fmt.Errorf("invalid replacement refresh token")
	}

	data, err := json.Marshal(toRefreshTokenJSON(next))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(6).
			Key(
				s.refreshKey(oldID),
				s.refreshKey(next.TokenID),
				s.familyTokensKey(next.FamilyID),
				s.familyRevokedKey(next.FamilyID),
				s.userClientKey(next.UserID, next.ClientID),
				s.userFamiliesKey(next.UserID),
			).
			Arg(
				fmt.Sprintf("%d", s.now().Unix()),
				seconds(clockSkewGrace),
				string(data),
				seconds(s.ttlUntil(next.ExpiresAt, clockSkewGrace)),
				next.TokenID,
				next.FamilyID,
				seconds(familyIndexTTL),
			).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrRefreshTokenNotFound
	case result == "REVOKED":
		return nil, storage.ErrRefreshTokenRevoked
	case result == "EXPIRED":
		return nil, storage.ErrRefreshTokenExpired
	case result == "FAMILY_MISMATCH":
		return nil, fmt.Errorf("replacement token is not in the family of the rotated token")
	case strings.HasPrefix(result, "REUSED:"):
		old, err := decodeRefreshToken(strings.TrimPrefix(result, "REUSED:"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrRefreshTokenReused, err)
		}
		return old, storage.ErrRefreshTokenReused
	case !strings.HasPrefix(result, "{"):
		return nil, fmt.Errorf("%w: %s", errUnexpectedScriptResult, result)
	}

	s.logger.Debug("Rotated refresh token",
		"family_id", next.FamilyID,
		"generation", next.Generation)
	return decodeRefreshToken(result)
}

// RevokeFamily revokes every token of a family
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, done := s.observe(ctx, "revoke_family")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeFamily).
			Numkeys(2).
			Key(s.familyTokensKey(familyID), s.familyRevokedKey(familyID)).
			Arg(s.refreshKeyPrefix(), seconds(s.retention), fmt.Sprintf("%d", s.now().Unix())).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke family: %w", err)
	}

	s.logger.Info("Revoked refresh token family",
		"family_id", familyID,
		"tokens_revoked", n)
	return int(n), nil
}

// RevokeAllForUserClient revokes every family of a user/client pair. Each
// family is revoked atomically; families are processed one after another.
func (s *Store) RevokeAllForUserClient(ctx context.Context, userID, clientID string) (_ int, err error) {
	ctx, done := s.observe(ctx, "revoke_user_client")
	defer func() { done(err) }()

	return s.revokeFamilySet(ctx, s.userClientKey(userID, clientID))
}

// RevokeAllForUser revokes every family of a user across all clients
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (_ int, err error) {
	ctx, done := s.observe(ctx, "revoke_user")
	defer func() { done(err) }()

	return s.revokeFamilySet(ctx, s.userFamiliesKey(userID))
}

// revokeFamilySet revokes each not yet revoked family listed in a set and
// returns how many it revoked.
func (s *Store) revokeFamilySet(ctx context.Context, setKey string) (int, error) {
	families, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list families: %w", err)
	}

	revoked := 0
	for _, familyID := range families {
		already, err := s.IsFamilyRevoked(ctx, familyID)
		if err != nil {
			return revoked, err
		}
		if already {
			continue
		}
		if _, err := s.RevokeFamily(ctx, familyID); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// IsFamilyRevoked reports whether a family has been revoked
func (s *Store) IsFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.familyRevokedKey(familyID)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check family revocation: %w", err)
	}
	return n == 1, nil
}
