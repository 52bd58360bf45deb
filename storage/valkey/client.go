package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/giantswarm/mindflow-oauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observe(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var c storage.Client
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &c, nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")
	seen := make(map[string]struct{})
	var clients []*storage.Client

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			// SCAN may return a key more than once.
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var c storage.Client
			if err := json.Unmarshal([]byte(data), &c); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping", "key", key, "error", err)
				continue
			}
			clients = append(clients, &c)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	slices.SortFunc(clients, func(a, b *storage.Client) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return clients, nil
}

// DeactivateClient clears the Active flag of a client. Deactivation is
// idempotent, so a plain read-modify-write is sufficient.
func (s *Store) DeactivateClient(ctx context.Context, clientID string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	client.Active = false
	return s.SaveClient(ctx, client)
}

// CheckIPLimit counts one registration for ip unless the limit is reached
func (s *Store) CheckIPLimit(ctx context.Context, ip string, max int) error {
	if max <= 0 {
		return nil
	}

	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCountRegistration).
			Numkeys(1).
			Key(s.registrationIPKey(ip)).
			Arg(fmt.Sprintf("%d", max), seconds(storage.IPLimitWindow)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to check IP limit: %w", err)
	}
	if count < 0 {
		s.logger.Warn("Client registration limit reached", "max_allowed", max)
		return storage.ErrClientIPLimitExceeded
	}
	return nil
}

// ClaimIdempotencyKey stores rec unless its key is already claimed
func (s *Store) ClaimIdempotencyKey(ctx context.Context, rec *storage.IdempotencyRecord) (*storage.IdempotencyRecord, error) {
	if rec == nil || rec.Key == "" {
		return nil, fmt.Errorf("invalid idempotency record")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	ttl := DefaultIdempotencyTTL
	if !rec.ExpiresAt.IsZero() {
		ttl = s.ttlUntil(rec.ExpiresAt, 0)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaClaimOnce).
			Numkeys(1).
			Key(s.idempotencyKey(rec.Key)).
			Arg(string(data), seconds(ttl)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if result == "CLAIMED" {
		return nil, nil
	}

	var existing storage.IdempotencyRecord
	if err := json.Unmarshal([]byte(result), &existing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}
	return &existing, nil
}

// ReleaseIdempotencyKey drops a claim made for clientID
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key, clientID string) error {
	err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReleaseClaim).
			Numkeys(1).
			Key(s.idempotencyKey(key)).
			Arg(clientID).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
