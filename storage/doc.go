// Package storage defines the persistence contracts of the authorization
// server: registered clients, authorization codes, refresh token families
// and pending consent requests.
//
// Every operation that decides whether a one-time credential may be used
// (ConsumeAuthorizationCode, RotateRefreshToken, ConsumeConsentRequest,
// CheckIPLimit, ClaimIdempotencyKey) is an atomic check-and-set in every
// implementation.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single instances
//   - storage/valkey: Valkey/Redis-compatible storage using Lua scripts for atomicity
package storage
