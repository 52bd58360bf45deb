// Package valkey provides a Valkey (Redis-compatible) implementation of the
// storage interfaces for multi-instance deployments.
//
// # Key Layout
//
// All keys are prefixed with Config.KeyPrefix (default "mindflow:"):
//
//	client:{id}                      registered client (JSON, no TTL)
//	registrations:ip:{ip}            registration counter (TTL 24h)
//	idempotency:{key}                registration idempotency record
//	code:{code}                      authorization code (TTL until expiry)
//	refresh:{id}                     refresh token (TTL until expiry)
//	family:{id}:tokens               set of refresh token ids in a family
//	family:{id}:revoked              revocation marker (TTL = retention)
//	userclient:{user}:{client}       set of family ids of a user/client pair
//	consent:{token}                  pending consent request
//
// # Atomicity
//
// Code consumption, refresh rotation, family revocation, consent
// consumption, IP accounting and idempotency claims each run as a single Lua
// script, so concurrent requests across instances observe a single winner.
// The family revocation script touches refresh token keys that it discovers
// from the family set, so the store targets standalone or sentinel
// deployments rather than Valkey Cluster.
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
package valkey
