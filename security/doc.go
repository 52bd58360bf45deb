// Package security holds the cross-cutting protections of the authorization
// server: audit logging with hashed identifiers, per-IP rate limiting,
// client IP extraction, response security headers, request ids and request
// logging, and AES-GCM sealing of the signing key at rest.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP).
// The number of tracked identifiers is bounded; when the bound is reached the
// least recently used bucket is evicted. Idle buckets are dropped by a
// background loop that stops with Stop.
//
//	limiter := security.NewRateLimiter(security.PerMinute(10), 10, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(ip) {
//	    // 429
//	}
//
// # Audit Logging
//
// Auditor writes "security_audit" records. User ids and IP addresses are
// logged as truncated SHA-256 hashes so the audit stream can be correlated
// without holding PII.
package security
