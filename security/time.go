package security

import "time"

// DefaultClockSkewGracePeriod absorbs small clock differences between the
// server instances sharing a backing store.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt has passed at now, allowing grace.
// A zero expiresAt never expires.
func IsExpired(now, expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// IsTokenExpired checks expiresAt against the wall clock with the default grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsExpired(time.Now(), expiresAt, DefaultClockSkewGracePeriod)
}
