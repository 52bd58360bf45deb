package helpers

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most maxLen bytes of s. A negative maxLen yields "".
// Used when logging token or code prefixes.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScope splits a space-delimited scope string (RFC 6749 Section 3.3),
// dropping empty entries and duplicates while keeping first-seen order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScope is the inverse of ParseScope.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopeSubset reports whether every scope in requested is contained in allowed.
// It returns the first offending scope when the check fails.
func ScopeSubset(requested, allowed []string) (string, bool) {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return s, false
		}
	}
	return "", true
}
