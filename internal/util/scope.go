package util

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope string (RFC 6749 section 3.3)
// into an ordered set: order of first appearance is kept, duplicates and
// empty entries are dropped.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return Dedupe(fields)
}

// FormatScope joins scopes with single spaces.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// Dedupe returns values without duplicates, keeping first occurrences in order.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// IntersectScopes returns the members of requested that are also in allowed,
// in requested order.
func IntersectScopes(requested, allowed []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}

// IsSubset reports whether every member of subset is in set.
func IsSubset(subset, set []string) bool {
	for _, s := range subset {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}

// ScopesEqual reports whether a and b hold the same members in any order.
func ScopesEqual(a, b []string) bool {
	return IsSubset(a, b) && IsSubset(b, a)
}
