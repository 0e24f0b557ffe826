package security

import "time"

// DefaultClockSkewGracePeriod is the leeway applied when verifying tokens
// minted by other hosts. Server-side expiry of codes and refresh tokens is
// evaluated strictly against the stored timestamp.
const DefaultClockSkewGracePeriod = 5 * time.Second

// Expired reports whether expiresAt has passed at now. A zero expiresAt never
// expires.
func Expired(now, expiresAt time.Time) bool {
	return !expiresAt.IsZero() && now.After(expiresAt)
}
