package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSecret derives the storage key component for an opaque credential
// (authorization code, refresh token). The raw value is never persisted, and
// the same value always maps to the same key, which makes retried creates
// idempotent.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
