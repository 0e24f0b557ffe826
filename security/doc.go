// Package security holds the cross-cutting protections of the authorization
// server: at-rest encryption of entity state, the security audit trail,
// per-client rate limiting, client IP extraction and response headers for
// credential-bearing responses.
//
// # Encryption
//
// Entity state (grants, refresh tokens, signing keys) is sealed with
// AES-256-GCM before it reaches a storage backend when an Encryptor with a
// key is configured:
//
//	key, _ := security.KeyFromBase64(os.Getenv("OAUTH_ENCRYPTION_KEY"))
//	enc, err := security.NewEncryptor(key)
//
// An Encryptor created with an empty key passes data through unchanged.
//
// # Rate limiting
//
// RateLimiter keeps one token bucket per identifier and bounds memory with
// LRU eviction. It guards the token endpoint per client and throttles
// repeated security log lines so an attacker cannot flood the audit trail.
package security
