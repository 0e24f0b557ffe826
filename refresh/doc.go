// Package refresh implements refresh token rotation with reuse detection.
//
// Each refresh token is an entity keyed by the SHA-256 hash of its value.
// A token is single use: ValidateAndRevoke revokes it and returns its state
// so the caller can mint a successor, then SetReplacement links the two.
// The links form a forward-only chain.
//
// Presenting a token that is already revoked is treated as theft. The
// service walks the chain from that token and revokes every descendant that
// is still active, so whoever holds the newest token loses it too. The walk
// is an iterative loop of independent, idempotent entity calls; if it is
// interrupted the next replay resumes it.
package refresh
