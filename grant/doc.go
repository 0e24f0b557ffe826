// Package grant implements the authorization code lifecycle.
//
// A grant is stored under the SHA-256 hash of its opaque code and moves from
// Issued to Redeemed exactly once. Expiry is checked against the stored
// timestamps on every access. Redemption verifies PKCE, marks the grant
// redeemed and returns its payload in a single serialized operation, so two
// concurrent redemptions of the same code cannot both succeed.
//
// Redeemed grants are retained for a while after use so that a replayed code
// can be recognized and the tokens minted from it revoked.
package grant
