// Package token mints and verifies RS256 JWTs with tenant signing keys.
//
// Every token carries a kid header naming the key that signed it, so
// verification keeps working across key rotation for as long as the old
// key is published.
package token
