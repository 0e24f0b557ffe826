package grant

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// PKCE constants (RFC 7636).
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128

	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	// s256ChallengeLength is the base64url (no padding) length of a SHA-256 digest.
	s256ChallengeLength = 43
)

var (
	// ErrPKCEMismatch is returned when a verifier does not satisfy the stored
	// challenge. Malformed verifiers and unknown methods wrap it as well.
	ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")

	// ErrUnsupportedChallengeMethod is returned for methods other than S256 and plain.
	ErrUnsupportedChallengeMethod = errors.New("unsupported code_challenge_method")
)

// ValidVerifier reports whether v is 43-128 characters of [A-Za-z0-9-._~].
func ValidVerifier(v string) bool {
	if len(v) < MinCodeVerifierLength || len(v) > MaxCodeVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		if !isUnreserved(v[i]) {
			return false
		}
	}
	return true
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// S256Challenge returns base64url(SHA-256(verifier)) without padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidateChallenge checks the shape of a challenge presented at
// authorization time. It does not apply policy such as rejecting plain.
func ValidateChallenge(challenge, method string) error {
	switch method {
	case PKCEMethodS256:
		if len(challenge) != s256ChallengeLength {
			return fmt.Errorf("code_challenge must be %d characters for S256", s256ChallengeLength)
		}
		if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
			return fmt.Errorf("code_challenge is not base64url encoded")
		}
		return nil
	case PKCEMethodPlain:
		if !ValidVerifier(challenge) {
			return fmt.Errorf("plain code_challenge must be %d-%d characters of [A-Za-z0-9-._~]", MinCodeVerifierLength, MaxCodeVerifierLength)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedChallengeMethod, method)
	}
}

// VerifyPKCE checks verifier against challenge using method. Comparisons are
// constant time.
func VerifyPKCE(challenge, method, verifier string) error {
	if !ValidVerifier(verifier) {
		return fmt.Errorf("%w: code_verifier must be %d-%d characters of [A-Za-z0-9-._~]",
			ErrPKCEMismatch, MinCodeVerifierLength, MaxCodeVerifierLength)
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = S256Challenge(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("%w: %w %q", ErrPKCEMismatch, ErrUnsupportedChallengeMethod, method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}
