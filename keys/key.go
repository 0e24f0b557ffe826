package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/giantswarm/tenant-oauth/security"
)

// AlgorithmRS256 is the only signing algorithm issued.
const AlgorithmRS256 = "RS256"

// SigningKey is one member of a tenant key set.
type SigningKey struct {
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg"`

	// PrivateKey is PKCS#1 DER. It is nil in keys returned by PublicKeys.
	PrivateKey []byte `json:"private_key,omitempty"`
	// PublicKey is PKIX DER.
	PublicKey []byte `json:"public_key"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
}

// Revoked reports whether the key was revoked.
func (k *SigningKey) Revoked() bool {
	return !k.RevokedAt.IsZero()
}

// Expired reports whether the key is past its validity at now.
func (k *SigningKey) Expired(now time.Time) bool {
	return security.Expired(now, k.ExpiresAt)
}

// CanSign reports whether the key may be selected for signing at now.
func (k *SigningKey) CanSign(now time.Time) bool {
	return k.IsActive && !k.Expired(now) && !k.Revoked()
}

// Published reports whether the key belongs in the public key set at now.
func (k *SigningKey) Published(now time.Time) bool {
	return !k.Expired(now) && !k.Revoked()
}

// RSAPrivateKey decodes the private key.
func (k *SigningKey) RSAPrivateKey() (*rsa.PrivateKey, error) {
	if len(k.PrivateKey) == 0 {
		return nil, fmt.Errorf("key %s has no private material", k.KeyID)
	}
	priv, err := x509.ParsePKCS1PrivateKey(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", k.KeyID, err)
	}
	return priv, nil
}

// RSAPublicKey decodes the public key.
func (k *SigningKey) RSAPublicKey() (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", k.KeyID, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key %s is not an RSA key", k.KeyID)
	}
	return rsaPub, nil
}

func (k SigningKey) public() SigningKey {
	k.PrivateKey = nil
	return k
}

// KeySet is the entity state for one tenant.
type KeySet struct {
	TenantID string       `json:"tenant_id"`
	Keys     []SigningKey `json:"keys"`
}

// active returns the most recently created key that can sign at now. Among
// keys with equal creation time the later one in the set wins.
func (s *KeySet) active(now time.Time) *SigningKey {
	var best *SigningKey
	for i := range s.Keys {
		k := &s.Keys[i]
		if !k.CanSign(now) {
			continue
		}
		if best == nil || !k.CreatedAt.Before(best.CreatedAt) {
			best = k
		}
	}
	return best
}
