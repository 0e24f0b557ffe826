package token

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/tenant-oauth/keys"
	"github.com/giantswarm/tenant-oauth/security"
)

var (
	ErrUnknownKey     = errors.New("token signed with an unknown key")
	ErrTenantMismatch = errors.New("token belongs to another tenant")
	ErrWrongType      = errors.New("token has the wrong type")
)

// KeySource supplies signing and verification keys. *keys.Manager
// implements it.
type KeySource interface {
	SigningKey(ctx context.Context, tenantID string) (*keys.SigningKey, error)
	PublicKey(ctx context.Context, tenantID, kid string) (*keys.SigningKey, error)
}

// Minter signs claim sets with the tenant's active key.
type Minter struct {
	keys KeySource
}

// NewMinter creates a Minter.
func NewMinter(src KeySource) *Minter {
	return &Minter{keys: src}
}

// Sign serializes claims as an RS256 JWT and returns it with the kid used.
func (m *Minter) Sign(ctx context.Context, tenantID string, claims jwt.Claims) (string, string, error) {
	key, err := m.keys.SigningKey(ctx, tenantID)
	if err != nil {
		return "", "", fmt.Errorf("signing key: %w", err)
	}
	priv, err := key.RSAPrivateKey()
	if err != nil {
		return "", "", err
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KeyID
	if typed, ok := claims.(tenantScoped); ok {
		tok.Header["typ"] = typed.headerType()
	}
	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return signed, key.KeyID, nil
}

// Verifier checks tokens against the tenant's published keys.
type Verifier struct {
	keys KeySource
}

// NewVerifier creates a Verifier.
func NewVerifier(src KeySource) *Verifier {
	return &Verifier{keys: src}
}

// VerifyAccess parses and validates an access token issued by issuer for tenantID.
func (v *Verifier) VerifyAccess(ctx context.Context, tenantID, issuer, raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := v.verify(ctx, tenantID, issuer, raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyID parses and validates an ID token issued to audience.
func (v *Verifier) VerifyID(ctx context.Context, tenantID, issuer, audience, raw string) (*IDClaims, error) {
	claims := &IDClaims{}
	if err := v.verify(ctx, tenantID, issuer, raw, claims, jwt.WithAudience(audience)); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, tenantID, issuer, raw string, claims tenantScoped, extra ...jwt.ParserOption) error {
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(security.DefaultClockSkewGracePeriod),
	}, extra...)

	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		// An ID token must not pass as an access token, nor the reverse.
		if typ, _ := t.Header["typ"].(string); !strings.EqualFold(typ, claims.headerType()) {
			return nil, fmt.Errorf("%w: %q", ErrWrongType, typ)
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrUnknownKey)
		}
		key, err := v.keys.PublicKey(ctx, tenantID, kid)
		if errors.Is(err, keys.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
		}
		if err != nil {
			return nil, err
		}
		return key.RSAPublicKey()
	})
	if err != nil {
		return err
	}
	if claims.tenant() != tenantID {
		return ErrTenantMismatch
	}
	return nil
}
