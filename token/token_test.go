package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/tenant-oauth/internal/testutil"
	"github.com/giantswarm/tenant-oauth/keys"
)

const issuer = "https://auth.example.com/t/acme"

func setup(t *testing.T) (*keys.Manager, *Minter, *Verifier) {
	t.Helper()
	rt, _ := testutil.NewRuntime(t)
	km := keys.NewManager(rt, keys.Config{KeyBits: 1024})
	return km, NewMinter(km), NewVerifier(km)
}

func accessClaims(tenantID string, ttl time.Duration) *AccessClaims {
	now := time.Now()
	verified := true
	return &AccessClaims{
		TenantID: tenantID,
		ClientID: "app",
		Scope:    "openid email",
		UserClaims: UserClaims{
			Email:         "jane@example.com",
			EmailVerified: &verified,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
}

func TestMinter_SignAndVerify(t *testing.T) {
	_, minter, verifier := setup(t)
	ctx := context.Background()

	raw, kid, err := minter.Sign(ctx, "acme", accessClaims("acme", time.Hour))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if kid == "" {
		t.Error("Sign() returned empty kid")
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, &AccessClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	if parsed.Header["kid"] != kid || parsed.Header["alg"] != "RS256" {
		t.Errorf("header = %v", parsed.Header)
	}

	claims, err := verifier.VerifyAccess(ctx, "acme", issuer, raw)
	if err != nil {
		t.Fatalf("VerifyAccess() error = %v", err)
	}
	if claims.Subject != "user-123" || claims.Email != "jane@example.com" || claims.Scope != "openid email" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.EmailVerified == nil || !*claims.EmailVerified {
		t.Error("email_verified lost")
	}
}

func TestVerifier_Rejects(t *testing.T) {
	km, minter, verifier := setup(t)
	ctx := context.Background()

	valid, kid, err := minter.Sign(ctx, "acme", accessClaims("acme", time.Hour))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	expired, _, _ := minter.Sign(ctx, "acme", accessClaims("acme", -time.Hour))
	otherTenant, _, _ := minter.Sign(ctx, "globex", accessClaims("globex", time.Hour))

	tests := []struct {
		name    string
		tenant  string
		issuer  string
		raw     string
		wantErr error
	}{
		{"expired", "acme", issuer, expired, jwt.ErrTokenExpired},
		{"wrong issuer", "acme", "https://evil.example.com", valid, jwt.ErrTokenInvalidIssuer},
		{"key of another tenant", "acme", issuer, otherTenant, ErrUnknownKey},
		{"garbage", "acme", issuer, "not.a.jwt", jwt.ErrTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.VerifyAccess(ctx, tt.tenant, tt.issuer, tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyAccess() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("revoked key", func(t *testing.T) {
		if err := km.Revoke(ctx, "acme", kid); err != nil {
			t.Fatalf("Revoke() error = %v", err)
		}
		if _, err := verifier.VerifyAccess(ctx, "acme", issuer, valid); !errors.Is(err, ErrUnknownKey) {
			t.Errorf("VerifyAccess() error = %v, want ErrUnknownKey", err)
		}
	})
}

func TestVerifier_TenantClaimMismatch(t *testing.T) {
	_, minter, verifier := setup(t)
	ctx := context.Background()

	// Signed with acme's key but claiming another tenant.
	raw, _, err := minter.Sign(ctx, "acme", accessClaims("globex", time.Hour))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, err := verifier.VerifyAccess(ctx, "acme", issuer, raw); !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("VerifyAccess() error = %v, want ErrTenantMismatch", err)
	}
}

func TestVerifier_SurvivesRotation(t *testing.T) {
	km, minter, verifier := setup(t)
	ctx := context.Background()

	before, _, err := minter.Sign(ctx, "acme", accessClaims("acme", time.Hour))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if _, err := km.Rotate(ctx, "acme"); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	after, newKid, _ := minter.Sign(ctx, "acme", accessClaims("acme", time.Hour))

	for name, raw := range map[string]string{"before": before, "after": after} {
		if _, err := verifier.VerifyAccess(ctx, "acme", issuer, raw); err != nil {
			t.Errorf("VerifyAccess(%s rotation) error = %v", name, err)
		}
	}
	active, _ := km.ActiveKey(ctx, "acme")
	if active.KeyID != newKid {
		t.Errorf("token signed with %s, active key is %s", newKid, active.KeyID)
	}
}

func TestVerifier_IDToken(t *testing.T) {
	_, minter, verifier := setup(t)
	ctx := context.Background()
	now := time.Now()

	claims := &IDClaims{
		TenantID: "acme",
		Nonce:    "abc",
		AuthTime: jwt.NewNumericDate(now),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"app"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	raw, _, err := minter.Sign(ctx, "acme", claims)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	got, err := verifier.VerifyID(ctx, "acme", issuer, "app", raw)
	if err != nil {
		t.Fatalf("VerifyID() error = %v", err)
	}
	if got.Nonce != "abc" {
		t.Errorf("nonce = %q", got.Nonce)
	}
	if _, err := verifier.VerifyID(ctx, "acme", issuer, "other-app", raw); !errors.Is(err, jwt.ErrTokenInvalidAudience) {
		t.Errorf("VerifyID(wrong audience) error = %v", err)
	}
}

func TestVerifier_TokenTypes(t *testing.T) {
	_, minter, verifier := setup(t)
	ctx := context.Background()
	now := time.Now()

	access, _, err := minter.Sign(ctx, "acme", accessClaims("acme", time.Hour))
	if err != nil {
		t.Fatalf("Sign(access) error = %v", err)
	}
	id, _, err := minter.Sign(ctx, "acme", &IDClaims{
		TenantID: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"app"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("Sign(id) error = %v", err)
	}

	for raw, want := range map[string]string{access: TypeAccessToken, id: TypeJWT} {
		parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
		if err != nil {
			t.Fatalf("ParseUnverified() error = %v", err)
		}
		if parsed.Header["typ"] != want {
			t.Errorf("typ = %v, want %s", parsed.Header["typ"], want)
		}
	}

	if _, err := verifier.VerifyAccess(ctx, "acme", issuer, id); !errors.Is(err, ErrWrongType) {
		t.Errorf("VerifyAccess(id token) error = %v, want ErrWrongType", err)
	}
	if _, err := verifier.VerifyID(ctx, "acme", issuer, "app", access); !errors.Is(err, ErrWrongType) {
		t.Errorf("VerifyID(access token) error = %v, want ErrWrongType", err)
	}
}
