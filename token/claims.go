package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// Organization is one entry of the organization claims.
type Organization struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// UserClaims are the scope-gated subject claims shared by access and ID
// tokens. Empty fields are omitted.
type UserClaims struct {
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`

	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`

	PhoneNumber         string `json:"phone_number,omitempty"`
	PhoneNumberVerified *bool  `json:"phone_number_verified,omitempty"`

	Organization  *Organization  `json:"organization,omitempty"`
	Organizations []Organization `json:"organizations,omitempty"`

	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	// Custom holds membership custom claims, keyed by claim name.
	Custom map[string]string `json:"custom_claims,omitempty"`
}

// AccessClaims is the claim set of an access token.
type AccessClaims struct {
	TenantID string `json:"tenant_id"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`

	UserClaims
	jwt.RegisteredClaims
}

// IDClaims is the claim set of an OpenID Connect ID token.
type IDClaims struct {
	TenantID string           `json:"tenant_id"`
	Nonce    string           `json:"nonce,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`

	UserClaims
	jwt.RegisteredClaims
}

// Values of the typ header.
const (
	// TypeAccessToken marks JWT access tokens (RFC 9068 section 2.1).
	TypeAccessToken = "at+jwt"

	// TypeJWT is the default typ, used for ID tokens.
	TypeJWT = "JWT"
)

// tenantScoped is implemented by claim sets that name their tenant.
type tenantScoped interface {
	jwt.Claims
	tenant() string
	headerType() string
}

func (c *AccessClaims) tenant() string { return c.TenantID }
func (c *IDClaims) tenant() string     { return c.TenantID }

func (c *AccessClaims) headerType() string { return TypeAccessToken }
func (c *IDClaims) headerType() string     { return TypeJWT }
