package storage

import (
	"slices"
	"time"
)

// Client is an OAuth client registration within a tenant.
type Client struct {
	TenantID string `json:"tenant_id"`
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`

	// Confidential clients authenticate with a secret; public clients do not.
	Confidential bool `json:"confidential"`

	// Active is false for disabled clients, which are rejected regardless
	// of credentials.
	Active bool `json:"active"`

	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	AllowedScopes []string `json:"allowed_scopes,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`

	// Secrets holds bcrypt hashes. AddClientSecret keeps only the newest one.
	Secrets []ClientSecret `json:"secrets,omitempty"`

	// RequirePKCE forces PKCE for confidential clients too.
	RequirePKCE bool `json:"require_pkce"`

	// Lifetime overrides in seconds; zero falls back to tenant defaults.
	AccessTokenLifetime  int64 `json:"access_token_lifetime,omitempty"`
	RefreshTokenLifetime int64 `json:"refresh_token_lifetime,omitempty"`
	IDTokenLifetime      int64 `json:"id_token_lifetime,omitempty"`

	// IncludeRoleClaims opts the client into roles/permissions claims.
	IncludeRoleClaims bool `json:"include_role_claims"`

	// Roles maps an application role name to the permissions it grants.
	Roles map[string][]string `json:"roles,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasGrantType reports whether the client may use grantType.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// HasRedirectURI reports whether uri is registered, by exact match.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ClientSecret is a hashed client secret.
type ClientSecret struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	SecretHash  string    `json:"secret_hash"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the secret is past its expiry at now.
func (s ClientSecret) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Tenant holds per-tenant token defaults.
type Tenant struct {
	ID string `json:"id"`

	// Issuer is the iss claim for tokens minted in this tenant. Empty means
	// the server derives one from its base URL.
	Issuer string `json:"issuer,omitempty"`

	// Default lifetimes in seconds; zero falls back to server defaults.
	AccessTokenLifetime       int64 `json:"access_token_lifetime,omitempty"`
	RefreshTokenLifetime      int64 `json:"refresh_token_lifetime,omitempty"`
	IDTokenLifetime           int64 `json:"id_token_lifetime,omitempty"`
	AuthorizationCodeLifetime int64 `json:"authorization_code_lifetime,omitempty"`
}

// User is the subject of user-bound grants.
type User struct {
	ID                  string `json:"id"`
	TenantID            string `json:"tenant_id"`
	Email               string `json:"email,omitempty"`
	EmailVerified       bool   `json:"email_verified"`
	PhoneNumber         string `json:"phone_number,omitempty"`
	PhoneNumberVerified bool   `json:"phone_number_verified"`
	Name                string `json:"name,omitempty"`
	GivenName           string `json:"given_name,omitempty"`
	FamilyName          string `json:"family_name,omitempty"`

	// Locked users cannot obtain new tokens.
	Locked bool `json:"locked"`
}

// Membership assigns roles to a user, tenant-wide when OrganizationID is
// empty or inside one organization otherwise.
type Membership struct {
	TenantID         string            `json:"tenant_id"`
	OrganizationID   string            `json:"organization_id,omitempty"`
	OrganizationName string            `json:"organization_name,omitempty"`
	UserID           string            `json:"user_id"`
	Roles            []string          `json:"roles,omitempty"`
	CustomClaims     map[string]string `json:"custom_claims,omitempty"`
}
