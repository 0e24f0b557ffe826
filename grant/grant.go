package grant

import (
	"slices"
	"time"
)

// Grant is the state of one authorization code.
type Grant struct {
	TenantID    string   `json:"tenant_id"`
	ClientID    string   `json:"client_id"`
	UserID      string   `json:"user_id"`
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	Nonce                string    `json:"nonce,omitempty"`
	State                string    `json:"state,omitempty"`
	SelectedOrganization string    `json:"selected_organization,omitempty"`
	AuthTime             time.Time `json:"auth_time,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Redeemed   bool      `json:"redeemed"`
	RedeemedAt time.Time `json:"redeemed_at,omitzero"`

	// RefreshTokenHash is the hash of the refresh token minted from this
	// code, recorded after redemption so a replayed code can revoke it.
	RefreshTokenHash string `json:"refresh_token_hash,omitempty"`
}

// Expired reports whether the grant is past its expiry at now.
func (g *Grant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// IsValid reports whether the grant can still be redeemed at now.
func (g *Grant) IsValid(now time.Time) bool {
	return !g.Redeemed && !g.Expired(now)
}

// HasScope reports whether scope was granted.
func (g *Grant) HasScope(scope string) bool {
	return slices.Contains(g.Scopes, scope)
}

func (g *Grant) clone() *Grant {
	out := *g
	out.Scopes = slices.Clone(g.Scopes)
	return &out
}

// sameIssuance reports whether other describes the same authorization as g,
// ignoring redemption state.
func (g *Grant) sameIssuance(other *Grant) bool {
	return g.TenantID == other.TenantID &&
		g.ClientID == other.ClientID &&
		g.UserID == other.UserID &&
		g.RedirectURI == other.RedirectURI &&
		slices.Equal(g.Scopes, other.Scopes) &&
		g.CodeChallenge == other.CodeChallenge &&
		g.CodeChallengeMethod == other.CodeChallengeMethod &&
		g.Nonce == other.Nonce &&
		g.State == other.State &&
		g.SelectedOrganization == other.SelectedOrganization &&
		g.ExpiresAt.Equal(other.ExpiresAt)
}
