package refresh

import (
	"slices"
	"time"
)

// Revocation reasons recorded on a token.
const (
	ReasonRotated       = "rotated"
	ReasonReuseDetected = "reuse_detected"
	ReasonRevoked       = "revoked"
)

// Token is the state of one refresh token.
type Token struct {
	TenantID string   `json:"tenant_id"`
	ClientID string   `json:"client_id"`
	UserID   string   `json:"user_id,omitempty"`
	Scopes   []string `json:"scopes"`

	SelectedOrganization string    `json:"selected_organization,omitempty"`
	AuthTime             time.Time `json:"auth_time,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Revoked          bool      `json:"revoked"`
	RevokedAt        time.Time `json:"revoked_at,omitzero"`
	RevocationReason string    `json:"revocation_reason,omitempty"`

	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// ReplacedBy is the hash of the successor token.
	ReplacedBy string `json:"replaced_by,omitempty"`

	// ReuseDetectedAt is set the first time a revoked token is presented.
	ReuseDetectedAt time.Time `json:"reuse_detected_at,omitzero"`
}

// Expired reports whether t is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Active reports whether t is neither revoked nor expired.
func (t *Token) Active(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

func (t *Token) revoke(now time.Time, reason string) bool {
	if t.Revoked {
		return false
	}
	t.Revoked = true
	t.RevokedAt = now
	t.RevocationReason = reason
	return true
}

func (t *Token) clone() *Token {
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

func (t *Token) sameIssuance(other *Token) bool {
	return t.TenantID == other.TenantID &&
		t.ClientID == other.ClientID &&
		t.UserID == other.UserID &&
		slices.Equal(t.Scopes, other.Scopes) &&
		t.SelectedOrganization == other.SelectedOrganization &&
		t.ExpiresAt.Equal(other.ExpiresAt)
}
