package server

import (
	"context"
	"errors"
	"strings"

	"github.com/giantswarm/tenant-oauth/actor"
	"github.com/giantswarm/tenant-oauth/internal/util"
	"github.com/giantswarm/tenant-oauth/refresh"
	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/storage"
)

// RevokeToken revokes a refresh token owned by client together with every
// token rotated from it (RFC 7009). Unknown tokens, tokens of other clients
// and access tokens are accepted silently: access tokens are self-contained
// and expire on their own.
func (s *Server) RevokeToken(ctx context.Context, tenantID string, client *storage.Client, value string) error {
	if value == "" {
		return newError(ErrorCodeInvalidRequest, "token is required", nil)
	}
	if client == nil || client.TenantID != tenantID {
		return invalidClient(errors.New("client does not belong to tenant"))
	}

	tok, err := s.refreshes.Get(ctx, value)
	if errors.Is(err, refresh.ErrNotFound) {
		return nil
	}
	if err != nil {
		return internalError(err)
	}
	if tok.TenantID != tenantID || tok.ClientID != client.ClientID {
		s.logSecurityEvent("revoke:"+client.ClientID, "Client attempted to revoke a token issued to another client",
			"tenant_id", tenantID,
			"client_id", client.ClientID)
		return nil
	}

	revoked, err := s.refreshes.Revoke(ctx, value)
	if err != nil {
		return internalError(err)
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRevoked(ctx, "refresh_token")
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventTokenRevoked,
		TenantID: tenantID,
		UserID:   tok.UserID,
		ClientID: client.ClientID,
		Details:  map[string]any{"tokens_revoked": revoked},
	})
	s.Logger.Info("Revoked refresh token",
		"tenant_id", tenantID,
		"client_id", client.ClientID,
		"token_hash", util.SafeTruncate(refresh.Hash(value), 8),
		"tokens_revoked", revoked)
	return nil
}

// Introspection is an RFC 7662 introspection response.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	JTI       string `json:"jti,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
}

// IntrospectToken reports whether value is an active token of tenantID.
// Access tokens are verified against the tenant's published keys and may be
// introspected by any client of the tenant; refresh tokens only by the
// client they were issued to.
func (s *Server) IntrospectToken(ctx context.Context, tenantID string, client *storage.Client, value string) (*Introspection, error) {
	if value == "" {
		return nil, newError(ErrorCodeInvalidRequest, "token is required", nil)
	}
	if client == nil || client.TenantID != tenantID {
		return nil, invalidClient(errors.New("client does not belong to tenant"))
	}
	tenant, err := s.getTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if strings.Count(value, ".") == 2 {
		claims, err := s.verifier.VerifyAccess(ctx, tenant.ID, s.Issuer(tenant), value)
		if errors.Is(err, actor.ErrPersistence) {
			return nil, internalError(err)
		}
		if err != nil {
			return &Introspection{Active: false}, nil
		}
		out := &Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			Subject:   claims.Subject,
			TokenType: "Bearer",
			Issuer:    claims.Issuer,
			JTI:       claims.ID,
			TenantID:  claims.TenantID,
		}
		if claims.ExpiresAt != nil {
			out.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			out.IssuedAt = claims.IssuedAt.Unix()
		}
		return out, nil
	}

	tok, err := s.refreshes.Get(ctx, value)
	if errors.Is(err, refresh.ErrNotFound) {
		return &Introspection{Active: false}, nil
	}
	if err != nil {
		return nil, internalError(err)
	}
	if tok.TenantID != tenantID || tok.ClientID != client.ClientID || !tok.Active(s.now()) {
		return &Introspection{Active: false}, nil
	}
	return &Introspection{
		Active:    true,
		Scope:     util.FormatScope(tok.Scopes),
		ClientID:  tok.ClientID,
		Subject:   tok.UserID,
		TokenType: "refresh_token",
		ExpiresAt: tok.ExpiresAt.Unix(),
		IssuedAt:  tok.CreatedAt.Unix(),
		TenantID:  tok.TenantID,
	}, nil
}
