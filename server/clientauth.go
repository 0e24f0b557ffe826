package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/storage"
)

// Token endpoint authentication methods (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// dummyBcryptHash keeps the response time of unknown client ids close to
// that of known ones.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ClientCredentials is the credential set presented with a request.
type ClientCredentials struct {
	ClientID string
	Secret   string
	// Method is the TokenEndpointAuthMethod* the credentials arrived with.
	Method string
}

// ExtractClientCredentials reads exactly one credential set from the Basic
// Authorization header or the form body. Presenting a secret through both
// is rejected (RFC 6749 Section 2.3).
func ExtractClientCredentials(r *http.Request) (*ClientCredentials, error) {
	if err := r.ParseForm(); err != nil {
		return nil, newError(ErrorCodeInvalidRequest, "Malformed request body", err)
	}
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	if username, password, ok := r.BasicAuth(); ok {
		if formSecret != "" {
			return nil, newError(ErrorCodeInvalidRequest, "Multiple client authentication methods used", nil)
		}
		// RFC 6749 Section 2.3.1: both values are form-urlencoded before encoding.
		clientID, err := url.QueryUnescape(username)
		if err != nil {
			return nil, newError(ErrorCodeInvalidRequest, "Malformed client credentials", err)
		}
		secret, err := url.QueryUnescape(password)
		if err != nil {
			return nil, newError(ErrorCodeInvalidRequest, "Malformed client credentials", err)
		}
		if formID != "" && formID != clientID {
			return nil, newError(ErrorCodeInvalidRequest, "client_id does not match the authenticated client", nil)
		}
		return &ClientCredentials{ClientID: clientID, Secret: secret, Method: TokenEndpointAuthMethodBasic}, nil
	}

	if formID == "" {
		return nil, invalidClient(errors.New("no client identification"))
	}
	method := TokenEndpointAuthMethodNone
	if formSecret != "" {
		method = TokenEndpointAuthMethodPost
	}
	return &ClientCredentials{ClientID: formID, Secret: formSecret, Method: method}, nil
}

// AuthenticateClient resolves creds to an active client of tenantID.
// Confidential clients must present a secret matching one of their
// non-expired secrets; public clients must present none.
func (s *Server) AuthenticateClient(ctx context.Context, tenantID string, creds *ClientCredentials, clientIP string) (*storage.Client, error) {
	if creds == nil || creds.ClientID == "" {
		return nil, invalidClient(errors.New("no client identification"))
	}

	client, err := s.clientStore.GetClient(ctx, tenantID, creds.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(creds.Secret))
		return nil, s.clientAuthFailed(ctx, tenantID, creds.ClientID, clientIP, "unknown_client")
	}
	if err != nil {
		return nil, internalError(err)
	}

	if !client.Active {
		return nil, s.clientAuthFailed(ctx, tenantID, creds.ClientID, clientIP, "inactive_client")
	}

	if !client.Confidential {
		if creds.Secret != "" {
			return nil, s.clientAuthFailed(ctx, tenantID, creds.ClientID, clientIP, "secret_for_public_client")
		}
		return client, nil
	}

	if creds.Secret == "" {
		return nil, s.clientAuthFailed(ctx, tenantID, creds.ClientID, clientIP, "missing_secret")
	}
	if !s.secretMatches(client, creds.Secret) {
		return nil, s.clientAuthFailed(ctx, tenantID, creds.ClientID, clientIP, "invalid_secret")
	}
	return client, nil
}

// secretMatches compares against every non-expired secret so that the
// work done does not reveal which one matched.
func (s *Server) secretMatches(client *storage.Client, secret string) bool {
	now := s.now()
	matched := false
	for _, stored := range client.Secrets {
		if stored.Expired(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(secret)) == nil {
			matched = true
		}
	}
	return matched
}

func (s *Server) clientAuthFailed(ctx context.Context, tenantID, clientID, clientIP, reason string) error {
	s.Auditor.LogClientAuthFailure(tenantID, clientID, clientIP, reason)
	if m := s.metrics(); m != nil {
		m.RecordClientAuthFailure(ctx, reason)
	}
	s.logSecurityEvent("client_auth:"+clientIP, "Client authentication failed",
		"tenant_id", tenantID,
		"client_id", clientID,
		"client_ip", clientIP,
		"reason", reason)
	return invalidClient(errors.New(reason))
}

// AddClientSecret generates a new secret for a confidential client and
// stores its bcrypt hash, replacing previous secrets. The plaintext is
// returned once and never stored.
func (s *Server) AddClientSecret(ctx context.Context, tenantID, clientID, description string, expiresAt time.Time) (string, *storage.ClientSecret, error) {
	client, err := s.clientStore.GetClient(ctx, tenantID, clientID)
	if err != nil {
		return "", nil, err
	}
	if !client.Confidential {
		return "", nil, fmt.Errorf("client %s is public and cannot hold secrets", clientID)
	}

	secret, hash, err := generateClientSecret()
	if err != nil {
		return "", nil, err
	}
	stored := storage.ClientSecret{
		ID:          uuid.NewString(),
		Description: description,
		SecretHash:  hash,
		CreatedAt:   s.now(),
		ExpiresAt:   expiresAt,
	}
	if err := s.clientStore.AddClientSecret(ctx, tenantID, clientID, stored); err != nil {
		return "", nil, fmt.Errorf("failed to store client secret: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventClientSecretRotated,
		TenantID: tenantID,
		ClientID: clientID,
		Details:  map[string]any{"secret_id": stored.ID},
	})
	s.Logger.Info("Rotated client secret", "tenant_id", tenantID, "client_id", clientID, "secret_id", stored.ID)
	return secret, &stored, nil
}

// generateClientSecret returns a random secret and its bcrypt hash.
func generateClientSecret() (string, string, error) {
	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}
