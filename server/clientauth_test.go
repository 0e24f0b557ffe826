package server

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/tenant-oauth/internal/testutil"
	"github.com/giantswarm/tenant-oauth/storage"
)

func TestExtractClientCredentials(t *testing.T) {
	tests := []struct {
		name       string
		request    *testutil.HTTPRequest
		wantID     string
		wantSecret string
		wantMethod string
		wantCode   string
	}{
		{
			name: "basic auth",
			request: testutil.NewHTTPRequest(http.MethodPost, "/token").
				WithBasicAuth("my-client", "my-secret").
				WithForm(url.Values{"grant_type": {"client_credentials"}}),
			wantID:     "my-client",
			wantSecret: "my-secret",
			wantMethod: TokenEndpointAuthMethodBasic,
		},
		{
			name: "basic auth with url-encoded characters",
			request: testutil.NewHTTPRequest(http.MethodPost, "/token").
				WithBasicAuth("client:with:colons", "p@ss w%rd").
				WithForm(url.Values{}),
			wantID:     "client:with:colons",
			wantSecret: "p@ss w%rd",
			wantMethod: TokenEndpointAuthMethodBasic,
		},
		{
			name: "basic auth with matching body client_id",
			request: testutil.NewHTTPRequest(http.MethodPost, "/token").
				WithBasicAuth("my-client", "my-secret").
				WithForm(url.Values{"client_id": {"my-client"}}),
			wantID:     "my-client",
			wantSecret: "my-secret",
			wantMethod: TokenEndpointAuthMethodBasic,
		},
		{
			name: "post body",
			request: testutil.NewHTTPRequest(http.MethodPost, "/token").
				WithForm(url.Values{"client_id": {"my-client"}, "client_secret": {"my-secret"}}),
			wantID:     "my-client",
			wantSecret: "my-secret",
			wantMethod: TokenEndpointAuthMethodPost,
		},
		{
			name: "public client",
			request: testutil.NewHTTPRequest(http.MethodPost, "/token").
				WithForm(url.Values{"client_id": {"public-app"}}),
			wantID:     "public-app",
			wantMethod: TokenEndpointAuthMethodNone,
		},
		{
			name: "two methods",
			request: testutil.NewHTTPRequest(http.MethodPost, "/token").
				WithBasicAuth("my-client", "my-secret").
				WithForm(url.Values{"client_secret": {"my-secret"}}),
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "conflicting client ids",
			request: testutil.NewHTTPRequest(http.MethodPost, "/token").
				WithBasicAuth("my-client", "my-secret").
				WithForm(url.Values{"client_id": {"someone-else"}}),
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "no credentials",
			request:  testutil.NewHTTPRequest(http.MethodPost, "/token").WithForm(url.Values{}),
			wantCode: ErrorCodeInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := ExtractClientCredentials(tt.request.Request())
			if tt.wantCode != "" {
				requireErrorCode(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("ExtractClientCredentials() error = %v", err)
			}
			if creds.ClientID != tt.wantID || creds.Secret != tt.wantSecret || creds.Method != tt.wantMethod {
				t.Errorf("got %+v, want id=%q secret=%q method=%q", creds, tt.wantID, tt.wantSecret, tt.wantMethod)
			}
		})
	}
}

func TestServer_AuthenticateClient(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	saveClient(t, store, testutil.GenerateTestClient(t))
	saveClient(t, store, testutil.GenerateTestPublicClient())

	disabled := testutil.GenerateTestClient(t)
	disabled.ClientID = "disabled-app"
	disabled.Active = false
	saveClient(t, store, disabled)

	rotated := testutil.GenerateTestClient(t)
	rotated.ClientID = "rotated-app"
	rotated.Secrets = []storage.ClientSecret{
		{ID: "old", SecretHash: testutil.HashSecret(t, "old-secret"), ExpiresAt: clock.Now().Add(-time.Hour)},
		{ID: "new", SecretHash: testutil.HashSecret(t, "new-secret")},
	}
	saveClient(t, store, rotated)

	tests := []struct {
		name     string
		tenantID string
		creds    *ClientCredentials
		wantCode string
	}{
		{
			name:  "confidential client with valid secret",
			creds: &ClientCredentials{ClientID: testutil.ConfidentialID, Secret: testutil.ClientSecret},
		},
		{
			name:     "confidential client with wrong secret",
			creds:    &ClientCredentials{ClientID: testutil.ConfidentialID, Secret: "wrong"},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "confidential client without secret",
			creds:    &ClientCredentials{ClientID: testutil.ConfidentialID},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:  "public client without secret",
			creds: &ClientCredentials{ClientID: testutil.PublicID},
		},
		{
			name:     "public client presenting a secret",
			creds:    &ClientCredentials{ClientID: testutil.PublicID, Secret: "anything"},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unknown client",
			creds:    &ClientCredentials{ClientID: "nope", Secret: "whatever"},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "inactive client with valid secret",
			creds:    &ClientCredentials{ClientID: "disabled-app", Secret: testutil.ClientSecret},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "expired secret",
			creds:    &ClientCredentials{ClientID: "rotated-app", Secret: "old-secret"},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:  "current secret after rotation",
			creds: &ClientCredentials{ClientID: "rotated-app", Secret: "new-secret"},
		},
		{
			name:     "client of another tenant",
			tenantID: "globex",
			creds:    &ClientCredentials{ClientID: testutil.ConfidentialID, Secret: testutil.ClientSecret},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing credentials",
			wantCode: ErrorCodeInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenantID := tt.tenantID
			if tenantID == "" {
				tenantID = testutil.TenantID
			}
			client, err := srv.AuthenticateClient(context.Background(), tenantID, tt.creds, "192.0.2.1")
			if tt.wantCode != "" {
				requireErrorCode(t, err, tt.wantCode)
				if client != nil {
					t.Error("no client should be returned on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthenticateClient() error = %v", err)
			}
			if client.ClientID != tt.creds.ClientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.creds.ClientID)
			}
		})
	}
}

func TestServer_AddClientSecret(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	saveClient(t, store, testutil.GenerateTestClient(t))
	saveClient(t, store, testutil.GenerateTestPublicClient())
	ctx := context.Background()

	secret, stored, err := srv.AddClientSecret(ctx, testutil.TenantID, testutil.ConfidentialID, "ci", time.Time{})
	if err != nil {
		t.Fatalf("AddClientSecret() error = %v", err)
	}
	if len(secret) < 43 {
		t.Errorf("secret length = %d, want >= 43", len(secret))
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(secret)) != nil {
		t.Error("stored hash does not match the returned secret")
	}

	if _, err := srv.AuthenticateClient(ctx, testutil.TenantID, &ClientCredentials{ClientID: testutil.ConfidentialID, Secret: secret}, ""); err != nil {
		t.Errorf("new secret should authenticate: %v", err)
	}
	_, err = srv.AuthenticateClient(ctx, testutil.TenantID, &ClientCredentials{ClientID: testutil.ConfidentialID, Secret: testutil.ClientSecret}, "")
	requireErrorCode(t, err, ErrorCodeInvalidClient)

	if _, _, err := srv.AddClientSecret(ctx, testutil.TenantID, testutil.PublicID, "", time.Time{}); err == nil {
		t.Error("public clients cannot hold secrets")
	}
}
