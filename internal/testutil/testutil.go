package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tenant-oauth/actor"
	"github.com/giantswarm/tenant-oauth/storage"
	"github.com/giantswarm/tenant-oauth/storage/memory"
)

// Fixture identifiers.
const (
	TenantID          = "acme"
	ConfidentialID    = "confidential-app"
	PublicID          = "public-app"
	ServiceClientID   = "service-app"
	ClientSecret      = "s3cr3t-client-secret-value"
	UserID            = "user-123"
	OrganizationID    = "org-eng"
	RedirectURI       = "https://app.example.com/callback"
	PublicRedirectURI = "http://127.0.0.1:8765/callback"
)

// MockTime provides a controllable time source for deterministic testing.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value.
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of length characters.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 (challenge, verifier) pair.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// NewRuntime returns an actor runtime over a fresh in-memory store. Both are
// stopped when the test ends.
func NewRuntime(t *testing.T) (*actor.Runtime, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	rt, err := actor.New(store, nil)
	if err != nil {
		t.Fatalf("actor.New() error = %v", err)
	}
	t.Cleanup(rt.Stop)
	return rt, store
}

// HashSecret bcrypt-hashes secret at minimum cost.
func HashSecret(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

// GenerateTestTenant returns the fixture tenant.
func GenerateTestTenant() storage.Tenant {
	return storage.Tenant{
		ID:     TenantID,
		Issuer: "https://auth.example.com/t/" + TenantID,
	}
}

// GenerateTestClient returns an active confidential client with ClientSecret
// as its only secret, PKCE required and the full scope set.
func GenerateTestClient(t *testing.T) *storage.Client {
	t.Helper()
	return &storage.Client{
		TenantID:      TenantID,
		ClientID:      ConfidentialID,
		Name:          "Confidential App",
		Confidential:  true,
		Active:        true,
		RedirectURIs:  []string{RedirectURI},
		AllowedScopes: []string{"openid", "profile", "email", "phone", "offline_access", "organizations"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		Secrets: []storage.ClientSecret{{
			ID:         "secret-1",
			SecretHash: HashSecret(t, ClientSecret),
			CreatedAt:  time.Now(),
		}},
		RequirePKCE: true,
		CreatedAt:   time.Now(),
	}
}

// GenerateTestPublicClient returns an active public client.
func GenerateTestPublicClient() *storage.Client {
	return &storage.Client{
		TenantID:      TenantID,
		ClientID:      PublicID,
		Name:          "Public App",
		Active:        true,
		RedirectURIs:  []string{PublicRedirectURI},
		AllowedScopes: []string{"openid", "profile", "offline_access"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		RequirePKCE:   true,
		CreatedAt:     time.Now(),
	}
}

// GenerateTestServiceClient returns a confidential client_credentials client
// allowed scopes "a" and "b".
func GenerateTestServiceClient(t *testing.T) *storage.Client {
	t.Helper()
	return &storage.Client{
		TenantID:      TenantID,
		ClientID:      ServiceClientID,
		Name:          "Service App",
		Confidential:  true,
		Active:        true,
		AllowedScopes: []string{"a", "b"},
		GrantTypes:    []string{"client_credentials"},
		Secrets: []storage.ClientSecret{{
			ID:         "secret-1",
			SecretHash: HashSecret(t, ClientSecret),
			CreatedAt:  time.Now(),
		}},
		CreatedAt: time.Now(),
	}
}

// GenerateTestUser returns the fixture user with verified email and phone.
func GenerateTestUser() storage.User {
	return storage.User{
		ID:                  UserID,
		TenantID:            TenantID,
		Email:               "jane@example.com",
		EmailVerified:       true,
		PhoneNumber:         "+15550100",
		PhoneNumberVerified: true,
		Name:                "Jane Doe",
		GivenName:           "Jane",
		FamilyName:          "Doe",
	}
}

// SeedDirectory stores the fixture tenant, user and an organization
// membership in store.
func SeedDirectory(store *memory.Store) {
	store.PutTenant(GenerateTestTenant())
	store.PutUser(GenerateTestUser())
	store.PutMembership(storage.Membership{
		TenantID:         TenantID,
		OrganizationID:   OrganizationID,
		OrganizationName: "Engineering",
		UserID:           UserID,
		Roles:            []string{"editor"},
	})
}

// AssertTimeEqual asserts two times are equal within a tolerance.
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}

// HTTPRequest is a helper for making test HTTP requests.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Form    url.Values
}

// NewHTTPRequest creates a new HTTP request helper.
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request.
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-encoded body.
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Form = form
	return r
}

// WithBasicAuth sets HTTP Basic credentials.
func (r *HTTPRequest) WithBasicAuth(user, password string) *HTTPRequest {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(url.QueryEscape(user), url.QueryEscape(password))
	return r.WithHeader("Authorization", req.Header.Get("Authorization"))
}

// Request builds the *http.Request.
func (r *HTTPRequest) Request() *http.Request {
	var req *http.Request
	if r.Form != nil {
		req = httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(r.Method, r.URL, nil)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	return req
}

// Do executes the HTTP request against handler.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r.Request())
	return rr
}
