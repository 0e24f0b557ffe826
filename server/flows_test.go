package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/tenant-oauth/grant"
	"github.com/giantswarm/tenant-oauth/internal/testutil"
	"github.com/giantswarm/tenant-oauth/refresh"
	"github.com/giantswarm/tenant-oauth/storage"
	"github.com/giantswarm/tenant-oauth/token"
)

const testIssuer = "https://auth.example.com/t/acme"

// authorize issues a code for the fixture user with an S256 challenge.
func authorize(t *testing.T, srv *Server, client *storage.Client, scope string) (code, verifier string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	code, err := srv.IssueAuthorizationCode(context.Background(), &AuthorizationRequest{
		TenantID:            testutil.TenantID,
		ClientID:            client.ClientID,
		UserID:              testutil.UserID,
		RedirectURI:         client.RedirectURIs[0],
		Scope:               scope,
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       challenge,
		CodeChallengeMethod: grant.PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	return code, verifier
}

func exchange(srv *Server, client *storage.Client, code, verifier string) (*oauth2.Token, error) {
	return srv.IssueToken(context.Background(), testutil.TenantID, client, &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
		ClientIP:     "192.0.2.10",
	})
}

func refreshWith(srv *Server, client *storage.Client, refreshToken, scope string) (*oauth2.Token, error) {
	return srv.IssueToken(context.Background(), testutil.TenantID, client, &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: refreshToken,
		Scope:        scope,
		ClientIP:     "192.0.2.10",
	})
}

func requireErrorCode(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := ErrorCode(err); got != want {
		t.Fatalf("error code = %q, want %q (err = %v)", got, want, err)
	}
}

func verifyAccess(t *testing.T, srv *Server, raw string) *token.AccessClaims {
	t.Helper()
	claims, err := srv.verifier.VerifyAccess(context.Background(), testutil.TenantID, testIssuer, raw)
	if err != nil {
		t.Fatalf("VerifyAccess() error = %v", err)
	}
	return claims
}

func TestServer_IssueAuthorizationCode(t *testing.T) {
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name     string
		mutate   func(*AuthorizationRequest)
		config   func(*Config)
		wantCode string
	}{
		{
			name: "valid request",
		},
		{
			name:     "unknown tenant",
			mutate:   func(r *AuthorizationRequest) { r.TenantID = "globex" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown client",
			mutate:   func(r *AuthorizationRequest) { r.ClientID = "nope" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "inactive client",
			mutate:   func(r *AuthorizationRequest) { r.ClientID = "disabled-app" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "client without authorization_code grant",
			mutate:   func(r *AuthorizationRequest) { r.ClientID = testutil.ServiceClientID },
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name:     "unregistered redirect URI",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/callback" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "redirect URI prefix is not a match",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = testutil.RedirectURI + "/extra" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown user",
			mutate:   func(r *AuthorizationRequest) { r.UserID = "ghost" },
			wantCode: ErrorCodeAccessDenied,
		},
		{
			name:     "locked user",
			mutate:   func(r *AuthorizationRequest) { r.UserID = "locked-user" },
			wantCode: ErrorCodeAccessDenied,
		},
		{
			name:     "scope not allowed for client",
			mutate:   func(r *AuthorizationRequest) { r.Scope = "openid admin" },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "empty scope",
			mutate:   func(r *AuthorizationRequest) { r.Scope = "" },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "scope outside supported scopes",
			config:   func(c *Config) { c.SupportedScopes = []string{"openid"} },
			mutate:   func(r *AuthorizationRequest) { r.Scope = "openid profile" },
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name: "missing PKCE",
			mutate: func(r *AuthorizationRequest) {
				r.CodeChallenge = ""
				r.CodeChallengeMethod = ""
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain PKCE rejected by default",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallenge = testutil.GenerateRandomString(50); r.CodeChallengeMethod = "plain" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "method defaults to plain",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallengeMethod = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:   "plain PKCE allowed when configured",
			config: func(c *Config) { c.AllowPKCEPlain = true },
			mutate: func(r *AuthorizationRequest) {
				r.CodeChallenge = testutil.GenerateRandomString(50)
				r.CodeChallengeMethod = "plain"
			},
		},
		{
			name:     "unsupported challenge method",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallengeMethod = "S512" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "malformed S256 challenge",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallenge = "too-short" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:   "selected organization",
			mutate: func(r *AuthorizationRequest) { r.SelectedOrganization = testutil.OrganizationID },
		},
		{
			name:     "selected organization without membership",
			mutate:   func(r *AuthorizationRequest) { r.SelectedOrganization = "org-sales" },
			wantCode: ErrorCodeAccessDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configs := []func(*Config){}
			if tt.config != nil {
				configs = append(configs, tt.config)
			}
			srv, store, _ := setupTestServer(t, configs...)
			saveClient(t, store, testutil.GenerateTestClient(t))
			saveClient(t, store, testutil.GenerateTestServiceClient(t))
			disabled := testutil.GenerateTestClient(t)
			disabled.ClientID = "disabled-app"
			disabled.Active = false
			saveClient(t, store, disabled)
			locked := testutil.GenerateTestUser()
			locked.ID = "locked-user"
			locked.Locked = true
			store.PutUser(locked)

			req := &AuthorizationRequest{
				TenantID:            testutil.TenantID,
				ClientID:            testutil.ConfidentialID,
				UserID:              testutil.UserID,
				RedirectURI:         testutil.RedirectURI,
				Scope:               "openid profile",
				CodeChallenge:       challenge,
				CodeChallengeMethod: grant.PKCEMethodS256,
			}
			if tt.mutate != nil {
				tt.mutate(req)
			}

			code, err := srv.IssueAuthorizationCode(context.Background(), req)
			if tt.wantCode != "" {
				requireErrorCode(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("IssueAuthorizationCode() error = %v", err)
			}
			if len(code) < 43 {
				t.Errorf("code length = %d, want >= 43", len(code))
			}
			valid, err := srv.grants.IsValid(context.Background(), code)
			if err != nil || !valid {
				t.Errorf("grants.IsValid() = %v, %v; want true", valid, err)
			}
		})
	}
}

func TestServer_IssueAuthorizationCode_PKCEOptionalForConfidentialClient(t *testing.T) {
	srv, store, _ := setupTestServer(t, func(c *Config) {
		c.DisablePKCERequirement = true
	})
	client := testutil.GenerateTestClient(t)
	client.RequirePKCE = false
	saveClient(t, store, client)

	code, err := srv.IssueAuthorizationCode(context.Background(), &AuthorizationRequest{
		TenantID:    testutil.TenantID,
		ClientID:    client.ClientID,
		UserID:      testutil.UserID,
		RedirectURI: testutil.RedirectURI,
		Scope:       "openid",
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	// A verifier for a code issued without a challenge is a downgrade attempt.
	_, err = exchange(srv, client, code, testutil.GenerateRandomString(50))
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	// Public clients always need PKCE.
	saveClient(t, store, testutil.GenerateTestPublicClient())
	_, err = srv.IssueAuthorizationCode(context.Background(), &AuthorizationRequest{
		TenantID:    testutil.TenantID,
		ClientID:    testutil.PublicID,
		UserID:      testutil.UserID,
		RedirectURI: testutil.PublicRedirectURI,
		Scope:       "openid",
	})
	requireErrorCode(t, err, ErrorCodeInvalidRequest)
}

func TestServer_IssueAuthorizationCode_TrustProxyKeepsPKCERequired(t *testing.T) {
	srv, store, _ := setupTestServer(t, func(c *Config) {
		c.TrustProxy = true
	})
	client := testutil.GenerateTestClient(t)
	client.RequirePKCE = false
	saveClient(t, store, client)

	_, err := srv.IssueAuthorizationCode(context.Background(), &AuthorizationRequest{
		TenantID:    testutil.TenantID,
		ClientID:    client.ClientID,
		UserID:      testutil.UserID,
		RedirectURI: testutil.RedirectURI,
		Scope:       "openid",
	})
	requireErrorCode(t, err, ErrorCodeInvalidRequest)
}

func TestServer_ExchangeAuthorizationCode(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))

	code, verifier := authorize(t, srv, client, "openid profile email offline_access")
	tok, err := exchange(srv, client, code, verifier)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if tok.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", tok.TokenType)
	}
	if tok.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", tok.ExpiresIn)
	}
	if tok.RefreshToken == "" {
		t.Error("expected a refresh token for offline_access")
	}
	if got := tok.Extra("scope"); got != "openid profile email offline_access" {
		t.Errorf("scope = %v", got)
	}

	claims := verifyAccess(t, srv, tok.AccessToken)
	if claims.Subject != testutil.UserID {
		t.Errorf("sub = %q, want %q", claims.Subject, testutil.UserID)
	}
	if claims.TenantID != testutil.TenantID || claims.ClientID != client.ClientID {
		t.Errorf("tenant_id/client_id = %q/%q", claims.TenantID, claims.ClientID)
	}
	if claims.ID == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		t.Error("jti, iat and exp must be set")
	}
	if claims.Email != "jane@example.com" || claims.Name != "Jane Doe" {
		t.Errorf("profile/email claims missing: %+v", claims.UserClaims)
	}
	if claims.PhoneNumber != "" {
		t.Error("phone claims require the phone scope")
	}

	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		t.Fatal("expected an id_token for openid")
	}
	idClaims, err := srv.verifier.VerifyID(context.Background(), testutil.TenantID, testIssuer, client.ClientID, rawID)
	if err != nil {
		t.Fatalf("VerifyID() error = %v", err)
	}
	if idClaims.Nonce != "n-0S6_WzA2Mj" {
		t.Errorf("nonce = %q", idClaims.Nonce)
	}
	if idClaims.AuthTime == nil {
		t.Error("auth_time should be set")
	}

	g, err := srv.grants.Get(context.Background(), code)
	if err != nil {
		t.Fatalf("grants.Get() error = %v", err)
	}
	if g.RefreshTokenHash != refresh.Hash(tok.RefreshToken) {
		t.Error("grant should be linked to the issued refresh token")
	}
}

func TestServer_ExchangeAuthorizationCode_NoOfflineAccess(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))

	code, verifier := authorize(t, srv, client, "profile")
	tok, err := exchange(srv, client, code, verifier)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if tok.RefreshToken != "" {
		t.Error("no refresh token expected without offline_access")
	}
	if tok.Extra("id_token") != nil {
		t.Error("no id_token expected without openid")
	}
}

func TestServer_ExchangeAuthorizationCode_ClientLifetimeOverride(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := testutil.GenerateTestClient(t)
	client.AccessTokenLifetime = 300
	saveClient(t, store, client)

	code, verifier := authorize(t, srv, client, "openid")
	tok, err := exchange(srv, client, code, verifier)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if tok.ExpiresIn != 300 {
		t.Errorf("ExpiresIn = %d, want 300", tok.ExpiresIn)
	}
}

func TestServer_ExchangeAuthorizationCode_Failures(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, srv *Server, client *storage.Client, clock *testutil.MockTime, code, verifier string) error
	}{
		{
			name: "wrong verifier",
			run: func(t *testing.T, srv *Server, client *storage.Client, _ *testutil.MockTime, code, _ string) error {
				_, err := exchange(srv, client, code, testutil.GenerateRandomString(50))
				return err
			},
		},
		{
			name: "missing verifier",
			run: func(t *testing.T, srv *Server, client *storage.Client, _ *testutil.MockTime, code, _ string) error {
				_, err := exchange(srv, client, code, "")
				return err
			},
		},
		{
			name: "unknown code",
			run: func(t *testing.T, srv *Server, client *storage.Client, _ *testutil.MockTime, _, verifier string) error {
				_, err := exchange(srv, client, generateRandomToken(), verifier)
				return err
			},
		},
		{
			name: "expired code",
			run: func(t *testing.T, srv *Server, client *storage.Client, clock *testutil.MockTime, code, verifier string) error {
				clock.Advance(11 * time.Minute)
				_, err := exchange(srv, client, code, verifier)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store, clock := setupTestServer(t)
			client := saveClient(t, store, testutil.GenerateTestClient(t))
			code, verifier := authorize(t, srv, client, "openid")

			err := tt.run(t, srv, client, clock, code, verifier)
			requireErrorCode(t, err, ErrorCodeInvalidGrant)

			// Every failure carries the same description.
			var oe *Error
			if !errors.As(err, &oe) || oe.Description != invalidGrantDescription {
				t.Errorf("description = %q, want the generic invalid_grant description", oe.Description)
			}
		})
	}
}

func TestServer_ExchangeAuthorizationCode_PKCEFailureDoesNotConsume(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	code, verifier := authorize(t, srv, client, "openid")

	_, err := exchange(srv, client, code, testutil.GenerateRandomString(50))
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	if _, err := exchange(srv, client, code, verifier); err != nil {
		t.Fatalf("exchange with the right verifier should still succeed: %v", err)
	}
}

func TestServer_ExchangeAuthorizationCode_BindingMismatchConsumes(t *testing.T) {
	tests := []struct {
		name string
		req  func(client *storage.Client, other *storage.Client, code, verifier string) (*storage.Client, *TokenRequest)
	}{
		{
			name: "redirect URI mismatch",
			req: func(client, _ *storage.Client, code, verifier string) (*storage.Client, *TokenRequest) {
				return client, &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					Code:         code,
					RedirectURI:  "https://app.example.com/other",
					CodeVerifier: verifier,
				}
			},
		},
		{
			name: "client mismatch",
			req: func(_, other *storage.Client, code, verifier string) (*storage.Client, *TokenRequest) {
				return other, &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					Code:         code,
					RedirectURI:  testutil.RedirectURI,
					CodeVerifier: verifier,
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store, _ := setupTestServer(t)
			client := saveClient(t, store, testutil.GenerateTestClient(t))
			other := testutil.GenerateTestClient(t)
			other.ClientID = "other-app"
			saveClient(t, store, other)

			code, verifier := authorize(t, srv, client, "openid")
			presenter, req := tt.req(client, other, code, verifier)

			_, err := srv.IssueToken(context.Background(), testutil.TenantID, presenter, req)
			requireErrorCode(t, err, ErrorCodeInvalidGrant)

			// The code is gone even for its legitimate owner.
			_, err = exchange(srv, client, code, verifier)
			requireErrorCode(t, err, ErrorCodeInvalidGrant)
		})
	}
}

func TestServer_AuthorizationCodeReuseRevokesTokens(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	code, verifier := authorize(t, srv, client, "openid offline_access")

	first, err := exchange(srv, client, code, verifier)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	rotated, err := refreshWith(srv, client, first.RefreshToken, "")
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}

	_, err = exchange(srv, client, code, verifier)
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	for _, value := range []string{first.RefreshToken, rotated.RefreshToken} {
		tok, err := srv.refreshes.Get(context.Background(), value)
		if err != nil {
			t.Fatalf("refreshes.Get() error = %v", err)
		}
		if !tok.Revoked {
			t.Error("tokens minted from a replayed code must be revoked")
		}
	}
	if _, err := refreshWith(srv, client, rotated.RefreshToken, ""); err == nil {
		t.Error("refresh with a revoked descendant should fail")
	}
}

func TestServer_ConcurrentAuthorizationCodeExchange(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	code, verifier := authorize(t, srv, client, "openid")

	// Warm the key set so the race is about the code only.
	if _, err := srv.keys.SigningKey(context.Background(), testutil.TenantID); err != nil {
		t.Fatalf("SigningKey() error = %v", err)
	}

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exchange(srv, client, code, verifier); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful exchanges = %d, want exactly 1", successes)
	}
}

func TestServer_ExchangeAuthorizationCode_LockedUser(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	code, verifier := authorize(t, srv, client, "openid")

	user := testutil.GenerateTestUser()
	user.Locked = true
	store.PutUser(user)

	_, err := exchange(srv, client, code, verifier)
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_IssueToken_GrantTypeChecks(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))

	tests := []struct {
		name      string
		tenantID  string
		grantType string
		wantCode  string
	}{
		{name: "missing grant type", tenantID: testutil.TenantID, wantCode: ErrorCodeInvalidRequest},
		{name: "unsupported grant type", tenantID: testutil.TenantID, grantType: "password", wantCode: ErrorCodeUnsupportedGrantType},
		{name: "grant type not enabled", tenantID: testutil.TenantID, grantType: GrantTypeClientCredentials, wantCode: ErrorCodeUnauthorizedClient},
		{name: "client of another tenant", tenantID: "globex", grantType: GrantTypeAuthorizationCode, wantCode: ErrorCodeInvalidClient},
		{name: "missing code", tenantID: testutil.TenantID, grantType: GrantTypeAuthorizationCode, wantCode: ErrorCodeInvalidRequest},
		{name: "missing refresh token", tenantID: testutil.TenantID, grantType: GrantTypeRefreshToken, wantCode: ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.IssueToken(context.Background(), tt.tenantID, client, &TokenRequest{
				GrantType:   tt.grantType,
				RedirectURI: testutil.RedirectURI,
			})
			requireErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestServer_ClientCredentials(t *testing.T) {
	tests := []struct {
		name      string
		scope     string
		wantScope string
	}{
		{name: "disallowed scopes are dropped", scope: "a c", wantScope: "a"},
		{name: "empty request grants all allowed", scope: "", wantScope: "a b"},
		{name: "nothing allowed requested", scope: "c", wantScope: ""},
		{name: "duplicates collapse", scope: "b b a", wantScope: "b a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store, _ := setupTestServer(t)
			client := saveClient(t, store, testutil.GenerateTestServiceClient(t))

			tok, err := srv.IssueToken(context.Background(), testutil.TenantID, client, &TokenRequest{
				GrantType: GrantTypeClientCredentials,
				Scope:     tt.scope,
			})
			if err != nil {
				t.Fatalf("IssueToken() error = %v", err)
			}
			if got := tok.Extra("scope"); got != tt.wantScope {
				t.Errorf("scope = %v, want %q", got, tt.wantScope)
			}
			if tok.RefreshToken != "" || tok.Extra("id_token") != nil {
				t.Error("client_credentials must not issue refresh or ID tokens")
			}

			claims := verifyAccess(t, srv, tok.AccessToken)
			if claims.Subject != client.ClientID {
				t.Errorf("sub = %q, want client id", claims.Subject)
			}
			if claims.Scope != tt.wantScope {
				t.Errorf("access token scope = %q, want %q", claims.Scope, tt.wantScope)
			}
		})
	}
}

func TestServer_ClientCredentials_PublicClient(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := testutil.GenerateTestPublicClient()
	client.GrantTypes = append(client.GrantTypes, GrantTypeClientCredentials)
	saveClient(t, store, client)

	_, err := srv.IssueToken(context.Background(), testutil.TenantID, client, &TokenRequest{
		GrantType: GrantTypeClientCredentials,
	})
	requireErrorCode(t, err, ErrorCodeUnauthorizedClient)
}

// seedRefreshToken stores a refresh token for the fixture user directly.
func seedRefreshToken(t *testing.T, srv *Server, client *storage.Client, scopes []string, clock *testutil.MockTime) string {
	t.Helper()
	value := generateRandomToken()
	now := clock.Now()
	err := srv.refreshes.Create(context.Background(), value, &refresh.Token{
		TenantID:  testutil.TenantID,
		ClientID:  client.ClientID,
		UserID:    testutil.UserID,
		Scopes:    scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("refreshes.Create() error = %v", err)
	}
	return value
}

func TestServer_RefreshToken_ScopeNarrowing(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	client := testutil.GenerateTestClient(t)
	client.AllowedScopes = []string{"a", "b"}
	saveClient(t, store, client)
	value := seedRefreshToken(t, srv, client, []string{"a", "b"}, clock)

	_, err := refreshWith(srv, client, value, "c")
	requireErrorCode(t, err, ErrorCodeInvalidScope)

	// The failed attempt had no side effects.
	tok, err := refreshWith(srv, client, value, "a")
	if err != nil {
		t.Fatalf("refresh with subset scope error = %v", err)
	}
	if got := tok.Extra("scope"); got != "a" {
		t.Errorf("scope = %v, want a", got)
	}
	successor, err := srv.refreshes.Get(context.Background(), tok.RefreshToken)
	if err != nil {
		t.Fatalf("refreshes.Get() error = %v", err)
	}
	if !slices.Equal(successor.Scopes, []string{"a"}) {
		t.Errorf("successor scopes = %v, want [a]", successor.Scopes)
	}

	// Narrowing is permanent.
	_, err = refreshWith(srv, client, tok.RefreshToken, "b")
	requireErrorCode(t, err, ErrorCodeInvalidScope)
}

func TestServer_RefreshTokenRotation(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	code, verifier := authorize(t, srv, client, "openid profile offline_access")

	first, err := exchange(srv, client, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	second, err := refreshWith(srv, client, first.RefreshToken, "")
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh must rotate the refresh token")
	}
	if got := second.Extra("scope"); got != "openid profile offline_access" {
		t.Errorf("scope = %v, want original scope", got)
	}
	if second.Extra("id_token") == nil {
		t.Error("openid refresh should return a new id_token")
	}

	prior, err := srv.refreshes.Get(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refreshes.Get() error = %v", err)
	}
	if !prior.Revoked || prior.RevocationReason != refresh.ReasonRotated {
		t.Errorf("prior token revoked=%v reason=%q, want rotated", prior.Revoked, prior.RevocationReason)
	}
	if prior.ReplacedBy != refresh.Hash(second.RefreshToken) {
		t.Error("prior token must be linked to its successor before the response")
	}
}

func TestServer_RefreshTokenReuseRevokesChain(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	code, verifier := authorize(t, srv, client, "openid offline_access")

	tok, err := exchange(srv, client, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	chain := []string{tok.RefreshToken}
	for i := 0; i < 3; i++ {
		next, err := refreshWith(srv, client, chain[len(chain)-1], "")
		if err != nil {
			t.Fatalf("refresh %d error = %v", i, err)
		}
		chain = append(chain, next.RefreshToken)
	}

	// Replay T1 while T2 and T3 exist.
	_, err = refreshWith(srv, client, chain[1], "")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	for i, value := range chain {
		got, err := srv.refreshes.Get(context.Background(), value)
		if err != nil {
			t.Fatalf("refreshes.Get(T%d) error = %v", i, err)
		}
		if !got.Revoked {
			t.Errorf("T%d should be revoked", i)
		}
	}
	last, _ := srv.refreshes.Get(context.Background(), chain[3])
	if last.RevocationReason != refresh.ReasonReuseDetected {
		t.Errorf("T3 reason = %q, want %q", last.RevocationReason, refresh.ReasonReuseDetected)
	}

	_, err = refreshWith(srv, client, chain[3], "")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_RefreshToken_Preconditions(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	other := testutil.GenerateTestClient(t)
	other.ClientID = "other-app"
	saveClient(t, store, other)
	value := seedRefreshToken(t, srv, client, []string{"openid"}, clock)

	_, err := refreshWith(srv, other, value, "")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	_, err = refreshWith(srv, client, "unknown-token", "")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)

	// Still usable by its owner.
	if _, err := refreshWith(srv, client, value, ""); err != nil {
		t.Fatalf("owner refresh error = %v", err)
	}

	expired := seedRefreshToken(t, srv, client, []string{"openid"}, clock)
	clock.Advance(25 * time.Hour)
	_, err = refreshWith(srv, client, expired, "")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_RefreshToken_LockedUser(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	value := seedRefreshToken(t, srv, client, []string{"openid"}, clock)

	user := testutil.GenerateTestUser()
	user.Locked = true
	store.PutUser(user)

	_, err := refreshWith(srv, client, value, "")
	requireErrorCode(t, err, ErrorCodeInvalidGrant)
}

func TestServer_ConcurrentRefreshTokenUse(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestClient(t))
	value := seedRefreshToken(t, srv, client, []string{"openid"}, clock)
	if _, err := srv.keys.SigningKey(context.Background(), testutil.TenantID); err != nil {
		t.Fatalf("SigningKey() error = %v", err)
	}

	const attempts = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		issued  []string
		invalid int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := refreshWith(srv, client, value, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ErrorCode(err) == ErrorCodeInvalidGrant {
					invalid++
				}
				return
			}
			issued = append(issued, tok.RefreshToken)
		}()
	}
	wg.Wait()

	if len(issued) > 1 {
		t.Fatalf("%d concurrent refreshes succeeded, want at most 1", len(issued))
	}
	if len(issued)+invalid != attempts {
		t.Errorf("issued=%d invalid=%d, want %d total", len(issued), invalid, attempts)
	}
	// Every other attempt was a replay, so the winner's token is revoked too.
	for _, v := range issued {
		got, err := srv.refreshes.Get(context.Background(), v)
		if err != nil {
			t.Fatalf("refreshes.Get() error = %v", err)
		}
		if !got.Revoked {
			t.Error("successor should be revoked by reuse detection")
		}
	}
}

func TestServer_PublicClientFlow(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	client := saveClient(t, store, testutil.GenerateTestPublicClient())

	code, verifier := authorize(t, srv, client, "openid offline_access")
	tok, err := exchange(srv, client, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	if !strings.Contains(tok.Extra("scope").(string), "offline_access") || tok.RefreshToken == "" {
		t.Error("public client should receive a refresh token")
	}
}
