package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tenant-oauth/actor"
	"github.com/giantswarm/tenant-oauth/grant"
	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/internal/util"
	"github.com/giantswarm/tenant-oauth/refresh"
	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/storage"
	"github.com/giantswarm/tenant-oauth/token"
)

// Supported grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

var errUserLocked = errors.New("user is locked")

// AuthorizationRequest is an approved authorization request: the user has
// authenticated and consented, and a code is about to be issued.
type AuthorizationRequest struct {
	TenantID            string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// SelectedOrganization must be one of the user's organizations.
	SelectedOrganization string

	// AuthTime is when the user authenticated. Zero means now.
	AuthTime time.Time
}

// TokenRequest holds the token endpoint parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string

	ClientIP  string
	UserAgent string
}

// IssueAuthorizationCode validates req against the client's registration
// and the PKCE policy and stores a new authorization grant. It returns the
// code to hand to the client.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req *AuthorizationRequest) (string, error) {
	tenant, err := s.getTenant(ctx, req.TenantID)
	if err != nil {
		return "", err
	}

	client, err := s.clientStore.GetClient(ctx, tenant.ID, req.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return "", newError(ErrorCodeInvalidClient, "Unknown client", err)
	}
	if err != nil {
		return "", internalError(err)
	}
	if !client.Active {
		return "", newError(ErrorCodeInvalidClient, "Client is disabled", nil)
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return "", newError(ErrorCodeUnauthorizedClient, "Client is not allowed to use the authorization code grant", nil)
	}
	if req.RedirectURI == "" || !client.HasRedirectURI(req.RedirectURI) {
		return "", newError(ErrorCodeInvalidRequest, "redirect_uri is not registered for this client", nil)
	}
	if req.UserID == "" {
		return "", newError(ErrorCodeInvalidRequest, "user is required", nil)
	}

	user, err := s.directory.GetUser(ctx, tenant.ID, req.UserID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return "", newError(ErrorCodeAccessDenied, "Unknown user", err)
	}
	if err != nil {
		return "", internalError(err)
	}
	if user.Locked {
		return "", newError(ErrorCodeAccessDenied, "User account is locked", errUserLocked)
	}

	scopes := util.ParseScope(req.Scope)
	if len(scopes) == 0 {
		return "", newError(ErrorCodeInvalidScope, "scope is required", nil)
	}
	if !util.IsSubset(scopes, s.allowedScopes(client)) {
		return "", newError(ErrorCodeInvalidScope, "Requested scope is not allowed for this client", nil)
	}

	method, err := s.validatePKCE(client, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return "", err
	}

	if req.SelectedOrganization != "" {
		memberships, err := s.directory.ListMemberships(ctx, tenant.ID, user.ID)
		if err != nil {
			return "", internalError(err)
		}
		if !isMember(memberships, req.SelectedOrganization) {
			return "", newError(ErrorCodeAccessDenied, "User is not a member of the selected organization", nil)
		}
	}

	now := s.now()
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	code := generateRandomToken()
	g := &grant.Grant{
		TenantID:             tenant.ID,
		ClientID:             client.ClientID,
		UserID:               user.ID,
		RedirectURI:          req.RedirectURI,
		Scopes:               scopes,
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  method,
		Nonce:                req.Nonce,
		State:                req.State,
		SelectedOrganization: req.SelectedOrganization,
		AuthTime:             authTime,
		CreatedAt:            now,
		ExpiresAt:            now.Add(lifetime(0, tenant.AuthorizationCodeLifetime, s.Config.AuthorizationCodeTTL)),
	}
	if err := s.grants.Create(ctx, code, g); err != nil {
		return "", internalError(fmt.Errorf("failed to store authorization grant: %w", err))
	}

	if m := s.metrics(); m != nil {
		pkceMethod := method
		if pkceMethod == "" {
			pkceMethod = "none"
		}
		m.RecordGrantIssued(ctx, tenant.ID, pkceMethod)
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		TenantID: tenant.ID,
		UserID:   user.ID,
		ClientID: client.ClientID,
		Details:  map[string]any{"scope": util.FormatScope(scopes), "pkce_method": method},
	})
	s.Logger.Debug("Issued authorization code",
		"tenant_id", tenant.ID,
		"client_id", client.ClientID,
		"code_hash", util.SafeTruncate(util.HashSecret(code), 8))
	return code, nil
}

// validatePKCE enforces the PKCE policy at issuance and returns the
// effective challenge method. This is the only place the policy lives;
// redemption verifies whatever was accepted here.
func (s *Server) validatePKCE(client *storage.Client, challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", newError(ErrorCodeInvalidRequest, "code_challenge_method without code_challenge", nil)
		}
		// OAuth 2.1: public clients MUST use PKCE
		if !s.Config.DisablePKCERequirement || !client.Confidential || client.RequirePKCE {
			return "", newError(ErrorCodeInvalidRequest, "code_challenge is required", nil)
		}
		return "", nil
	}

	// RFC 7636 Section 4.3: the method defaults to plain.
	if method == "" {
		method = grant.PKCEMethodPlain
	}
	if method == grant.PKCEMethodPlain && !s.Config.AllowPKCEPlain {
		return "", newError(ErrorCodeInvalidRequest, "code_challenge_method must be S256", nil)
	}
	if err := grant.ValidateChallenge(challenge, method); err != nil {
		return "", newError(ErrorCodeInvalidRequest, "Invalid code_challenge", err)
	}
	return method, nil
}

// allowedScopes is the client's allowed set, narrowed to SupportedScopes
// when configured.
func (s *Server) allowedScopes(client *storage.Client) []string {
	if len(s.Config.SupportedScopes) == 0 {
		return client.AllowedScopes
	}
	return util.IntersectScopes(client.AllowedScopes, s.Config.SupportedScopes)
}

// IssueToken runs the token endpoint for an authenticated client.
func (s *Server) IssueToken(ctx context.Context, tenantID string, client *storage.Client, req *TokenRequest) (tok *oauth2.Token, err error) {
	ctx, span := s.startSpan(ctx, "server.issue_token")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	if client == nil || client.TenantID != tenantID {
		return nil, invalidClient(errors.New("client does not belong to tenant"))
	}
	instrumentation.AddGrantAttributes(span, tenantID, client.ClientID, req.GrantType)

	switch req.GrantType {
	case "":
		return nil, newError(ErrorCodeInvalidRequest, "grant_type is required", nil)
	case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeRefreshToken:
	default:
		return nil, newError(ErrorCodeUnsupportedGrantType, fmt.Sprintf("Unsupported grant_type %q", req.GrantType), nil)
	}
	if !client.HasGrantType(req.GrantType) {
		return nil, newError(ErrorCodeUnauthorizedClient, "Client is not allowed to use this grant type", nil)
	}

	tenant, err := s.getTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, tenant, client, req)
	case GrantTypeClientCredentials:
		return s.clientCredentials(ctx, tenant, client, req)
	default:
		return s.refreshAccessToken(ctx, tenant, client, req)
	}
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, tenant *storage.Tenant, client *storage.Client, req *TokenRequest) (*oauth2.Token, error) {
	if req.Code == "" {
		return nil, newError(ErrorCodeInvalidRequest, "code is required", nil)
	}
	if req.RedirectURI == "" {
		return nil, newError(ErrorCodeInvalidRequest, "redirect_uri is required", nil)
	}

	g, err := s.grants.Redeem(ctx, req.Code, req.CodeVerifier)
	switch {
	case errors.Is(err, grant.ErrConsumed):
		s.handleCodeReuse(ctx, tenant.ID, client.ClientID, g, req.ClientIP)
		return nil, invalidGrant(err)
	case errors.Is(err, grant.ErrPKCEMismatch):
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, "unknown")
		}
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			TenantID:  tenant.ID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, invalidGrant(err)
	case errors.Is(err, actor.ErrPersistence):
		return nil, internalError(err)
	case err != nil:
		return nil, invalidGrant(err)
	}

	// The code is consumed from here on. A binding mismatch still fails:
	// whoever presented it is not the party it was issued to.
	if g.TenantID != tenant.ID || g.ClientID != client.ClientID || g.RedirectURI != req.RedirectURI {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventGrantBindingMismatch,
			TenantID:  tenant.ID,
			UserID:    g.UserID,
			ClientID:  client.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"client_matches":   g.ClientID == client.ClientID,
				"redirect_matches": g.RedirectURI == req.RedirectURI,
			},
		})
		s.logSecurityEvent("binding:"+client.ClientID, "Authorization code presented with mismatched binding",
			"tenant_id", tenant.ID,
			"client_id", client.ClientID,
			"client_ip", req.ClientIP)
		return nil, invalidGrant(grant.ErrInvalidGrant)
	}
	if m := s.metrics(); m != nil {
		m.RecordGrantRedeemed(ctx, tenant.ID)
	}

	user, memberships, err := s.loadSubject(ctx, tenant.ID, g.UserID)
	if err != nil {
		return nil, err
	}

	tok, refreshHash, err := s.issue(ctx, &issuance{
		tenant:      tenant,
		client:      client,
		grantType:   GrantTypeAuthorizationCode,
		subject:     g.UserID,
		user:        user,
		memberships: memberships,
		scopes:      g.Scopes,
		selectedOrg: g.SelectedOrganization,
		nonce:       g.Nonce,
		authTime:    g.AuthTime,
		withRefresh: slices.Contains(g.Scopes, ScopeOfflineAccess) && client.HasGrantType(GrantTypeRefreshToken),
		clientIP:    req.ClientIP,
		userAgent:   req.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	if refreshHash != "" {
		if err := s.grants.RecordIssuance(ctx, req.Code, refreshHash); err != nil {
			// Tokens are already minted. Losing the link only weakens the
			// revocation a later code replay would trigger.
			s.Logger.Error("Failed to link refresh token to authorization grant",
				"tenant_id", tenant.ID,
				"client_id", client.ClientID,
				"error", err)
		}
	}
	return tok, nil
}

// handleCodeReuse revokes the refresh token family minted from a replayed
// code (RFC 6749 Section 4.1.2).
func (s *Server) handleCodeReuse(ctx context.Context, tenantID, clientID string, g *grant.Grant, clientIP string) {
	revoked := 0
	if g != nil && g.RefreshTokenHash != "" {
		n, err := s.refreshes.RevokeHash(ctx, g.RefreshTokenHash, refresh.ReasonReuseDetected)
		revoked = n
		if err != nil {
			s.Logger.Error("Failed to revoke tokens issued from a replayed authorization code",
				"tenant_id", tenantID,
				"client_id", clientID,
				"revoked", n,
				"error", err)
		}
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}
	var userID string
	if g != nil {
		userID = g.UserID
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReuseDetected,
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details:   map[string]any{"severity": "critical", "tokens_revoked": revoked},
	})
	s.logSecurityEvent("code_reuse:"+clientID, "Authorization code reuse detected",
		"tenant_id", tenantID,
		"client_id", clientID,
		"client_ip", clientIP,
		"tokens_revoked", revoked)
}

func (s *Server) clientCredentials(ctx context.Context, tenant *storage.Tenant, client *storage.Client, req *TokenRequest) (*oauth2.Token, error) {
	if !client.Confidential {
		return nil, newError(ErrorCodeUnauthorizedClient, "Public clients cannot use the client_credentials grant", nil)
	}

	allowed := s.allowedScopes(client)
	requested := util.ParseScope(req.Scope)
	scopes := allowed
	if len(requested) > 0 {
		// Disallowed scopes are dropped, not rejected.
		scopes = util.IntersectScopes(requested, allowed)
		if len(scopes) < len(requested) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventScopeEscalationAttempt,
				TenantID:  tenant.ID,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"requested": req.Scope, "granted": util.FormatScope(scopes)},
			})
			s.Logger.Debug("Dropped scopes not allowed for client",
				"tenant_id", tenant.ID,
				"client_id", client.ClientID,
				"requested", req.Scope)
		}
	}

	tok, _, err := s.issue(ctx, &issuance{
		tenant:    tenant,
		client:    client,
		grantType: GrantTypeClientCredentials,
		subject:   client.ClientID,
		scopes:    scopes,
		clientIP:  req.ClientIP,
		userAgent: req.UserAgent,
	})
	return tok, err
}

func (s *Server) refreshAccessToken(ctx context.Context, tenant *storage.Tenant, client *storage.Client, req *TokenRequest) (*oauth2.Token, error) {
	if req.RefreshToken == "" {
		return nil, newError(ErrorCodeInvalidRequest, "refresh_token is required", nil)
	}
	requested := util.ParseScope(req.Scope)

	prior, err := s.refreshes.ValidateAndRevoke(ctx, req.RefreshToken, refresh.Expect{
		TenantID: tenant.ID,
		ClientID: client.ClientID,
		Scopes:   requested,
	})
	var reuse *refresh.ReuseError
	switch {
	case errors.As(err, &reuse):
		s.handleRefreshReuse(ctx, tenant.ID, client.ClientID, reuse, req.ClientIP)
		return nil, invalidGrant(err)
	case errors.Is(err, refresh.ErrScopeNotGranted):
		return nil, newError(ErrorCodeInvalidScope, "Requested scope exceeds the scope originally granted", err)
	case errors.Is(err, actor.ErrPersistence):
		return nil, internalError(err)
	case err != nil:
		return nil, invalidGrant(err)
	}

	scopes := prior.Scopes
	if len(requested) > 0 {
		scopes = requested
	}

	var (
		user        *storage.User
		memberships []storage.Membership
	)
	if prior.UserID != "" {
		user, memberships, err = s.loadSubject(ctx, tenant.ID, prior.UserID)
		if err != nil {
			return nil, err
		}
	}

	subject := prior.UserID
	if subject == "" {
		subject = client.ClientID
	}
	tok, successorHash, err := s.issue(ctx, &issuance{
		tenant:      tenant,
		client:      client,
		grantType:   GrantTypeRefreshToken,
		subject:     subject,
		user:        user,
		memberships: memberships,
		scopes:      scopes,
		selectedOrg: prior.SelectedOrganization,
		authTime:    prior.AuthTime,
		withRefresh: true,
		clientIP:    req.ClientIP,
		userAgent:   req.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	// Link before responding so a concurrent replay always finds the successor.
	if err := s.refreshes.SetReplacement(ctx, req.RefreshToken, successorHash); err != nil {
		if errors.Is(err, refresh.ErrReuseDetected) {
			// A replay of the old token landed between revoke and link.
			if _, rerr := s.refreshes.RevokeHash(ctx, successorHash, refresh.ReasonReuseDetected); rerr != nil {
				s.Logger.Error("Failed to revoke successor of a replayed refresh token",
					"tenant_id", tenant.ID, "client_id", client.ClientID, "error", rerr)
			}
			return nil, invalidGrant(err)
		}
		return nil, internalError(err)
	}

	if m := s.metrics(); m != nil {
		m.RecordRefreshRotated(ctx, tenant.ID)
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventRefreshTokenRotated,
		TenantID:  tenant.ID,
		UserID:    prior.UserID,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
	})
	return tok, nil
}

func (s *Server) handleRefreshReuse(ctx context.Context, tenantID, clientID string, reuse *refresh.ReuseError, clientIP string) {
	var userID string
	if reuse.Token != nil {
		userID = reuse.Token.UserID
	}
	if m := s.metrics(); m != nil {
		m.RecordRefreshReuseDetected(ctx, reuse.Revoked)
	}
	s.Auditor.LogRefreshReuse(tenantID, userID, clientID, clientIP, reuse.Revoked)
	if reuse.Revoked > 0 {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenChainRevoked,
			TenantID: tenantID,
			UserID:   userID,
			ClientID: clientID,
			Details:  map[string]any{"tokens_revoked": reuse.Revoked},
		})
	}
	if reuse.WalkErr != nil {
		s.Logger.Error("Refresh token chain revocation incomplete",
			"tenant_id", tenantID,
			"client_id", clientID,
			"revoked", reuse.Revoked,
			"error", reuse.WalkErr)
	}
	s.logSecurityEvent("refresh_reuse:"+clientID, "Refresh token reuse detected",
		"tenant_id", tenantID,
		"client_id", clientID,
		"client_ip", clientIP,
		"tokens_revoked", reuse.Revoked)
}

// loadSubject fetches the user and memberships for claims assembly.
// Unknown and locked users cannot obtain tokens.
func (s *Server) loadSubject(ctx context.Context, tenantID, userID string) (*storage.User, []storage.Membership, error) {
	user, err := s.directory.GetUser(ctx, tenantID, userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, nil, invalidGrant(err)
	}
	if err != nil {
		return nil, nil, internalError(err)
	}
	if user.Locked {
		return nil, nil, invalidGrant(errUserLocked)
	}
	memberships, err := s.directory.ListMemberships(ctx, tenantID, userID)
	if err != nil {
		return nil, nil, internalError(err)
	}
	return user, memberships, nil
}

// issuance is one token response about to be minted.
type issuance struct {
	tenant      *storage.Tenant
	client      *storage.Client
	grantType   string
	subject     string
	user        *storage.User
	memberships []storage.Membership
	scopes      []string
	selectedOrg string
	nonce       string
	authTime    time.Time
	withRefresh bool
	clientIP    string
	userAgent   string
}

// issue mints the access token, an ID token for openid user requests and,
// when asked, a new refresh token. It returns the refresh token hash so the
// caller can link it.
func (s *Server) issue(ctx context.Context, is *issuance) (*oauth2.Token, string, error) {
	now := s.now()
	tenant, client := is.tenant, is.client
	issuer := s.Issuer(tenant)
	scope := util.FormatScope(is.scopes)
	userClaims := buildUserClaims(claimsInput{
		user:        is.user,
		memberships: is.memberships,
		client:      client,
		scopes:      is.scopes,
		selectedOrg: is.selectedOrg,
	})

	accessTTL := lifetime(client.AccessTokenLifetime, tenant.AccessTokenLifetime, s.Config.AccessTokenTTL)
	accessToken, kid, err := s.minter.Sign(ctx, tenant.ID, &token.AccessClaims{
		TenantID:   tenant.ID,
		ClientID:   client.ClientID,
		Scope:      scope,
		UserClaims: userClaims,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   is.subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTTL)),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return nil, "", internalError(fmt.Errorf("failed to mint access token: %w", err))
	}

	tok := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      now.Add(accessTTL),
		ExpiresIn:   int64(accessTTL / time.Second),
	}
	extra := map[string]any{"scope": scope}

	if is.user != nil && slices.Contains(is.scopes, ScopeOpenID) {
		idTTL := lifetime(client.IDTokenLifetime, tenant.IDTokenLifetime, s.Config.IDTokenTTL)
		idClaims := &token.IDClaims{
			TenantID:   tenant.ID,
			Nonce:      is.nonce,
			UserClaims: userClaims,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				Subject:   is.subject,
				Audience:  jwt.ClaimStrings{client.ClientID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(idTTL)),
				ID:        uuid.NewString(),
			},
		}
		if !is.authTime.IsZero() {
			idClaims.AuthTime = jwt.NewNumericDate(is.authTime)
		}
		idToken, _, err := s.minter.Sign(ctx, tenant.ID, idClaims)
		if err != nil {
			return nil, "", internalError(fmt.Errorf("failed to mint id token: %w", err))
		}
		extra["id_token"] = idToken
	}

	var refreshHash string
	if is.withRefresh {
		value := generateRandomToken()
		refreshTTL := lifetime(client.RefreshTokenLifetime, tenant.RefreshTokenLifetime, s.Config.RefreshTokenTTL)
		err := s.refreshes.Create(ctx, value, &refresh.Token{
			TenantID:             tenant.ID,
			ClientID:             client.ClientID,
			UserID:               userIDOf(is.user),
			Scopes:               slices.Clone(is.scopes),
			SelectedOrganization: is.selectedOrg,
			AuthTime:             is.authTime,
			CreatedAt:            now,
			ExpiresAt:            now.Add(refreshTTL),
			ClientIP:             is.clientIP,
			UserAgent:            is.userAgent,
		})
		if err != nil {
			return nil, "", internalError(fmt.Errorf("failed to store refresh token: %w", err))
		}
		tok.RefreshToken = value
		refreshHash = refresh.Hash(value)
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, tenant.ID, is.grantType, is.withRefresh, extra["id_token"] != nil)
	}
	s.Auditor.LogTokenIssued(tenant.ID, userIDOf(is.user), client.ClientID, is.clientIP, is.grantType, scope)
	s.Logger.Debug("Issued tokens",
		"tenant_id", tenant.ID,
		"client_id", client.ClientID,
		"grant_type", is.grantType,
		"key_id", kid)

	return tok.WithExtra(extra), refreshHash, nil
}

func userIDOf(u *storage.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
