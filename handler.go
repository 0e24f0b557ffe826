package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/server"
	"github.com/giantswarm/tenant-oauth/storage"
)

const (
	tokenTypeBearer = "Bearer"

	// jwksMaxAge lets relying parties cache the key set briefly; rotated
	// keys stay published long after that.
	jwksMaxAge = 300
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes mounts the tenant endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/t/{tenant}/oauth/token", h.ServeToken)
	mux.HandleFunc("/t/{tenant}/oauth/revoke", h.ServeRevocation)
	mux.HandleFunc("/t/{tenant}/oauth/introspect", h.ServeIntrospection)
	mux.HandleFunc("/t/{tenant}/.well-known/jwks.json", h.ServeJWKS)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "http.token")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.PathValue("tenant")
	clientIP := h.clientIP(r)

	creds, err := server.ExtractClientCredentials(r)
	if err != nil {
		h.fail(ctx, w, span, "token", err, false, startTime)
		return
	}
	basic := creds.Method == server.TokenEndpointAuthMethodBasic

	if h.rateLimited(ctx, w, tenantID, creds.ClientID, clientIP) {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	client, err := h.server.core.AuthenticateClient(ctx, tenantID, creds, clientIP)
	if err != nil {
		h.fail(ctx, w, span, "token", err, basic, startTime)
		return
	}

	grantType := r.PostForm.Get("grant_type")
	instrumentation.AddGrantAttributes(span, tenantID, client.ClientID, grantType)

	tok, err := h.server.core.IssueToken(ctx, tenantID, client, &server.TokenRequest{
		GrantType:    grantType,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		ClientIP:     clientIP,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.fail(ctx, w, span, "token", err, basic, startTime)
		return
	}

	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, tok)
}

// ServeJWKS serves the tenant's published signing keys.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "http.jwks")
	defer span.End()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.recordHTTPMetrics(ctx, "jwks", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.PathValue("tenant")
	if _, err := h.server.directory.GetTenant(ctx, tenantID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrTenantNotFound) {
			status = http.StatusNotFound
		} else {
			h.logger.Error("Failed to load tenant", "tenant_id", tenantID, "error", err)
		}
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics(ctx, "jwks", r.Method, status, startTime)
		http.Error(w, http.StatusText(status), status)
		return
	}

	jwks, err := h.server.core.Keys().JWKS(ctx, tenantID)
	if err != nil {
		h.logger.Error("Failed to load key set", "tenant_id", tenantID, "error", err)
		instrumentation.RecordError(span, err)
		h.recordHTTPMetrics(ctx, "jwks", r.Method, http.StatusInternalServerError, startTime)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics(ctx, "jwks", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetPublicJSONHeaders(w, jwksMaxAge)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(jwks)
}

// ServeRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "http.revoke")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.PathValue("tenant")
	clientIP := h.clientIP(r)

	client, basic, err := h.authenticate(ctx, r, tenantID, clientIP)
	if err != nil {
		h.fail(ctx, w, span, "revoke", err, basic, startTime)
		return
	}
	instrumentation.AddGrantAttributes(span, tenantID, client.ClientID, "")

	if hint := r.PostForm.Get("token_type_hint"); hint != "" && hint != "refresh_token" && hint != "access_token" {
		h.fail(ctx, w, span, "revoke", NewOAuthError(ErrorCodeUnsupportedTokenType,
			"token_type_hint is not supported", http.StatusBadRequest), basic, startTime)
		return
	}

	if err := h.server.core.RevokeToken(ctx, tenantID, client, r.PostForm.Get("token")); err != nil {
		h.fail(ctx, w, span, "revoke", err, basic, startTime)
		return
	}

	h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetTokenResponseHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospection handles the RFC 7662 token introspection endpoint.
// Only confidential clients may introspect, so tokens cannot be checked
// anonymously.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "http.introspect")
	defer span.End()

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "introspect", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.PathValue("tenant")
	clientIP := h.clientIP(r)

	client, basic, err := h.authenticate(ctx, r, tenantID, clientIP)
	if err != nil {
		h.fail(ctx, w, span, "introspect", err, basic, startTime)
		return
	}
	if !client.Confidential {
		h.logger.Warn("Token introspection rejected: public client",
			"tenant_id", tenantID, "client_id", client.ClientID, "ip", clientIP)
		h.fail(ctx, w, span, "introspect", NewOAuthError(ErrorCodeInvalidClient,
			"Client authentication required for token introspection", http.StatusUnauthorized), basic, startTime)
		return
	}

	info, err := h.server.core.IntrospectToken(ctx, tenantID, client, r.PostForm.Get("token"))
	if err != nil {
		h.fail(ctx, w, span, "introspect", err, basic, startTime)
		return
	}

	h.recordHTTPMetrics(ctx, "introspect", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetTokenResponseHeaders(w)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(info)
}

// authenticate extracts and verifies client credentials. basic reports
// whether they arrived in the Authorization header.
func (h *Handler) authenticate(ctx context.Context, r *http.Request, tenantID, clientIP string) (*storage.Client, bool, error) {
	creds, err := server.ExtractClientCredentials(r)
	if err != nil {
		return nil, false, err
	}
	basic := creds.Method == server.TokenEndpointAuthMethodBasic
	client, err := h.server.core.AuthenticateClient(ctx, tenantID, creds, clientIP)
	return client, basic, err
}

// rateLimited checks the per-client limiter. Returns true if limited, in
// which case the response has been written.
func (h *Handler) rateLimited(ctx context.Context, w http.ResponseWriter, tenantID, clientID, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(tenantID+"/"+clientID) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "tenant_id", tenantID, "client_id", clientID, "ip", clientIP)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "client")
	}
	h.server.core.Auditor.LogEvent(security.Event{
		Type:      security.EventRateLimitExceeded,
		TenantID:  tenantID,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details:   map[string]any{"endpoint": "token"},
	})
	w.Header().Set("Retry-After", "1")
	h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests), false)
	return true
}

// fail records and writes err. Internal causes go to the log, never to the
// client.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, span trace.Span, endpoint string, err error, basic bool, startTime time.Time) {
	oe := FromError(err)
	instrumentation.RecordError(span, err)
	if oe.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "endpoint", endpoint, "error", err)
	} else {
		h.logger.Debug("Request rejected", "endpoint", endpoint, "error_code", oe.Code, "error", err)
	}
	h.recordHTTPMetrics(ctx, endpoint, http.MethodPost, oe.Status, startTime)
	h.writeError(w, oe, basic)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, tok *oauth2.Token) {
	resp := TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
	}
	if resp.TokenType == "" {
		resp.TokenType = tokenTypeBearer
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}

	security.SetTokenResponseHeaders(w)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeError writes an RFC 6749 Section 5.2 error response. A 401 to a
// client that used Basic authentication carries a Basic challenge.
func (h *Handler) writeError(w http.ResponseWriter, oe *OAuthError, basic bool) {
	security.SetTokenResponseHeaders(w)
	if oe.Status == http.StatusUnauthorized && basic {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}
	w.WriteHeader(oe.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.core.Config
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return h.tracer.Start(ctx, name)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
