package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/tenant-oauth/actor"
	"github.com/giantswarm/tenant-oauth/grant"
	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/keys"
	"github.com/giantswarm/tenant-oauth/refresh"
	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/storage"
	"github.com/giantswarm/tenant-oauth/token"
)

// Server implements the token issuance logic for every tenant.
// It coordinates grants, refresh tokens and signing keys, all of which live
// as entities on one actor runtime.
type Server struct {
	rt          *actor.Runtime
	clientStore storage.ClientStore
	directory   storage.DirectoryStore

	grants    *grant.Service
	refreshes *refresh.Service
	keys      *keys.Manager
	minter    *token.Minter
	verifier  *token.Verifier

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

// New creates a new OAuth server
func New(
	rt *actor.Runtime,
	clientStore storage.ClientStore,
	directory storage.DirectoryStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	return newServer(rt, clientStore, directory, config, logger, time.Now)
}

func newServer(
	rt *actor.Runtime,
	clientStore storage.ClientStore,
	directory storage.DirectoryStore,
	config *Config,
	logger *slog.Logger,
	now func() time.Time,
) (*Server, error) {
	if rt == nil {
		return nil, fmt.Errorf("actor runtime is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("directory store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	if err := validateConfigScopes(config); err != nil {
		return nil, err
	}

	srv := &Server{
		rt:          rt,
		clientStore: clientStore,
		directory:   directory,
		Config:      config,
		Logger:      logger,
		now:         now,
	}

	// Validate HTTPS enforcement (OAuth 2.1 security requirement)
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	srv.grants = grant.NewService(rt, grant.Config{
		Logger: logger,
		Now:    now,
	})
	srv.refreshes = refresh.NewService(rt, refresh.Config{
		Retention:      seconds(config.RevokedTokenRetention),
		MaxChainLength: config.MaxRefreshChainLength,
		Logger:         logger,
		Now:            now,
	})
	srv.keys = keys.NewManager(rt, keys.Config{
		Validity: seconds(config.SigningKeyValidity),
		KeyBits:  config.SigningKeyBits,
		Logger:   logger,
		Now:      now,
	})
	srv.minter = token.NewMinter(srv.keys)
	srv.verifier = token.NewVerifier(srv.keys)

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.keys.SetAuditor(aud)
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation enables spans and metrics for the server and its key manager.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
	s.keys.SetInstrumentation(inst)
}

// Keys returns the signing key manager, for JWKS publication and rotation.
func (s *Server) Keys() *keys.Manager {
	return s.keys
}

// Issuer returns the iss value for tokens of tenant.
func (s *Server) Issuer(tenant *storage.Tenant) string {
	if tenant.Issuer != "" {
		return tenant.Issuer
	}
	return strings.TrimRight(s.Config.Issuer, "/") + "/t/" + tenant.ID
}

func (s *Server) getTenant(ctx context.Context, tenantID string) (*storage.Tenant, error) {
	tenant, err := s.directory.GetTenant(ctx, tenantID)
	if errors.Is(err, storage.ErrTenantNotFound) {
		return nil, newError(ErrorCodeInvalidRequest, "Unknown tenant", err)
	}
	if err != nil {
		return nil, internalError(err)
	}
	return tenant, nil
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

// logSecurityEvent writes a warning unless repeated events for key are
// being throttled.
func (s *Server) logSecurityEvent(key, msg string, args ...any) {
	if s.SecurityEventRateLimiter != nil && !s.SecurityEventRateLimiter.Allow(key) {
		return
	}
	s.Logger.Warn(msg, args...)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, refresh tokens and secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// lifetime picks the first positive value of client, tenant and server
// settings, in that order.
func lifetime(client, tenant, server int64) time.Duration {
	switch {
	case client > 0:
		return seconds(client)
	case tenant > 0:
		return seconds(tenant)
	default:
		return seconds(server)
	}
}
