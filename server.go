package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/tenant-oauth/actor"
	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/security"
	"github.com/giantswarm/tenant-oauth/server"
	"github.com/giantswarm/tenant-oauth/storage"
	"github.com/giantswarm/tenant-oauth/storage/memory"
	"github.com/giantswarm/tenant-oauth/storage/sqlstore"
	"github.com/giantswarm/tenant-oauth/storage/valkey"
)

// Server is an assembled authorization service: storage, the entity
// runtime, the token issuance core and instrumentation.
type Server struct {
	core        *server.Server
	runtime     *actor.Runtime
	clientStore storage.ClientStore
	directory   storage.DirectoryStore

	Instrumentation *instrumentation.Instrumentation
	RateLimiter     *security.RateLimiter // per-client token endpoint limiter, nil when disabled
	Logger          *slog.Logger
	Config          *Config

	closers []func() error
}

// NewServer builds a Server from cfg. directory provides tenants, users and
// memberships; it may be nil only with the memory storage driver, in which
// case the memory store doubles as the directory.
func NewServer(cfg Config, directory storage.DirectoryStore) (*Server, error) {
	applyDefaults(&cfg)
	logger := cfg.Logger

	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	s := &Server{
		Instrumentation: inst,
		Logger:          logger,
		Config:          &cfg,
	}

	state, clients, mem, err := s.openStorage(&cfg)
	if err != nil {
		s.closeAll()
		return nil, err
	}
	if directory == nil {
		if mem == nil {
			s.closeAll()
			return nil, fmt.Errorf("directory store is required for storage driver %q", cfg.Storage.Driver)
		}
		directory = mem
	}
	s.clientStore = clients
	s.directory = directory

	rt, err := actor.New(state, logger)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("failed to create actor runtime: %w", err)
	}
	rt.SetInstrumentation(inst)
	if len(cfg.Security.EncryptionKey) > 0 {
		enc, err := security.NewEncryptor(cfg.Security.EncryptionKey)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		rt.SetEncryptor(enc)
	}
	s.runtime = rt

	core, err := server.New(rt, clients, directory, &cfg.Server, logger)
	if err != nil {
		s.closeAll()
		return nil, err
	}
	core.SetInstrumentation(inst)
	core.SetAuditor(security.NewAuditor(logger, cfg.Security.EnableAuditLogging))
	if cfg.RateLimit.SecurityEventRate > 0 {
		rl := security.NewRateLimiter(cfg.RateLimit.SecurityEventRate, cfg.RateLimit.SecurityEventBurst, logger)
		core.SetSecurityEventRateLimiter(rl)
		s.addCloser(rl.Stop)
	}
	s.core = core

	if cfg.RateLimit.Rate > 0 {
		s.RateLimiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
		s.addCloser(s.RateLimiter.Stop)
	}

	logger.Info("OAuth server initialized",
		"issuer", cfg.Server.Issuer,
		"storage", cfg.Storage.Driver,
		"encryption", len(cfg.Security.EncryptionKey) > 0,
		"audit_logging", cfg.Security.EnableAuditLogging,
		"rate_limit", cfg.RateLimit.Rate)
	return s, nil
}

// openStorage creates the configured backend. mem is non-nil only for the
// memory driver.
func (s *Server) openStorage(cfg *Config) (storage.StateStore, storage.ClientStore, *memory.Store, error) {
	switch cfg.Storage.Driver {
	case StorageMemory:
		mem := memory.NewWithInterval(cfg.Storage.SweepInterval)
		mem.SetLogger(cfg.Logger)
		mem.SetInstrumentation(s.Instrumentation)
		s.addCloser(mem.Stop)
		return mem, mem, mem, nil

	case StorageValkey:
		vs, err := valkey.New(valkey.Config{
			Address:            cfg.Storage.Address,
			Password:           cfg.Storage.Password,
			DB:                 cfg.Storage.DB,
			KeyPrefix:          cfg.Storage.KeyPrefix,
			DisableClientCache: cfg.Storage.DisableClientCache,
			Logger:             cfg.Logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		s.addCloser(vs.Close)
		return vs, vs, nil, nil

	case StorageSQLite, StoragePostgres:
		ss, err := sqlstore.Open(sqlstore.Config{
			Driver: cfg.Storage.Driver,
			DSN:    cfg.Storage.DSN,
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		s.closers = append(s.closers, ss.Close)
		if err := ss.Migrate(context.Background()); err != nil {
			return nil, nil, nil, err
		}
		ss.StartSweeper(cfg.Storage.SweepInterval)
		return ss, ss, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func (s *Server) addCloser(fn func()) {
	s.closers = append(s.closers, func() error {
		fn()
		return nil
	})
}

func (s *Server) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Core returns the token issuance core.
func (s *Server) Core() *server.Server {
	return s.core
}

// Clients returns the client registration store.
func (s *Server) Clients() storage.ClientStore {
	return s.clientStore
}

// Directory returns the tenant and user directory.
func (s *Server) Directory() storage.DirectoryStore {
	return s.directory
}

// Close stops background work, closes storage and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	if s.runtime != nil {
		s.runtime.Stop()
	}
	err := s.closeAll()
	return errors.Join(err, s.Instrumentation.Shutdown(ctx))
}
