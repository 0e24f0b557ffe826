package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/storage"
)

type stateEntry struct {
	data      []byte
	version   int64
	expiresAt time.Time
}

// Store is an in-memory StateStore, ClientStore and DirectoryStore.
type Store struct {
	mu sync.RWMutex

	states  map[string]*stateEntry
	clients map[string]*storage.Client // tenant/client -> client

	tenants     map[string]*storage.Tenant
	users       map[string]*storage.User // tenant/user -> user
	memberships map[string][]storage.Membership

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	statesCount  atomic.Int64
	clientsCount atomic.Int64

	now           func() time.Time
	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

var (
	_ storage.StateStore     = (*Store)(nil)
	_ storage.ClientStore    = (*Store)(nil)
	_ storage.DirectoryStore = (*Store)(nil)
)

// New creates a store sweeping expired state every minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom sweep interval. A
// non-positive interval uses one minute.
func NewWithInterval(sweepInterval time.Duration) *Store {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	s := &Store{
		states:        make(map[string]*stateEntry),
		clients:       make(map[string]*storage.Client),
		tenants:       make(map[string]*storage.Tenant),
		users:         make(map[string]*storage.User),
		memberships:   make(map[string][]storage.Membership),
		now:           time.Now,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default(),
	}
	go s.sweepLoop()
	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.statesCount.Store(int64(len(s.states)))
	s.clientsCount.Store(int64(len(s.clients)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.statesCount.Load() },
			func() int64 { return s.clientsCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop ends the background sweep.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopSweep) })
}

// ============================================================
// StateStore Implementation
// ============================================================

// LoadState returns a copy of the stored record.
func (s *Store) LoadState(ctx context.Context, key string) (rec *storage.Record, err error) {
	ctx, span := s.startStorageSpan(ctx, "load_state")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "load_state", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.states[key]
	if !ok {
		return nil, storage.ErrStateNotFound
	}
	return &storage.Record{
		Key:       key,
		Data:      bytes.Clone(e.data),
		Version:   e.version,
		ExpiresAt: e.expiresAt,
	}, nil
}

// SaveState performs a compare-and-set on the record version.
func (s *Store) SaveState(ctx context.Context, rec *storage.Record) (version int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "save_state")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_state", err, start) }()

	if rec == nil || rec.Key == "" {
		return 0, fmt.Errorf("record key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.states[rec.Key]
	switch {
	case !exists && rec.Version != 0:
		return 0, storage.ErrVersionConflict
	case exists && current.version != rec.Version:
		return 0, storage.ErrVersionConflict
	}

	s.states[rec.Key] = &stateEntry{
		data:      bytes.Clone(rec.Data),
		version:   rec.Version + 1,
		expiresAt: rec.ExpiresAt,
	}
	if !exists {
		s.statesCount.Add(1)
	}
	return rec.Version + 1, nil
}

// DeleteState removes the record if it is still at version.
func (s *Store) DeleteState(ctx context.Context, key string, version int64) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_state")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_state", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.states[key]
	if !exists {
		return nil
	}
	if current.version != version {
		return storage.ErrVersionConflict
	}
	delete(s.states, key)
	s.statesCount.Add(-1)
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

func clientKey(tenantID, clientID string) string {
	return tenantID + "/" + clientID
}

// GetClient returns a copy of the client.
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientKey(tenantID, clientID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(c), nil
}

// SaveClient creates or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, start) }()

	if client == nil || client.TenantID == "" || client.ClientID == "" {
		return fmt.Errorf("client tenant and id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := clientKey(client.TenantID, client.ClientID)
	if _, exists := s.clients[k]; !exists {
		s.clientsCount.Add(1)
	}
	s.clients[k] = cloneClient(client)
	s.logger.Debug("Saved client", "tenant_id", client.TenantID, "client_id", client.ClientID)
	return nil
}

// AddClientSecret replaces all secrets of the client with secret.
func (s *Store) AddClientSecret(ctx context.Context, tenantID, clientID string, secret storage.ClientSecret) (err error) {
	ctx, span := s.startStorageSpan(ctx, "add_client_secret")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "add_client_secret", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientKey(tenantID, clientID)]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	c.Secrets = []storage.ClientSecret{secret}
	return nil
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.AllowedScopes = slices.Clone(c.AllowedScopes)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.Secrets = slices.Clone(c.Secrets)
	if c.Roles != nil {
		out.Roles = make(map[string][]string, len(c.Roles))
		for role, perms := range c.Roles {
			out.Roles[role] = slices.Clone(perms)
		}
	}
	return &out
}

// ============================================================
// DirectoryStore Implementation
// ============================================================

// PutTenant stores a tenant record.
func (s *Store) PutTenant(t storage.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = &t
}

// PutUser stores a user record.
func (s *Store) PutUser(u storage.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[clientKey(u.TenantID, u.ID)] = &u
}

// PutMembership appends a membership for m.UserID.
func (s *Store) PutMembership(m storage.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := clientKey(m.TenantID, m.UserID)
	m.Roles = slices.Clone(m.Roles)
	m.CustomClaims = maps.Clone(m.CustomClaims)
	s.memberships[k] = append(s.memberships[k], m)
}

// GetTenant returns the tenant or ErrTenantNotFound.
func (s *Store) GetTenant(_ context.Context, tenantID string) (*storage.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrTenantNotFound, tenantID)
	}
	out := *t
	return &out, nil
}

// GetUser returns the user or ErrUserNotFound.
func (s *Store) GetUser(_ context.Context, tenantID, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[clientKey(tenantID, userID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	out := *u
	return &out, nil
}

// ListMemberships returns the user's memberships in tenantID.
func (s *Store) ListMemberships(_ context.Context, tenantID, userID string) ([]storage.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.memberships[clientKey(tenantID, userID)]), nil
}

// ============================================================
// Sweep
// ============================================================

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep drops state records past their retention time and returns how many
// were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.states {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.states, key)
			removed++
		}
	}
	if removed > 0 {
		s.statesCount.Add(int64(-removed))
		s.logger.Debug("Swept expired state", "removed", removed, "remaining", len(s.states))
	}
	return removed
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
}
