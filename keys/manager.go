package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/giantswarm/tenant-oauth/actor"
	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/security"
)

const (
	// DefaultValidity is the lifetime of a generated key.
	DefaultValidity = 365 * 24 * time.Hour

	// DefaultKeyBits is the RSA modulus size.
	DefaultKeyBits = 2048
)

var (
	ErrNoActiveKey = errors.New("no active signing key")
	ErrKeyNotFound = errors.New("signing key not found")
)

// Config configures a Manager.
type Config struct {
	// Validity of generated keys. Default: 1 year.
	Validity time.Duration

	// KeyBits is the RSA modulus size. Default: 2048. Tests may lower it.
	KeyBits int

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns tenant key sets.
type Manager struct {
	rt  *actor.Runtime
	cfg Config
	now func() time.Time

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
}

// NewManager creates a key manager.
func NewManager(rt *actor.Runtime, cfg Config) *Manager {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.KeyBits <= 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{rt: rt, cfg: cfg, now: cfg.Now}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SetAuditor enables audit events for key lifecycle operations.
func (m *Manager) SetAuditor(a *security.Auditor) {
	m.auditor = a
}

// SetInstrumentation enables key operation metrics.
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.instrumentation = inst
}

func keySetKey(tenantID string) string {
	return "keyset:" + tenantID
}

// newKey generates key material outside the tenant's mailbox so a slow RSA
// generation does not hold up signing on the same tenant.
func (m *Manager) newKey() (*SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.cfg.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	now := m.now()
	return &SigningKey{
		KeyID:      uuid.NewString(),
		Algorithm:  AlgorithmRS256,
		PrivateKey: x509.MarshalPKCS1PrivateKey(priv),
		PublicKey:  pub,
		IsActive:   true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.Validity),
	}, nil
}

func (m *Manager) update(ctx context.Context, tenantID string, fn func(set *KeySet) (bool, error)) error {
	return actor.Invoke(ctx, m.rt, keySetKey(tenantID), func(_ context.Context, st *actor.State[KeySet]) error {
		set, ok := st.Get()
		if !ok {
			set = &KeySet{TenantID: tenantID}
		}
		changed, err := fn(set)
		if err != nil || !changed {
			return err
		}
		st.Set(set)
		return nil
	})
}

func (m *Manager) read(ctx context.Context, tenantID string) (*KeySet, error) {
	var out *KeySet
	err := actor.Invoke(ctx, m.rt, keySetKey(tenantID), func(_ context.Context, st *actor.State[KeySet]) error {
		set, ok := st.Get()
		if !ok {
			set = &KeySet{TenantID: tenantID}
		}
		out = set
		return nil
	})
	return out, err
}

// Generate adds a new active key without deactivating existing ones.
func (m *Manager) Generate(ctx context.Context, tenantID string) (*SigningKey, error) {
	key, err := m.newKey()
	if err != nil {
		return nil, err
	}
	err = m.update(ctx, tenantID, func(set *KeySet) (bool, error) {
		set.Keys = append(set.Keys, *key)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.recordOperation(ctx, tenantID, "generate", key.KeyID, security.EventSigningKeyGenerated)
	return key, nil
}

// Rotate deactivates every active key and adds exactly one new one.
func (m *Manager) Rotate(ctx context.Context, tenantID string) (*SigningKey, error) {
	key, err := m.newKey()
	if err != nil {
		return nil, err
	}
	deactivated := 0
	err = m.update(ctx, tenantID, func(set *KeySet) (bool, error) {
		deactivated = 0
		for i := range set.Keys {
			if set.Keys[i].IsActive {
				set.Keys[i].IsActive = false
				deactivated++
			}
		}
		set.Keys = append(set.Keys, *key)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.cfg.Logger.Info("Rotated signing key",
		"tenant_id", tenantID,
		"key_id", key.KeyID,
		"deactivated", deactivated)
	m.recordOperation(ctx, tenantID, "rotate", key.KeyID, security.EventSigningKeyRotated)
	return key, nil
}

// ActiveKey returns the key used for signing, or ErrNoActiveKey.
func (m *Manager) ActiveKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	set, err := m.read(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	k := set.active(m.now())
	if k == nil {
		return nil, ErrNoActiveKey
	}
	out := *k
	return &out, nil
}

// SigningKey returns the active key, generating one if the tenant has none.
func (m *Manager) SigningKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	k, err := m.ActiveKey(ctx, tenantID)
	if !errors.Is(err, ErrNoActiveKey) {
		return k, err
	}

	candidate, err := m.newKey()
	if err != nil {
		return nil, err
	}
	var (
		selected SigningKey
		added    bool
	)
	err = m.update(ctx, tenantID, func(set *KeySet) (bool, error) {
		// Another caller may have generated a key while this one was
		// computing; use theirs.
		if existing := set.active(m.now()); existing != nil {
			selected = *existing
			return false, nil
		}
		set.Keys = append(set.Keys, *candidate)
		selected = *candidate
		added = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if added {
		m.recordOperation(ctx, tenantID, "generate", selected.KeyID, security.EventSigningKeyGenerated)
	}
	return &selected, nil
}

// PublicKeys returns every non-revoked, non-expired key without private material.
func (m *Manager) PublicKeys(ctx context.Context, tenantID string) ([]SigningKey, error) {
	set, err := m.read(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]SigningKey, 0, len(set.Keys))
	for _, k := range set.Keys {
		if k.Published(now) {
			out = append(out, k.public())
		}
	}
	return out, nil
}

// PublicKey returns the published key with kid.
func (m *Manager) PublicKey(ctx context.Context, tenantID, kid string) (*SigningKey, error) {
	keys, err := m.PublicKeys(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		if keys[i].KeyID == kid {
			return &keys[i], nil
		}
	}
	return nil, ErrKeyNotFound
}

// Revoke marks the key revoked and inactive. Tokens it signed can no longer
// be verified.
func (m *Manager) Revoke(ctx context.Context, tenantID, kid string) error {
	err := m.update(ctx, tenantID, func(set *KeySet) (bool, error) {
		for i := range set.Keys {
			k := &set.Keys[i]
			if k.KeyID != kid {
				continue
			}
			if k.Revoked() {
				return false, nil
			}
			k.RevokedAt = m.now()
			k.IsActive = false
			return true, nil
		}
		return false, ErrKeyNotFound
	})
	if err != nil {
		return err
	}
	m.cfg.Logger.Warn("Revoked signing key", "tenant_id", tenantID, "key_id", kid)
	m.recordOperation(ctx, tenantID, "revoke", kid, security.EventSigningKeyRevoked)
	return nil
}

// JWKS returns the published keys as a JSON Web Key Set.
func (m *Manager) JWKS(ctx context.Context, tenantID string) (jose.JSONWebKeySet, error) {
	keys, err := m.PublicKeys(ctx, tenantID)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for i := range keys {
		pub, err := keys[i].RSAPublicKey()
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub,
			KeyID:     keys[i].KeyID,
			Algorithm: keys[i].Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

func (m *Manager) recordOperation(ctx context.Context, tenantID, op, kid, event string) {
	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordKeyOperation(ctx, tenantID, op)
	}
	m.auditor.LogEvent(security.Event{
		Type:     event,
		TenantID: tenantID,
		Details:  map[string]any{"key_id": kid},
	})
}
