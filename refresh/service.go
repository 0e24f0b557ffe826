package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/tenant-oauth/actor"
	"github.com/giantswarm/tenant-oauth/internal/util"
)

const (
	// DefaultRetention keeps token state after expiry for chain walks and
	// introspection.
	DefaultRetention = 90 * 24 * time.Hour

	// DefaultMaxChainLength bounds a single revocation walk.
	DefaultMaxChainLength = 1000
)

var (
	ErrNotFound        = errors.New("refresh token not found")
	ErrAlreadyExists   = errors.New("refresh token already exists")
	ErrExpired         = errors.New("refresh token expired")
	ErrClientMismatch  = errors.New("refresh token was issued to another client")
	ErrScopeNotGranted = errors.New("requested scope exceeds the original grant")
	ErrReuseDetected   = errors.New("refresh token reuse detected")
	ErrAlreadyReplaced = errors.New("refresh token already has a successor")
	ErrInvalidToken    = errors.New("invalid refresh token")
	ErrChainTooLong    = errors.New("refresh token chain exceeds maximum length")
)

// ReuseError reports a replayed refresh token. Token is the replayed
// token's state; Revoked counts the descendants revoked by this call.
type ReuseError struct {
	Token   *Token
	Revoked int
	// WalkErr is set when the chain walk stopped early. A later replay
	// resumes it.
	WalkErr error
}

func (e *ReuseError) Error() string {
	if e.WalkErr != nil {
		return fmt.Sprintf("%s: revoked %d descendants before failing: %v", ErrReuseDetected, e.Revoked, e.WalkErr)
	}
	return fmt.Sprintf("%s: revoked %d descendants", ErrReuseDetected, e.Revoked)
}

func (e *ReuseError) Unwrap() error { return ErrReuseDetected }

// Expect is the binding a presented token must satisfy.
type Expect struct {
	TenantID string
	ClientID string
	// Scopes, when non-empty, must be a subset of the token's scopes.
	Scopes []string
}

// Config configures a Service.
type Config struct {
	// Retention is added to a token's expiry to get its physical
	// retention deadline. Default: 90 days.
	Retention time.Duration

	// MaxChainLength bounds revocation walks. Default: 1000.
	MaxChainLength int

	Logger *slog.Logger
	Now    func() time.Time
}

// Service manages refresh tokens on an actor runtime.
type Service struct {
	rt     *actor.Runtime
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a refresh token service.
func NewService(rt *actor.Runtime, cfg Config) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxChainLength <= 0 {
		cfg.MaxChainLength = DefaultMaxChainLength
	}
	s := &Service{rt: rt, cfg: cfg, logger: cfg.Logger, now: cfg.Now}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Hash returns the storage hash of a token value.
func Hash(value string) string {
	return util.HashSecret(value)
}

func keyForHash(hash string) string {
	return "refresh:" + hash
}

// Create stores t under value. Creating the same token twice succeeds.
func (s *Service) Create(ctx context.Context, value string, t *Token) error {
	if value == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidToken)
	}
	if t == nil || t.TenantID == "" || t.ClientID == "" || t.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: tenant, client and expiry are required", ErrInvalidToken)
	}

	t = t.clone()
	t.Revoked = false
	t.RevokedAt = time.Time{}
	t.RevocationReason = ""
	t.ReplacedBy = ""
	t.ReuseDetectedAt = time.Time{}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	return actor.Invoke(ctx, s.rt, keyForHash(Hash(value)), func(_ context.Context, st *actor.State[Token]) error {
		if existing, ok := st.Get(); ok {
			if existing.sameIssuance(t) {
				return nil
			}
			return ErrAlreadyExists
		}
		st.Set(t)
		st.Retain(t.ExpiresAt.Add(s.cfg.Retention))
		return nil
	})
}

// ValidateAndRevoke is the single redemption entry point. An active token
// that satisfies exp is revoked and its prior state returned. A token that
// was already revoked triggers revocation of its remaining chain and a
// *ReuseError. Binding, scope and expiry failures have no side effects.
func (s *Service) ValidateAndRevoke(ctx context.Context, value string, exp Expect) (*Token, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	hash := Hash(value)

	var (
		prior   *Token
		replay  *Token
		nowSeen time.Time
	)
	err := actor.Invoke(ctx, s.rt, keyForHash(hash), func(_ context.Context, st *actor.State[Token]) error {
		t, ok := st.Get()
		if !ok {
			return ErrNotFound
		}
		if t.TenantID != exp.TenantID || t.ClientID != exp.ClientID {
			return ErrClientMismatch
		}
		nowSeen = s.now()

		if t.Revoked {
			if t.ReuseDetectedAt.IsZero() {
				t.ReuseDetectedAt = nowSeen
				st.Set(t)
			}
			replay = t.clone()
			return nil
		}
		if t.Expired(nowSeen) {
			return ErrExpired
		}
		if len(exp.Scopes) > 0 && !util.IsSubset(exp.Scopes, t.Scopes) {
			return ErrScopeNotGranted
		}

		prior = t.clone()
		t.revoke(nowSeen, ReasonRotated)
		st.Set(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replay == nil {
		return prior, nil
	}

	revoked, walkErr := s.revokeChain(ctx, replay.ReplacedBy, ReasonReuseDetected)
	s.logger.Warn("Refresh token reuse detected",
		"tenant_id", replay.TenantID,
		"client_id", replay.ClientID,
		"token_hash", util.SafeTruncate(hash, 8),
		"revoked_descendants", revoked)
	return nil, &ReuseError{Token: replay, Revoked: revoked, WalkErr: walkErr}
}

// SetReplacement links the token to its successor. If reuse of the token
// was detected before the link existed, the link is still stored and
// ErrReuseDetected is returned so the caller revokes the successor.
func (s *Service) SetReplacement(ctx context.Context, value, successorHash string) error {
	if successorHash == "" {
		return fmt.Errorf("%w: empty successor", ErrInvalidToken)
	}
	var reuse bool
	err := actor.Invoke(ctx, s.rt, keyForHash(Hash(value)), func(_ context.Context, st *actor.State[Token]) error {
		t, ok := st.Get()
		if !ok {
			return ErrNotFound
		}
		if t.ReplacedBy != "" && t.ReplacedBy != successorHash {
			return ErrAlreadyReplaced
		}
		reuse = !t.ReuseDetectedAt.IsZero()
		if t.ReplacedBy == successorHash {
			return nil
		}
		t.ReplacedBy = successorHash
		st.Set(t)
		return nil
	})
	if err != nil {
		return err
	}
	if reuse {
		return ErrReuseDetected
	}
	return nil
}

// Revoke revokes the token and every descendant (RFC 7009). It returns the
// number of tokens that changed state.
func (s *Service) Revoke(ctx context.Context, value string) (int, error) {
	return s.RevokeHash(ctx, Hash(value), ReasonRevoked)
}

// RevokeHash revokes the token stored under hash and its descendants.
func (s *Service) RevokeHash(ctx context.Context, hash, reason string) (int, error) {
	if hash == "" {
		return 0, ErrNotFound
	}
	if _, err := s.getHash(ctx, hash); err != nil {
		return 0, err
	}
	return s.revokeChain(ctx, hash, reason)
}

// revokeChain revokes the token at hash and follows ReplacedBy links. Each
// step is its own entity call; revoked tokens are passed through since
// their successors may still be active.
func (s *Service) revokeChain(ctx context.Context, hash, reason string) (int, error) {
	revoked := 0
	visited := make(map[string]struct{})

	for steps := 0; hash != ""; steps++ {
		if steps >= s.cfg.MaxChainLength {
			s.logger.Error("Refresh token chain walk stopped at maximum length",
				"max_chain_length", s.cfg.MaxChainLength,
				"token_hash", util.SafeTruncate(hash, 8))
			return revoked, ErrChainTooLong
		}
		if _, seen := visited[hash]; seen {
			return revoked, nil
		}
		visited[hash] = struct{}{}

		var (
			next    string
			changed bool
		)
		err := actor.Invoke(ctx, s.rt, keyForHash(hash), func(_ context.Context, st *actor.State[Token]) error {
			t, ok := st.Get()
			if !ok {
				return nil
			}
			next = t.ReplacedBy
			if t.revoke(s.now(), reason) {
				changed = true
				st.Set(t)
			}
			return nil
		})
		if err != nil {
			return revoked, err
		}
		if changed {
			revoked++
		}
		hash = next
	}
	return revoked, nil
}

// Get returns a copy of the token state.
func (s *Service) Get(ctx context.Context, value string) (*Token, error) {
	return s.getHash(ctx, Hash(value))
}

func (s *Service) getHash(ctx context.Context, hash string) (*Token, error) {
	var out *Token
	err := actor.Invoke(ctx, s.rt, keyForHash(hash), func(_ context.Context, st *actor.State[Token]) error {
		t, ok := st.Get()
		if !ok {
			return ErrNotFound
		}
		out = t.clone()
		return nil
	})
	return out, err
}
