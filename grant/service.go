package grant

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
	// DefaultRedeemedRetention is how long a redeemed grant is kept so that
	// replays are detected instead of reported as unknown codes.
	DefaultRedeemedRetention = 24 * time.Hour

	// DefaultEvictionGrace delays the eviction timer past expiry.
	DefaultEvictionGrace = time.Minute
)

var (
	ErrNotFound      = errors.New("authorization code not found")
	ErrAlreadyExists = errors.New("authorization code already exists")
	ErrConsumed      = errors.New("authorization code already redeemed")
	ErrExpired       = errors.New("authorization code expired")
	ErrInvalidGrant  = errors.New("invalid authorization grant")
)

// Config configures a Service.
type Config struct {
	// RedeemedRetention keeps redeemed grants for reuse detection.
	// Default: 24h.
	RedeemedRetention time.Duration

	// EvictionGrace is added to a grant's expiry before the eviction timer
	// fires. Default: 1m.
	EvictionGrace time.Duration

	// DisableEviction turns off eviction timers. Expired grants are then
	// only removed by the store's retention sweep.
	DisableEviction bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Service manages authorization grants on an actor runtime.
type Service struct {
	rt     *actor.Runtime
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a grant service.
func NewService(rt *actor.Runtime, cfg Config) *Service {
	if cfg.RedeemedRetention <= 0 {
		cfg.RedeemedRetention = DefaultRedeemedRetention
	}
	if cfg.EvictionGrace <= 0 {
		cfg.EvictionGrace = DefaultEvictionGrace
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

// Key returns the entity key for code.
func Key(code string) string {
	return "grant:" + util.HashSecret(code)
}

// Create stores g under code. Creating the same grant twice succeeds, so a
// caller that saw an unknown outcome can retry; a different grant at the
// same key fails with ErrAlreadyExists.
func (s *Service) Create(ctx context.Context, code string, g *Grant) error {
	if code == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidGrant)
	}
	if g == nil || g.TenantID == "" || g.ClientID == "" {
		return fmt.Errorf("%w: tenant and client are required", ErrInvalidGrant)
	}
	if g.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiry is required", ErrInvalidGrant)
	}
	if g.CodeChallenge != "" {
		if err := ValidateChallenge(g.CodeChallenge, g.CodeChallengeMethod); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidGrant, err)
		}
	}

	g = g.clone()
	g.Redeemed = false
	g.RedeemedAt = time.Time{}
	g.RefreshTokenHash = ""
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}

	key := Key(code)
	err := actor.Invoke(ctx, s.rt, key, func(_ context.Context, st *actor.State[Grant]) error {
		if existing, ok := st.Get(); ok {
			if existing.sameIssuance(g) {
				return nil
			}
			return ErrAlreadyExists
		}
		st.Set(g)
		st.Retain(g.ExpiresAt.Add(s.cfg.RedeemedRetention))
		return nil
	})
	if err != nil {
		return err
	}

	if !s.cfg.DisableEviction {
		actor.ScheduleAt(s.rt, key, g.ExpiresAt.Add(s.cfg.EvictionGrace), s.evict)
	}
	return nil
}

// evict drops an expired grant that was never redeemed. Redeemed grants stay
// until their retention ends so replays remain detectable.
func (s *Service) evict(_ context.Context, st *actor.State[Grant]) error {
	g, ok := st.Get()
	if !ok || g.Redeemed || !g.Expired(s.now()) {
		return nil
	}
	st.Clear()
	return nil
}

// Redeem verifies verifier and marks the grant redeemed, returning its
// payload. A grant that was already redeemed yields ErrConsumed together
// with the stored grant so the caller can revoke what was issued from it.
// Expired grants and PKCE failures leave the grant untouched.
func (s *Service) Redeem(ctx context.Context, code, verifier string) (*Grant, error) {
	if code == "" {
		return nil, ErrNotFound
	}

	var out *Grant
	err := actor.Invoke(ctx, s.rt, Key(code), func(_ context.Context, st *actor.State[Grant]) error {
		g, ok := st.Get()
		if !ok {
			return ErrNotFound
		}
		if g.Redeemed {
			out = g.clone()
			return ErrConsumed
		}
		now := s.now()
		if g.Expired(now) {
			return ErrExpired
		}

		if g.CodeChallenge != "" {
			if err := VerifyPKCE(g.CodeChallenge, g.CodeChallengeMethod, verifier); err != nil {
				return err
			}
		} else if verifier != "" {
			// RFC 9700 4.8.2: a verifier without a registered challenge is a downgrade attempt.
			return fmt.Errorf("%w: code_verifier sent but no code_challenge was registered", ErrPKCEMismatch)
		}

		g.Redeemed = true
		g.RedeemedAt = now
		st.Set(g)
		st.Retain(laterOf(g.ExpiresAt, now).Add(s.cfg.RedeemedRetention))
		out = g.clone()
		return nil
	})
	if err != nil && !errors.Is(err, ErrConsumed) {
		return nil, err
	}
	return out, err
}

// IsValid reports whether code can still be redeemed. It never mutates.
func (s *Service) IsValid(ctx context.Context, code string) (bool, error) {
	g, err := s.Get(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.IsValid(s.now()), nil
}

// Get returns a copy of the stored grant.
func (s *Service) Get(ctx context.Context, code string) (*Grant, error) {
	var out *Grant
	err := actor.Invoke(ctx, s.rt, Key(code), func(_ context.Context, st *actor.State[Grant]) error {
		g, ok := st.Get()
		if !ok {
			return ErrNotFound
		}
		out = g.clone()
		return nil
	})
	return out, err
}

// RecordIssuance links a redeemed grant to the refresh token minted from it.
func (s *Service) RecordIssuance(ctx context.Context, code, refreshTokenHash string) error {
	return actor.Invoke(ctx, s.rt, Key(code), func(_ context.Context, st *actor.State[Grant]) error {
		g, ok := st.Get()
		if !ok {
			return ErrNotFound
		}
		if !g.Redeemed {
			return fmt.Errorf("%w: grant not redeemed", ErrInvalidGrant)
		}
		if g.RefreshTokenHash == refreshTokenHash {
			return nil
		}
		g.RefreshTokenHash = refreshTokenHash
		st.Set(g)
		return nil
	})
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
