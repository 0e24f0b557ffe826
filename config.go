package oauth

import (
	"log/slog"
	"time"

	"github.com/giantswarm/tenant-oauth/instrumentation"
	"github.com/giantswarm/tenant-oauth/server"
)

// Storage drivers accepted in StorageConfig.Driver.
const (
	StorageMemory   = "memory"
	StorageValkey   = "valkey"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config holds the OAuth service configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Server holds issuer, lifetimes and PKCE policy
	Server server.Config

	// Storage selects where entity state and clients live
	Storage StorageConfig

	// Instrumentation configures OpenTelemetry metrics and tracing
	Instrumentation instrumentation.Config

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	// Driver is "memory" (default), "valkey", "sqlite" or "postgres".
	Driver string

	// Address is the Valkey server address, e.g. "localhost:6379".
	Address string

	// Password is the optional Valkey AUTH password.
	Password string

	// DB is the Valkey database number.
	DB int

	// KeyPrefix is prepended to every Valkey key. Default: "oauth:".
	KeyPrefix string

	// DisableClientCache turns off Valkey client-side caching for servers
	// without CLIENT TRACKING support.
	DisableClientCache bool

	// DSN is the SQL data source name for the sqlite and postgres drivers.
	DSN string

	// SweepInterval is how often expired entity state is removed.
	// Valkey expires keys itself and ignores this.
	// Default: 1 minute
	SweepInterval time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is token endpoint requests per second allowed per client. Zero
	// disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per client.
	Burst int

	// SecurityEventRate bounds how many warnings per second a repeated
	// security event may log. Zero logs every event.
	SecurityEventRate int

	// SecurityEventBurst is the burst allowed for security event logging.
	SecurityEventBurst int
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for entity state at rest.
	// Nil disables encryption. Generate with security.GenerateKey().
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs grant, token and key events and violations (user ids hashed).
	EnableAuditLogging bool
}

// applyDefaults fills unset storage and rate limit values.
func applyDefaults(cfg *Config) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageMemory
	}
	if cfg.Storage.SweepInterval <= 0 {
		cfg.Storage.SweepInterval = time.Minute
	}
	if cfg.RateLimit.Rate > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.Rate * 2
	}
	if cfg.RateLimit.SecurityEventRate > 0 && cfg.RateLimit.SecurityEventBurst <= 0 {
		cfg.RateLimit.SecurityEventBurst = cfg.RateLimit.SecurityEventRate
	}
}
