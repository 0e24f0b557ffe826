package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/tenant-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys.
	DefaultKeyPrefix = "oauth:"

	// MaxStateSize bounds a single serialized entity state.
	MaxStateSize = 256 * 1024

	connectionVerifyTimeout = 5 * time.Second
)

// ErrStateTooLarge is returned when a record exceeds MaxStateSize.
var ErrStateTooLarge = errors.New("state exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional AUTH password.
	Password string

	// DB is the database number.
	DB int

	// KeyPrefix is prepended to every key. Default "oauth:".
	KeyPrefix string

	// TLS enables encrypted connections when set.
	TLS *tls.Config

	// DisableClientCache turns off client-side caching, which needs
	// CLIENT TRACKING support on the server.
	DisableClientCache bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a Valkey-backed StateStore and ClientStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var (
	_ storage.StateStore  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New connects to Valkey and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress:  []string{cfg.Address},
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		TLSConfig:    cfg.TLS,
		DisableCache: cfg.DisableClientCache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage", "address", cfg.Address, "db", cfg.DB, "prefix", prefix)

	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close closes the client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Store) stateKey(key string) string {
	return s.prefix + "state:" + key
}

func (s *Store) clientKey(tenantID, clientID string) string {
	return s.prefix + "client:" + tenantID + ":" + clientID
}
