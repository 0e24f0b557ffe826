package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/giantswarm/tenant-oauth/storage"
)

const (
	// DriverSQLite selects github.com/mattn/go-sqlite3.
	DriverSQLite = "sqlite"

	// DriverPostgres selects github.com/lib/pq.
	DriverPostgres = "postgres"
)

// Config describes the database connection.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string

	// DSN is the driver-specific data source name.
	DSN string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a bun-backed StateStore and ClientStore.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
	now    func() time.Time

	stopSweep chan struct{}
	stopOnce  sync.Once
}

var (
	_ storage.StateStore  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// Open connects to the configured database and wraps it in bun.
func Open(cfg Config) (*Store, error) {
	var (
		sqldb *sql.DB
		db    *bun.DB
		err   error
	)
	switch cfg.Driver {
	case DriverSQLite:
		sqldb, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		// sqlite allows one writer; a single connection also keeps
		// in-memory databases shared.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case DriverPostgres:
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return New(db, cfg.Logger), nil
}

// New wraps an existing bun database.
func New(db *bun.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:        db,
		logger:    logger,
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
}

// DB exposes the underlying bun database.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{(*entityStateRecord)(nil), (*clientRecord)(nil)}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create table: %w", err)
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*entityStateRecord)(nil)).
		Index("oauth_entity_states_expires_at_idx").
		IfNotExists().
		Column("expires_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: create index: %w", err)
	}
	return nil
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopSweep) })
	return s.db.Close()
}

// ============================================================
// StateStore Implementation
// ============================================================

// LoadState selects the record for key.
func (s *Store) LoadState(ctx context.Context, key string) (*storage.Record, error) {
	rec := &entityStateRecord{}
	err := s.db.NewSelect().Model(rec).Where("?TableAlias.state_key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load state: %w", err)
	}
	return &storage.Record{
		Key:       rec.StateKey,
		Data:      rec.Data,
		Version:   rec.Version,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// SaveState inserts (version 0) or conditionally updates the record.
func (s *Store) SaveState(ctx context.Context, rec *storage.Record) (int64, error) {
	if rec == nil || rec.Key == "" {
		return 0, fmt.Errorf("record key cannot be empty")
	}

	row := &entityStateRecord{
		StateKey:  rec.Key,
		Data:      rec.Data,
		Version:   rec.Version + 1,
		ExpiresAt: rec.ExpiresAt.UTC(),
		UpdatedAt: s.now().UTC(),
	}

	var (
		res sql.Result
		err error
	)
	if rec.Version == 0 {
		res, err = s.db.NewInsert().Model(row).On("CONFLICT (state_key) DO NOTHING").Exec(ctx)
	} else {
		res, err = s.db.NewUpdate().Model(row).
			Column("data", "version", "expires_at", "updated_at").
			Where("state_key = ?", rec.Key).
			Where("version = ?", rec.Version).
			Exec(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: save state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: save state: %w", err)
	}
	if affected == 0 {
		return 0, storage.ErrVersionConflict
	}
	return row.Version, nil
}

// DeleteState deletes the record if it is still at version.
func (s *Store) DeleteState(ctx context.Context, key string, version int64) error {
	res, err := s.db.NewDelete().Model((*entityStateRecord)(nil)).
		Where("state_key = ?", key).
		Where("version = ?", version).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: delete state: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	exists, err := s.db.NewSelect().Model((*entityStateRecord)(nil)).Where("state_key = ?", key).Exists(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: delete state: %w", err)
	}
	if exists {
		return storage.ErrVersionConflict
	}
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient upserts the client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.TenantID == "" || client.ClientID == "" {
		return fmt.Errorf("client tenant and id are required")
	}

	record := *client
	record.Secrets = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal client: %w", err)
	}

	row := &clientRecord{
		TenantID:  client.TenantID,
		ClientID:  client.ClientID,
		Data:      data,
		Secrets:   client.Secrets,
		UpdatedAt: s.now().UTC(),
	}
	_, err = s.db.NewInsert().Model(row).
		On("CONFLICT (tenant_id, client_id) DO UPDATE").
		Set("data = EXCLUDED.data").
		Set("secrets = EXCLUDED.secrets").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: save client: %w", err)
	}
	return nil
}

// GetClient loads the client with its secrets.
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	row := &clientRecord{}
	err := s.db.NewSelect().Model(row).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.client_id = ?", clientID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get client: %w", err)
	}

	var client storage.Client
	if err := json.Unmarshal(row.Data, &client); err != nil {
		return nil, fmt.Errorf("sqlstore: unmarshal client: %w", err)
	}
	client.Secrets = row.Secrets
	return &client, nil
}

// AddClientSecret replaces the client's secrets with secret.
func (s *Store) AddClientSecret(ctx context.Context, tenantID, clientID string, secret storage.ClientSecret) error {
	secrets, err := json.Marshal([]storage.ClientSecret{secret})
	if err != nil {
		return fmt.Errorf("sqlstore: marshal client secret: %w", err)
	}
	res, err := s.db.NewUpdate().Model((*clientRecord)(nil)).
		Set("secrets = ?", string(secrets)).
		Set("updated_at = ?", s.now().UTC()).
		Where("tenant_id = ?", tenantID).
		Where("client_id = ?", clientID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: add client secret: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return nil
}

// ============================================================
// Sweep
// ============================================================

// Sweep deletes state past its retention deadline.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().Model((*entityStateRecord)(nil)).
		Where("expires_at IS NOT NULL").
		Where("expires_at < ?", s.now().UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: sweep: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.Debug("Swept expired state", "removed", removed)
	}
	return removed, nil
}

// StartSweeper runs Sweep every interval until Close.
func (s *Store) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopSweep:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Warn("State sweep failed", "error", err)
				}
				cancel()
			}
		}
	}()
}
