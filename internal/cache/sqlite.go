package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// sqliteSchema is the durable tier's table definition.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	compressed  INTEGER NOT NULL DEFAULT 0,
	size        INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

// SQLiteStoreConfig contains configuration for the SQLite durable store.
type SQLiteStoreConfig struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait when the database is locked.
	// Default 5s.
	BusyTimeout time.Duration
}

// sqliteStore implements Store on a local SQLite database in WAL mode.
type sqliteStore struct {
	db     *sql.DB
	logger observability.Logger
}

// NewSQLiteStore creates a SQLite-backed durable store.
func NewSQLiteStore(cfg SQLiteStoreConfig, logger observability.Logger) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeout.Milliseconds()),
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure cache database: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	logger.Info("sqlite cache store initialized",
		observability.String("path", cfg.Path),
	)

	return &sqliteStore{db: db, logger: logger}, nil
}

// Put implements Store.
func (s *sqliteStore) Put(ctx context.Context, entry *Entry) error {
	if err := validateKey(entry.Key); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, payload, compressed, size, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Key,
		entry.Payload,
		boolToInt(entry.Compressed),
		len(entry.Payload),
		entry.CreatedAt.UnixMilli(),
		entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Get implements Store. Expired entries are deleted lazily and reported as
// missing.
func (s *sqliteStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload, compressed, created_at, expires_at FROM cache_entries WHERE key = ?`, key)

	var (
		payload            []byte
		compressed         int
		createdAt, expires int64
	)
	if err := row.Scan(&payload, &compressed, &createdAt, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryMissing
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	expiresAt := time.UnixMilli(expires)
	if time.Now().After(expiresAt) {
		_ = s.Delete(ctx, key)
		return nil, ErrEntryMissing
	}

	return &Entry{
		Key:        key,
		Payload:    payload,
		Compressed: compressed != 0,
		CreatedAt:  time.UnixMilli(createdAt),
		ExpiresAt:  expiresAt,
	}, nil
}

// Delete implements Store.
func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// SweepExpired implements Store.
func (s *sqliteStore) SweepExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired cache entries: %w", err)
	}

	swept, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(swept), nil
}

// Close implements Store.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
