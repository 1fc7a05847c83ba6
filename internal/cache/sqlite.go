package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists artifacts in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
}

// OpenSQLite creates or opens the cache database at dir/cache.db.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	dbPath := filepath.Join(dir, "cache.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA cache_size = -16000", // 16MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// DBPath returns the path to the database file.
func (s *SQLiteStore) DBPath() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM artifacts
		WHERE module = ? AND kind = ? AND name = ?
	`, key.Module, string(key.Kind), key.Name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (module, kind, name, data, size, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(module, kind, name) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			stored_at = excluded.stored_at
	`, key.Module, string(key.Kind), key.Name, data, len(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Has(ctx context.Context, key Key) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM artifacts
		WHERE module = ? AND kind = ? AND name = ?
	`, key.Module, string(key.Kind), key.Name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("probing %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts WHERE module = ? AND kind = ? AND name = ?
	`, key.Module, string(key.Kind), key.Name)
	return err
}

// ClearModule removes every artifact of module.
func (s *SQLiteStore) ClearModule(ctx context.Context, module string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE module = ?", module); err != nil {
		return fmt.Errorf("clearing module %s: %w", module, err)
	}
	return nil
}

// SetMetadata stores a key-value pair in the metadata table.
func (s *SQLiteStore) SetMetadata(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetMetadata retrieves a value from the metadata table.
func (s *SQLiteStore) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	return value, err
}

// Stats holds statistics about the stored artifacts.
type Stats struct {
	Artifacts int            `json:"artifacts"`
	Bytes     int64          `json:"bytes"`
	ByKind    map[string]int `json:"by_kind"`
}

// GetStats returns statistics about the stored artifacts.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	stats := &Stats{ByKind: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*), COALESCE(SUM(size), 0) FROM artifacts GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("counting artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind  string
			n     int
			bytes int64
		)
		if err := rows.Scan(&kind, &n, &bytes); err != nil {
			return nil, fmt.Errorf("scanning artifact counts: %w", err)
		}
		stats.ByKind[kind] = n
		stats.Artifacts += n
		stats.Bytes += bytes
	}
	return stats, rows.Err()
}

// BeginBatch starts a transaction for batch writes.
// Call Commit() when done, or Rollback() on error.
func (s *SQLiteStore) BeginBatch(ctx context.Context) (*BatchTx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &BatchTx{tx: tx}, nil
}

// BatchTx wraps a transaction for batch operations.
type BatchTx struct {
	tx *sql.Tx
}

// Commit commits the batch transaction.
func (b *BatchTx) Commit() error {
	return b.tx.Commit()
}

// Rollback rolls back the batch transaction.
func (b *BatchTx) Rollback() error {
	return b.tx.Rollback()
}

// Put writes an artifact within the batch.
func (b *BatchTx) Put(ctx context.Context, key Key, data []byte) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO artifacts (module, kind, name, data, size, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(module, kind, name) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			stored_at = excluded.stored_at
	`, key.Module, string(key.Kind), key.Name, data, len(data), time.Now().UTC().Format(time.RFC3339))
	return err
}
