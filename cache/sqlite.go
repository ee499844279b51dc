package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage keeps all stores in one SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens the storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	// entries.stored_at is in unix nanoseconds
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize sqlite: %w", err)
		}
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	if err != nil {
		storeErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	return &SQLiteCache{db: s.db, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type SQLiteCache struct {
	db   *sql.DB
	name string
}

func (s *SQLiteCache) Name() string {
	return s.name
}

func (s *SQLiteCache) All(ctx context.Context, prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	lo, hi := keyRange(prefix)
	rows, err := s.db.QueryContext(ctx, `SELECT key, stored_at, bytes
		FROM entries WHERE store = ? AND key >= ? AND key < ?`, s.name, lo, hi)
	if err != nil {
		storeErrors.WithLabelValues("get").Inc()
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &storedAt, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.StoredAt = time.Unix(0, storedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteCache) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Key: key}
	var storedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE store = ? AND key = ?", s.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return entry, false, nil
	}
	if err != nil {
		storeErrors.WithLabelValues("get").Inc()
		return entry, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (s *SQLiteCache) Put(ctx context.Context, entry CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(store, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		s.name, entry.Key, entry.StoredAt.UnixNano(), entry.Bytes)
	if err != nil {
		storeErrors.WithLabelValues("put").Inc()
	}
	return err
}

func (s *SQLiteCache) Purge(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE store = ? AND key = ?", s.name, key)
	if err != nil {
		storeErrors.WithLabelValues("purge").Inc()
	}
	return err
}

func (s *SQLiteCache) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM entries WHERE store = ? AND key = ?", s.name, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteCache) AllKeys(ctx context.Context, prefix string, cb func(string)) error {
	lo, hi := keyRange(prefix)
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE store = ? AND key >= ? AND key < ? ORDER BY key",
		s.name, lo, hi)
	if err != nil {
		return err
	}
	// collect first, the single connection is busy while rows are open
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

// keyRange returns the bounds of all keys starting with prefix.
// LIKE is not used since it is case-insensitive and URLs are full of its wildcards.
// 0xff never occurs in UTF-8, so it sorts after every continuation of the prefix.
func keyRange(prefix string) (string, string) {
	return prefix, prefix + "\xff"
}
