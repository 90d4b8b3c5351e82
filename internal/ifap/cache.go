package ifap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Cache is a local, condensed-Index store keyed by folder, letting a
// cold engine seed its Index from the last known state instead of
// performing a full reverse scan — the same convergence guarantee a
// server-side snapshot gives (spec §4.7), applied to a local disk
// cache so a client doesn't even need the server round-trip to resume
// where it left off.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (creating if necessary) a sqlite3 database at path
// for use as an Index cache.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	return NewCache(db)
}

// NewCache wraps an already-open *sql.DB (tests use
// modernc.org/sqlite's pure-Go driver over ":memory:" instead),
// creating its table if needed.
func NewCache(db *sql.DB) (*Cache, error) {
	const ddl = `
CREATE TABLE IF NOT EXISTS ifap_index_cache (
	folder_key TEXT PRIMARY KEY,
	snapshot   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &Cache{db: db}, nil
}

// Save stores idx's condensed state under folderKey, overwriting any
// previous entry.
func (c *Cache) Save(ctx context.Context, folderKey string, idx *Index) error {
	payload, err := MaterializeSnapshot(idx)
	if err != nil {
		return fmt.Errorf("materialize for cache: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO ifap_index_cache (folder_key, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(folder_key) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		folderKey, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	return nil
}

// Load seeds idx from folderKey's cached state, if any. Returns false
// if no cache entry exists yet; the caller should then fall back to a
// full Synchronize.
func (c *Cache) Load(ctx context.Context, folderKey string, idx *Index) (bool, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT snapshot FROM ifap_index_cache WHERE folder_key = ?`, folderKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load cache: %w", err)
	}
	wire, err := decodeSnapshot(payload)
	if err != nil {
		return false, fmt.Errorf("decode cached snapshot: %w", err)
	}
	adoptSnapshot(idx, wire)
	return true, nil
}

// Clear removes folderKey's cached state. The engine does not call it;
// a UIDVALIDITY change reaches the engine as a backend error.
func (c *Cache) Clear(ctx context.Context, folderKey string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM ifap_index_cache WHERE folder_key = ?`, folderKey)
	return err
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
