// Package sqlite is a SQLite-backed replay cache for completed outcomes.
package sqlite

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/genroute/pkg/models"
)

// Cache replays successful outcomes by idempotency key until they expire.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS outcome_entries (
	key_hash TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	outcome BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ttl_seconds INTEGER NOT NULL
);
`

// New creates a Cache with the given database path and TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

// HashKey computes a SHA-256 hash of an idempotency key.
func HashKey(key string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(key)))
}

// Get returns the cached outcome for key, if present and not expired.
func (c *Cache) Get(key string) (models.DispatchOutcome, bool) {
	var data []byte
	var createdAt time.Time
	var ttlSeconds int64

	err := c.db.QueryRow(
		`SELECT outcome, created_at, ttl_seconds FROM outcome_entries WHERE key_hash = ?`,
		HashKey(key),
	).Scan(&data, &createdAt, &ttlSeconds)
	if err != nil {
		c.misses.Add(1)
		return models.DispatchOutcome{}, false
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	if time.Since(createdAt) > ttl {
		c.misses.Add(1)
		return models.DispatchOutcome{}, false
	}

	var out models.DispatchOutcome
	if err := json.Unmarshal(data, &out); err != nil {
		c.misses.Add(1)
		return models.DispatchOutcome{}, false
	}
	c.hits.Add(1)
	return out, true
}

// Put stores an outcome under key.
func (c *Cache) Put(key string, outcome models.DispatchOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO outcome_entries (key_hash, idempotency_key, outcome, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?)`,
		HashKey(key), key, data, time.Now().UTC(), int64(c.ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats() (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM outcome_entries`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(expiredOnly bool) error {
	var query string
	if expiredOnly {
		query = `DELETE FROM outcome_entries WHERE (julianday('now') - julianday(created_at)) * 86400 > ttl_seconds`
	} else {
		query = `DELETE FROM outcome_entries`
	}
	if _, err := c.db.Exec(query); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
