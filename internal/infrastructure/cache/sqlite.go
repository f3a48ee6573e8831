package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harmlens/backend/internal/domain"
)

// sqliteTimeLayout is fixed-width so expires_at compares correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteCache stores entries in the analysis_cache table. The table is
// created by the knowledge-base migrations, so the handle is usually the
// knowledge-base store's DB().
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteCache wraps an open database that already has the
// analysis_cache table.
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db, now: time.Now}
}

// Get retrieves an entry, returning domain.ErrCacheMiss when absent or expired
func (c *SQLiteCache) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	var (
		data      string
		expiresAt sql.NullString
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT entry, expires_at FROM analysis_cache WHERE cache_key = ?", key,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache: %w", err)
	}

	if c.expired(expiresAt) {
		return nil, domain.ErrCacheMiss
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("decoding cache entry: %w", err)
	}
	return &entry, nil
}

// Set upserts an entry. A ttl <= 0 keeps it until deleted.
func (c *SQLiteCache) Set(ctx context.Context, key string, entry *domain.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	now := c.now().UTC()
	var expiresAt sql.NullString
	if ttl > 0 {
		expiresAt = sql.NullString{String: now.Add(ttl).Format(sqliteTimeLayout), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO analysis_cache (cache_key, entry, written_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			entry = excluded.entry,
			written_at = excluded.written_at,
			expires_at = excluded.expires_at`,
		key, string(data), now.Format(sqliteTimeLayout), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

// Delete removes a key
func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM analysis_cache WHERE cache_key = ?", key); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// Exists reports whether an unexpired entry is stored under key
func (c *SQLiteCache) Exists(ctx context.Context, key string) (bool, error) {
	var expiresAt sql.NullString
	err := c.db.QueryRowContext(ctx,
		"SELECT expires_at FROM analysis_cache WHERE cache_key = ?", key,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying cache: %w", err)
	}
	return !c.expired(expiresAt), nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (c *SQLiteCache) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM analysis_cache WHERE expires_at IS NOT NULL AND expires_at < ?",
		c.now().UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purging cache: %w", err)
	}
	return res.RowsAffected()
}

func (c *SQLiteCache) expired(expiresAt sql.NullString) bool {
	if !expiresAt.Valid {
		return false
	}
	t, err := time.Parse(sqliteTimeLayout, expiresAt.String)
	if err != nil {
		return true
	}
	return c.now().After(t)
}
