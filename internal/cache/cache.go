// Package cache provides a time-expiring key-value layer over the durable
// store's cache_metadata collection. The cache is best-effort: store-level
// failures surface as misses, never as errors.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/healthguide/core/internal/errors"
	"github.com/healthguide/core/internal/logging"
	"github.com/healthguide/core/internal/models"
	"github.com/healthguide/core/internal/store"
)

// Cache is a TTL cache for ephemeral derived data.
type Cache struct {
	store *store.Store
}

// New creates a Cache over the given store.
func New(s *store.Store) *Cache {
	return &Cache{store: s}
}

// Set writes data under key, replacing any existing entry. The entry
// expires ttl from now; a non-positive ttl produces an entry that is
// already expired and will miss on the next Get.
func (c *Cache) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	now := c.store.Now()
	entry := models.CacheEntry{
		Key:       key,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if len(entry.Data) == 0 {
		entry.Data = json.RawMessage("null")
	}

	_, err := c.store.DB().ExecContext(ctx,
		`INSERT INTO cache_metadata (key, data, created_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		entry.Key, string(entry.Data), store.FormatTime(entry.CreatedAt), store.FormatTime(entry.ExpiresAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "set cache entry", err)
	}
	return nil
}

// Get returns the cached data for key. The second return is false on a
// miss: absent key, expired entry (which is deleted on the way out), or
// any store failure.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	var data, expiresAt string
	err := c.store.DB().QueryRowContext(ctx,
		`SELECT data, expires_at FROM cache_metadata WHERE key = ?`, key).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		logging.Warn("Cache read failed, treating as miss", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
		return nil, false
	}

	expiry, err := store.ParseTime(expiresAt)
	if err != nil || !c.store.Now().Before(expiry) {
		// lazy expiration
		c.Delete(ctx, key)
		return nil, false
	}
	return json.RawMessage(data), true
}

// Delete removes the entry for key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) {
	if _, err := c.store.DB().ExecContext(ctx, `DELETE FROM cache_metadata WHERE key = ?`, key); err != nil {
		logging.Warn("Cache delete failed", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
}

// Sweep deletes all expired entries and returns how many were removed.
// Correctness does not depend on it; the GC loop calls it for space
// reclamation.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	res, err := c.store.DB().ExecContext(ctx,
		`DELETE FROM cache_metadata WHERE expires_at <= ?`, store.FormatTime(c.store.Now()))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "sweep cache", err)
	}
	return res.RowsAffected()
}
