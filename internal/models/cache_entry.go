package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a time-expiring key-value row in the cache_metadata
// collection. Expired entries are deleted lazily on read.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data" json:"data"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt time.Time       `db:"expires_at" json:"expires_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_metadata"
}

// Expired reports whether the entry has reached its expiry at the given
// time. An entry is already expired at the expiry instant itself.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
