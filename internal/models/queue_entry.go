package models

import (
	"encoding/json"
	"time"
)

// MaxRetries is the number of failed sync attempts after which a queue
// entry is excluded from active draining.
const MaxRetries = 3

// QueueEntry represents a pending outbound operation in the sync queue.
type QueueEntry struct {
	ID         int64           `db:"id" json:"id"`
	Action     Action          `db:"action" json:"action"`
	Data       json.RawMessage `db:"data" json:"data"`
	EnqueuedAt time.Time       `db:"enqueued_at" json:"enqueued_at"`
	Priority   int             `db:"priority" json:"priority"`
	Synced     bool            `db:"synced" json:"synced"`
	SyncedAt   *time.Time      `db:"synced_at" json:"synced_at,omitempty"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "sync_queue"
}

// Exhausted reports whether the entry has used up its retry budget.
func (e *QueueEntry) Exhausted() bool {
	return e.RetryCount >= MaxRetries
}
