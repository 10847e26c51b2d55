// Package queue provides the durable sync queue: the ordered list of
// pending outbound operations awaiting transmission to the remote service.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/healthguide/core/internal/errors"
	"github.com/healthguide/core/internal/logging"
	"github.com/healthguide/core/internal/models"
	"github.com/healthguide/core/internal/store"
)

// Queue is the durable sync queue over the store's sync_queue collection.
type Queue struct {
	store *store.Store
}

// New creates a Queue over the given store.
func New(s *store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue appends an operation and returns its queue-scoped id. Higher
// priority drains first; within equal priority, enqueue order holds.
func (q *Queue) Enqueue(ctx context.Context, action models.Action, data json.RawMessage, priority int) (int64, error) {
	if !action.Valid() {
		return 0, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown action %q", action))
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	res, err := q.store.DB().ExecContext(ctx,
		`INSERT INTO sync_queue (action, data, enqueued_at, priority) VALUES (?, ?, ?, ?)`,
		string(action), string(data), store.FormatTime(q.store.Now()), priority)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "enqueue operation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "read enqueued id", err)
	}

	logging.Debug("Enqueued operation", map[string]interface{}{
		"id": id, "action": string(action), "priority": priority,
	})
	return id, nil
}

// ListPending returns unsynced entries with remaining retry budget, ordered
// by priority descending then enqueue time ascending. The ordering is a
// contract: an emergency alert enqueued after routine writes still drains
// first.
func (q *Queue) ListPending(ctx context.Context) ([]*models.QueueEntry, error) {
	return q.list(ctx,
		`SELECT id, action, data, enqueued_at, priority, synced, synced_at, retry_count, last_error
		 FROM sync_queue
		 WHERE synced = 0 AND retry_count < ?
		 ORDER BY priority DESC, enqueued_at ASC, id ASC`, models.MaxRetries)
}

// ListFailed returns entries whose retry budget is exhausted. They are no
// longer drained but stay queryable for diagnostics until purged.
func (q *Queue) ListFailed(ctx context.Context) ([]*models.QueueEntry, error) {
	return q.list(ctx,
		`SELECT id, action, data, enqueued_at, priority, synced, synced_at, retry_count, last_error
		 FROM sync_queue
		 WHERE synced = 0 AND retry_count >= ?
		 ORDER BY enqueued_at ASC, id ASC`, models.MaxRetries)
}

// CountPending returns the number of entries ListPending would return.
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	var n int
	err := q.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE synced = 0 AND retry_count < ?`, models.MaxRetries).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "count pending", err)
	}
	return n, nil
}

// Get returns a single entry by id, synced or not.
func (q *Queue) Get(ctx context.Context, id int64) (*models.QueueEntry, error) {
	entries, err := q.list(ctx,
		`SELECT id, action, data, enqueued_at, priority, synced, synced_at, retry_count, last_error
		 FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue entry %d not found", id))
	}
	return entries[0], nil
}

// MarkSynced records a successful transmission. A synced entry is final:
// marking it again, or failing it afterwards, is a no-op.
func (q *Queue) MarkSynced(ctx context.Context, id int64) error {
	_, err := q.store.DB().ExecContext(ctx,
		`UPDATE sync_queue SET synced = 1, synced_at = ? WHERE id = ? AND synced = 0`,
		store.FormatTime(q.store.Now()), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "mark synced", err)
	}
	return nil
}

// MarkFailed increments the entry's retry count and records the failure
// reason. The entry is retried by a later drain cycle until the retry
// budget runs out.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := q.store.DB().ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ? AND synced = 0`,
		reason, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "mark failed", err)
	}
	return nil
}

// MarkFailedPermanent exhausts the entry's retry budget in one step, for
// failures that cannot succeed on retry (for example an unknown action
// tag). The entry stays queryable through ListFailed.
func (q *Queue) MarkFailedPermanent(ctx context.Context, id int64, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := q.store.DB().ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = ?, last_error = ? WHERE id = ? AND synced = 0`,
		models.MaxRetries, reason, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "mark failed permanent", err)
	}
	return nil
}

// PurgeOlderThan removes entries enqueued more than the given number of
// days ago. With onlySynced, unsynced entries (including retry-exhausted
// ones) are retained for diagnostics.
func (q *Queue) PurgeOlderThan(ctx context.Context, days int, onlySynced bool) (int64, error) {
	cutoff := store.FormatTime(q.store.Now().AddDate(0, 0, -days))

	query := `DELETE FROM sync_queue WHERE enqueued_at < ?`
	if onlySynced {
		query += ` AND synced = 1`
	}
	res, err := q.store.DB().ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "purge queue", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "purge queue", err)
	}
	if purged > 0 {
		logging.Info("Purged queue entries", map[string]interface{}{
			"purged": purged, "older_than_days": days, "only_synced": onlySynced,
		})
	}
	return purged, nil
}

func (q *Queue) list(ctx context.Context, query string, args ...interface{}) ([]*models.QueueEntry, error) {
	rows, err := q.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "list queue entries", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "scan queue entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "list queue entries", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	var action, data, enqueuedAt string
	var syncedAt sql.NullString
	if err := rows.Scan(&entry.ID, &action, &data, &enqueuedAt, &entry.Priority,
		&entry.Synced, &syncedAt, &entry.RetryCount, &entry.LastError); err != nil {
		return nil, err
	}
	entry.Action = models.Action(action)
	entry.Data = json.RawMessage(data)

	var err error
	if entry.EnqueuedAt, err = store.ParseTime(enqueuedAt); err != nil {
		return nil, fmt.Errorf("parse enqueued_at: %w", err)
	}
	if syncedAt.Valid && syncedAt.String != "" {
		var t time.Time
		if t, err = store.ParseTime(syncedAt.String); err != nil {
			return nil, fmt.Errorf("parse synced_at: %w", err)
		}
		entry.SyncedAt = &t
	}
	return &entry, nil
}
