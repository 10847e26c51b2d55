// Package store provides the durable local store: typed, versioned sqlite
// persistence for the record collections, the sync queue, the cache and
// application settings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	apperrors "github.com/healthguide/core/internal/errors"
	"github.com/healthguide/core/internal/logging"
	"github.com/healthguide/core/internal/models"
)

// DBFileName is the sqlite file created inside the data directory.
const DBFileName = "healthguide.db"

// timeFormat is a fixed-width UTC RFC 3339 layout so that lexicographic
// ordering of stored timestamps matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders a timestamp in the store's canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// ParseTime parses a timestamp stored by FormatTime. Zero time on empty.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Filter narrows a GetAll query via the collection's secondary indexes.
type Filter struct {
	OwnerID   string
	VitalType models.VitalType // vitals collection only
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the durable local store. A single instance is constructed by the
// application shell and passed to each collaborator; there is no implicit
// global.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the store under dataDir and applies any pending
// schema upgrades. A database persisted at a schema version higher than
// this build understands yields SCHEMA_ERROR; any engine-level failure
// yields STORAGE_UNAVAILABLE.
func Open(dataDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "create data directory", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, DBFileName))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open database", err)
	}

	// sqlite supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "configure database", err)
		}
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle to the queue and cache packages, which
// own the SQL for their collections.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// migrate applies pending schema upgrades, one transaction per version.
func (s *Store) migrate() error {
	var persisted int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&persisted); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "read schema version", err)
	}
	if persisted > SchemaVersion {
		return apperrors.New(apperrors.ErrSchema,
			fmt.Sprintf("database schema version %d is newer than supported version %d", persisted, SchemaVersion))
	}

	for _, up := range upgrades {
		if up.version <= persisted {
			continue
		}
		if err := s.applyUpgrade(up.version, up.script); err != nil {
			return apperrors.Wrap(apperrors.ErrStorageUnavailable,
				fmt.Sprintf("apply schema upgrade %d", up.version), err)
		}
		logging.Info("Applied schema upgrade", map[string]interface{}{
			"from": persisted,
			"to":   up.version,
		})
		persisted = up.version
	}
	return nil
}

func (s *Store) applyUpgrade(version int, script string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(script); err != nil {
		return err
	}
	// PRAGMA does not accept bind parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

// Put inserts or updates a record. A zero id inserts and assigns the next
// collection-scoped id; a nonzero id (for instance one assigned by the
// remote service) upserts in place. Timestamps are populated when unset.
func (s *Store) Put(ctx context.Context, collection models.Collection, rec *models.Record) (*models.Record, error) {
	if !collection.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", collection))
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "nil record")
	}

	stored := rec.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	if len(stored.Payload) == 0 {
		stored.Payload = json.RawMessage("{}")
	}

	if collection == models.CollectionVitals {
		return s.putVital(ctx, stored)
	}

	if stored.ID == 0 {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (owner_id, payload, created_at, updated_at, offline)
			 VALUES (?, ?, ?, ?, ?)`, collection),
			stored.OwnerID, string(stored.Payload),
			FormatTime(stored.CreatedAt), FormatTime(stored.UpdatedAt), stored.Offline)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "insert record", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "read inserted id", err)
		}
		stored.ID = id
		return stored, nil
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, owner_id, payload, created_at, updated_at, offline)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			offline = excluded.offline`, collection),
		stored.ID, stored.OwnerID, string(stored.Payload),
		FormatTime(stored.CreatedAt), FormatTime(stored.UpdatedAt), stored.Offline)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "upsert record", err)
	}
	return stored, nil
}

// putVital lifts vital_type and recorded_at out of the payload into the
// indexed columns.
func (s *Store) putVital(ctx context.Context, stored *models.Record) (*models.Record, error) {
	var vp models.VitalPayload
	// Best-effort: a payload that does not decode still persists, it is
	// just not reachable through the secondary index.
	_ = json.Unmarshal(stored.Payload, &vp)

	recordedAt := ""
	if !vp.RecordedAt.IsZero() {
		recordedAt = FormatTime(vp.RecordedAt)
	}

	if stored.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO vitals (owner_id, payload, created_at, updated_at, offline, vital_type, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			stored.OwnerID, string(stored.Payload),
			FormatTime(stored.CreatedAt), FormatTime(stored.UpdatedAt), stored.Offline,
			string(vp.VitalType), recordedAt)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "insert vital", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "read inserted id", err)
		}
		stored.ID = id
		return stored, nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vitals (id, owner_id, payload, created_at, updated_at, offline, vital_type, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			offline = excluded.offline,
			vital_type = excluded.vital_type,
			recorded_at = excluded.recorded_at`,
		stored.ID, stored.OwnerID, string(stored.Payload),
		FormatTime(stored.CreatedAt), FormatTime(stored.UpdatedAt), stored.Offline,
		string(vp.VitalType), recordedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "upsert vital", err)
	}
	return stored, nil
}

// Get retrieves a single record by id. NOT_FOUND if absent.
func (s *Store) Get(ctx context.Context, collection models.Collection, id int64) (*models.Record, error) {
	if !collection.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", collection))
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, owner_id, payload, created_at, updated_at, offline FROM %s WHERE id = ?`, collection), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %d not found in %s", id, collection))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "get record", err)
	}
	return rec, nil
}

// GetAll returns the collection's records, optionally filtered through its
// secondary indexes, in stable id order.
func (s *Store) GetAll(ctx context.Context, collection models.Collection, filter Filter) ([]*models.Record, error) {
	if !collection.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", collection))
	}

	query := fmt.Sprintf(`SELECT id, owner_id, payload, created_at, updated_at, offline FROM %s WHERE 1=1`, collection)
	args := []interface{}{}
	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if filter.VitalType != "" && collection == models.CollectionVitals {
		query += " AND vital_type = ?"
		args = append(args, string(filter.VitalType))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "list records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "list records", err)
	}
	return records, nil
}

// Delete removes a record by id. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, collection models.Collection, id int64) error {
	if !collection.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown collection %q", collection))
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, collection), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "delete record", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var payload, createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &rec.OwnerID, &payload, &createdAt, &updatedAt, &rec.Offline); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)

	var err error
	if rec.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}

// SetSetting stores a scalar in the app_settings area.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "set setting", err)
	}
	return nil
}

// GetSetting reads a scalar from the app_settings area. The second return
// is false when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrStorageUnavailable, "get setting", err)
	}
	return value, true, nil
}

const (
	settingLastSync = "lastSyncTimestamp"
	settingDeviceID = "deviceId"
)

// LastSyncTimestamp returns the persisted completion time of the last
// successful drain cycle, zero if none has run.
func (s *Store) LastSyncTimestamp(ctx context.Context) (time.Time, error) {
	value, ok, err := s.GetSetting(ctx, settingLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return ParseTime(value)
}

// SetLastSyncTimestamp persists the completion time of a drain cycle.
func (s *Store) SetLastSyncTimestamp(ctx context.Context, t time.Time) error {
	return s.SetSetting(ctx, settingLastSync, FormatTime(t))
}

// DeviceID returns this installation's stable identifier, generating and
// persisting one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, ok, err := s.GetSetting(ctx, settingDeviceID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.New().String()
	if err := s.SetSetting(ctx, settingDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// PutConflictLog persists a conflict resolution outcome.
func (s *Store) PutConflictLog(ctx context.Context, entry *models.ConflictLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.DetectedAt.IsZero() {
		entry.DetectedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_log (id, collection, record_id, local_timestamp, remote_timestamp, strategy, outcome, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Collection), entry.RecordID,
		FormatTime(entry.LocalTimestamp), FormatTime(entry.RemoteTimestamp),
		entry.Strategy, entry.Outcome, FormatTime(entry.DetectedAt))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "save conflict log", err)
	}
	return nil
}

// ConflictLogs returns the most recent conflict log rows, newest first.
func (s *Store) ConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection, record_id, local_timestamp, remote_timestamp, strategy, outcome, detected_at
		 FROM conflict_log ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "list conflict logs", err)
	}
	defer rows.Close()

	var entries []*models.ConflictLog
	for rows.Next() {
		var entry models.ConflictLog
		var collection, local, remote, detected string
		if err := rows.Scan(&entry.ID, &collection, &entry.RecordID, &local, &remote,
			&entry.Strategy, &entry.Outcome, &detected); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "scan conflict log", err)
		}
		entry.Collection = models.Collection(collection)
		if entry.LocalTimestamp, err = ParseTime(local); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "parse conflict log", err)
		}
		if entry.RemoteTimestamp, err = ParseTime(remote); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "parse conflict log", err)
		}
		if entry.DetectedAt, err = ParseTime(detected); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "parse conflict log", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
