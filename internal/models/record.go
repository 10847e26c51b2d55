// Package models provides data model definitions for the HealthGuide offline core.
package models

import (
	"encoding/json"
	"time"
)

// Collection identifies a named record collection in the durable store.
type Collection string

const (
	CollectionPrescriptions     Collection = "prescriptions"
	CollectionVitals            Collection = "vitals"
	CollectionReports           Collection = "reports"
	CollectionEmergencyContacts Collection = "emergency_contacts"
)

// RecordCollections lists every collection holding user records, in
// schema order.
var RecordCollections = []Collection{
	CollectionPrescriptions,
	CollectionVitals,
	CollectionReports,
	CollectionEmergencyContacts,
}

// Valid reports whether c names a known record collection.
func (c Collection) Valid() bool {
	for _, known := range RecordCollections {
		if c == known {
			return true
		}
	}
	return false
}

// SyncStatus is the derived sync state of a record. It is never stored;
// it is computed from the record's presence and outcome in the sync queue.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Record is a single domain entity stored in a named collection. The
// payload carries the collection-specific fields; the envelope carries
// what the store and sync engine need.
type Record struct {
	ID        int64           `db:"id" json:"id"`
	OwnerID   string          `db:"owner_id" json:"owner_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
	Offline   bool            `db:"offline" json:"offline"`
}

// EffectiveTimestamp returns UpdatedAt, falling back to CreatedAt when
// UpdatedAt was never set. Conflict comparison uses this value.
func (r *Record) EffectiveTimestamp() time.Time {
	if r.UpdatedAt.IsZero() {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

// PayloadMap decodes the payload into a generic field map.
func (r *Record) PayloadMap() (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(r.Payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(r.Payload, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	dup := *r
	if r.Payload != nil {
		dup.Payload = make(json.RawMessage, len(r.Payload))
		copy(dup.Payload, r.Payload)
	}
	return &dup
}
