package models

import "time"

// ConflictLog records a resolved divergence between a local and a remote
// version of the same logical record, for user awareness and diagnostics.
type ConflictLog struct {
	ID              string     `db:"id" json:"id"`
	Collection      Collection `db:"collection" json:"collection"`
	RecordID        int64      `db:"record_id" json:"record_id"`
	LocalTimestamp  time.Time  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp time.Time  `db:"remote_timestamp" json:"remote_timestamp"`
	Strategy        string     `db:"strategy" json:"strategy"`
	Outcome         string     `db:"outcome" json:"outcome"` // local_wins, remote_wins, merged
	DetectedAt      time.Time  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}
