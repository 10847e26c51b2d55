// Package events provides the typed publish/subscribe channel through which
// the offline core notifies UI collaborators. The event set is closed:
// consumers switch over the variants below instead of comparing event-name
// strings.
package events

import "time"

// Event is the closed set of notifications emitted by the core.
type Event interface {
	event()
}

// ConnectionRestored is published when connectivity returns, after the
// stabilization delay.
type ConnectionRestored struct {
	At time.Time
}

// ConnectionLost is published on an online-to-offline transition.
type ConnectionLost struct {
	At time.Time
}

// SyncCompleted is published at the end of a drain cycle.
type SyncCompleted struct {
	Synced int
	Failed int
	At     time.Time
}

// ItemsFailed is published when queue entries have exhausted their retry
// budget and remain durably unsynced.
type ItemsFailed struct {
	Count int
}

// ConflictFallback is published when user-choice conflict resolution has
// silently fallen back to timestamp comparison for the same record more
// times than the configured limit.
type ConflictFallback struct {
	Collection string
	RecordID   int64
	Fallbacks  int
}

func (ConnectionRestored) event() {}
func (ConnectionLost) event()     {}
func (SyncCompleted) event()      {}
func (ItemsFailed) event()        {}
func (ConflictFallback) event()   {}
