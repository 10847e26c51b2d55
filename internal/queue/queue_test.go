package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/healthguide/core/internal/errors"
	"github.com/healthguide/core/internal/models"
	"github.com/healthguide/core/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := store.Open(t.TempDir(), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), clock
}

func TestEnqueueAssignsIDs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, models.ActionAddVital, json.RawMessage(`{"value":"72"}`), 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(ctx, models.ActionAddVital, nil, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if second <= first {
		t.Errorf("queue ids not increasing: %d then %d", first, second)
	}

	entry, err := q.Get(ctx, second)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(entry.Data) != "{}" {
		t.Errorf("nil data not defaulted: %s", entry.Data)
	}
}

func TestEnqueueRejectsUnknownAction(t *testing.T) {
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(context.Background(), "sync_memo", nil, 0); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestListPendingOrdering(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	// routine writes first, then an emergency alert
	routine1, _ := q.Enqueue(ctx, models.ActionAddVital, nil, 0)
	clock.Advance(time.Second)
	routine2, _ := q.Enqueue(ctx, models.ActionAddPrescription, nil, 0)
	clock.Advance(time.Second)
	alert, _ := q.Enqueue(ctx, models.ActionEmergencyAlert, nil, 10)

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	want := []int64{alert, routine1, routine2}
	for i, entry := range pending {
		if entry.ID != want[i] {
			t.Errorf("position %d: id %d, want %d", i, entry.ID, want[i])
		}
	}
}

func TestMarkSyncedIsFinal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, models.ActionAddReport, nil, 0)
	if err := q.MarkSynced(ctx, id); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	entry, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !entry.Synced || entry.SyncedAt == nil {
		t.Fatalf("entry not marked synced: %+v", entry)
	}
	firstSyncedAt := *entry.SyncedAt

	// neither a repeat mark nor a late failure changes a synced entry
	if err := q.MarkSynced(ctx, id); err != nil {
		t.Fatalf("repeat MarkSynced failed: %v", err)
	}
	if err := q.MarkFailed(ctx, id, errors.New("late failure")); err != nil {
		t.Fatalf("late MarkFailed failed: %v", err)
	}

	entry, _ = q.Get(ctx, id)
	if !entry.SyncedAt.Equal(firstSyncedAt) || entry.RetryCount != 0 || entry.LastError != "" {
		t.Errorf("synced entry mutated: %+v", entry)
	}

	pending, _ := q.ListPending(ctx)
	if len(pending) != 0 {
		t.Errorf("synced entry still pending")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, models.ActionAddVital, nil, 0)

	for i := 0; i < models.MaxRetries; i++ {
		pending, err := q.ListPending(ctx)
		if err != nil {
			t.Fatalf("ListPending failed: %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("attempt %d: expected entry still pending", i)
		}
		if err := q.MarkFailed(ctx, id, errors.New("remote unavailable")); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	pending, _ := q.ListPending(ctx)
	if len(pending) != 0 {
		t.Error("exhausted entry still pending")
	}

	failed, err := q.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed entry, got %d", len(failed))
	}
	if failed[0].RetryCount != models.MaxRetries || failed[0].LastError != "remote unavailable" {
		t.Errorf("failed entry state: %+v", failed[0])
	}
	if !failed[0].Exhausted() {
		t.Error("Exhausted() false for exhausted entry")
	}
}

func TestMarkFailedPermanent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, models.ActionDeleteRecord, nil, 0)
	if err := q.MarkFailedPermanent(ctx, id, errors.New("malformed entry")); err != nil {
		t.Fatalf("MarkFailedPermanent failed: %v", err)
	}

	pending, _ := q.ListPending(ctx)
	if len(pending) != 0 {
		t.Error("permanently failed entry still pending")
	}
	failed, _ := q.ListFailed(ctx)
	if len(failed) != 1 || failed[0].LastError != "malformed entry" {
		t.Errorf("failed list: %+v", failed)
	}
}

func TestCountPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	n, err := q.CountPending(ctx)
	if err != nil || n != 0 {
		t.Fatalf("CountPending = %d, %v", n, err)
	}

	id, _ := q.Enqueue(ctx, models.ActionAddVital, nil, 0)
	q.Enqueue(ctx, models.ActionAddReport, nil, 0)

	if n, _ = q.CountPending(ctx); n != 2 {
		t.Errorf("CountPending = %d, want 2", n)
	}

	q.MarkSynced(ctx, id)
	if n, _ = q.CountPending(ctx); n != 1 {
		t.Errorf("CountPending after sync = %d, want 1", n)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	oldSynced, _ := q.Enqueue(ctx, models.ActionAddVital, nil, 0)
	oldUnsynced, _ := q.Enqueue(ctx, models.ActionAddReport, nil, 0)
	q.MarkSynced(ctx, oldSynced)

	clock.Advance(10 * 24 * time.Hour)
	fresh, _ := q.Enqueue(ctx, models.ActionAddVital, nil, 0)
	q.MarkSynced(ctx, fresh)

	t.Run("OnlySynced", func(t *testing.T) {
		purged, err := q.PurgeOlderThan(ctx, 7, true)
		if err != nil {
			t.Fatalf("PurgeOlderThan failed: %v", err)
		}
		if purged != 1 {
			t.Errorf("purged %d entries, want 1", purged)
		}
		// the old unsynced entry is kept for diagnostics
		if _, err := q.Get(ctx, oldUnsynced); err != nil {
			t.Errorf("unsynced entry purged: %v", err)
		}
		// the fresh synced entry is within the window
		if _, err := q.Get(ctx, fresh); err != nil {
			t.Errorf("fresh entry purged: %v", err)
		}
	})

	t.Run("All", func(t *testing.T) {
		purged, err := q.PurgeOlderThan(ctx, 7, false)
		if err != nil {
			t.Fatalf("PurgeOlderThan failed: %v", err)
		}
		if purged != 1 {
			t.Errorf("purged %d entries, want 1", purged)
		}
		if _, err := q.Get(ctx, oldUnsynced); !apperrors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("old unsynced entry survived full purge: %v", err)
		}
	})
}
