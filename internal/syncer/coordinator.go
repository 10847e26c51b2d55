// Package syncer provides the synchronization coordinator: the state
// machine that drains the sync queue, invokes the remote service, resolves
// conflicts and writes reconciled records back to the store.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/healthguide/core/internal/conflict"
	apperrors "github.com/healthguide/core/internal/errors"
	"github.com/healthguide/core/internal/events"
	"github.com/healthguide/core/internal/logging"
	"github.com/healthguide/core/internal/models"
	"github.com/healthguide/core/internal/queue"
	"github.com/healthguide/core/internal/store"
)

// DefaultBatchSize is the number of queue entries dispatched concurrently.
const DefaultBatchSize = 5

// CycleResult summarizes one drain cycle.
type CycleResult struct {
	Processed int
	Synced    int
	Failed    int
	Batches   int
	StartedAt time.Time
	EndedAt   time.Time
}

// Coordinator drives the end-to-end reconciliation loop. At most one drain
// cycle is active at a time; triggers received while draining are coalesced
// into the next cycle's ListPending sweep.
type Coordinator struct {
	store     *store.Store
	queue     *queue.Queue
	resolver  *conflict.Resolver
	remote    Remote
	bus       *events.Bus
	strategy  conflict.Strategy
	batchSize int

	inProgress atomic.Bool
}

// New creates a Coordinator. A batchSize below one falls back to the
// default.
func New(s *store.Store, q *queue.Queue, r *conflict.Resolver, remote Remote, bus *events.Bus, strategy conflict.Strategy, batchSize int) *Coordinator {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Coordinator{
		store:     s,
		queue:     q,
		resolver:  r,
		remote:    remote,
		bus:       bus,
		strategy:  strategy,
		batchSize: batchSize,
	}
}

// InProgress reports whether a drain cycle is currently running.
func (c *Coordinator) InProgress() bool {
	return c.inProgress.Load()
}

// Sync runs one drain cycle. A trigger while a cycle is active returns
// immediately with a nil result: the running cycle, or the next one, picks
// up whatever is pending. A store failure during write-back aborts the
// cycle with SYNC_ABORTED; nothing is marked synced that was not durably
// reconciled.
func (c *Coordinator) Sync(ctx context.Context) (*CycleResult, error) {
	if !c.inProgress.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer c.inProgress.Store(false)

	result := &CycleResult{StartedAt: c.store.Now()}

	entries, err := c.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		result.EndedAt = c.store.Now()
		return result, nil
	}

	logging.Info("Drain cycle started", map[string]interface{}{
		"pending": len(entries), "batch_size": c.batchSize,
	})

	var synced, failed atomic.Int64
	for start := 0; start < len(entries); start += c.batchSize {
		end := start + c.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		result.Batches++

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.batchSize)
		for _, entry := range entries[start:end] {
			entry := entry
			g.Go(func() error {
				ok, err := c.processEntry(gctx, entry)
				if err != nil {
					// store-level failure: abort the cycle
					return err
				}
				if ok {
					synced.Add(1)
				} else {
					failed.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncAborted, "store failed mid-reconciliation", err)
		}
	}

	result.Processed = len(entries)
	result.Synced = int(synced.Load())
	result.Failed = int(failed.Load())
	result.EndedAt = c.store.Now()

	if err := c.store.SetLastSyncTimestamp(ctx, result.EndedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncAborted, "persist last sync timestamp", err)
	}

	c.bus.Publish(events.SyncCompleted{
		Synced: result.Synced,
		Failed: result.Failed,
		At:     result.EndedAt,
	})
	c.reportExhausted(ctx)

	logging.Info("Drain cycle completed", map[string]interface{}{
		"processed": result.Processed,
		"synced":    result.Synced,
		"failed":    result.Failed,
		"batches":   result.Batches,
	})
	return result, nil
}

// processEntry submits one queue entry. The boolean reports whether the
// entry was synced. A returned error means the durable store itself failed
// and the cycle must abort; remote failures are absorbed into the entry's
// retry accounting.
func (c *Coordinator) processEntry(ctx context.Context, entry *models.QueueEntry) (bool, error) {
	if !entry.Action.Valid() {
		err := fmt.Errorf("unknown action %q", entry.Action)
		logging.Warn("Dropping queue entry with unknown action", map[string]interface{}{
			"id": entry.ID, "action": string(entry.Action),
		})
		if markErr := c.queue.MarkFailedPermanent(ctx, entry.ID, err); markErr != nil {
			return false, markErr
		}
		return false, nil
	}

	result, err := c.remote.Submit(ctx, entry.Action, entry.Data)
	if err == nil && !result.Success {
		err = apperrors.New(apperrors.ErrRemoteCall, "remote call unsuccessful")
	}
	if err != nil {
		logging.Warn("Queue entry sync failed", map[string]interface{}{
			"id": entry.ID, "action": string(entry.Action),
			"retry_count": entry.RetryCount + 1, "error": err.Error(),
		})
		if markErr := c.queue.MarkFailed(ctx, entry.ID, err); markErr != nil {
			return false, markErr
		}
		return false, nil
	}

	if result.Conflict {
		if err := c.reconcile(ctx, entry, result.ServerRecord); err != nil {
			return false, err
		}
	}

	if err := c.queue.MarkSynced(ctx, entry.ID); err != nil {
		return false, err
	}
	return true, nil
}

// reconcile resolves a server-signaled conflict and durably writes the
// reconciled record back before the entry may be marked synced.
func (c *Coordinator) reconcile(ctx context.Context, entry *models.QueueEntry, serverRecord *models.Record) error {
	collection, ok := models.ActionCollections[entry.Action]
	if !ok {
		// fire-and-forget actions have no record to reconcile
		return nil
	}

	local := c.localVersion(ctx, collection, entry)
	res := c.resolver.Resolve(collection, local, serverRecord, c.strategy)
	if res.Record == nil {
		return nil
	}

	if _, err := c.store.Put(ctx, collection, res.Record); err != nil {
		return err
	}
	if res.Log != nil {
		if err := c.store.PutConflictLog(ctx, res.Log); err != nil {
			// diagnostics only, never blocks reconciliation
			logging.Warn("Failed to persist conflict log", map[string]interface{}{
				"collection": string(collection), "error": err.Error(),
			})
		}
	}
	return nil
}

// localVersion reconstructs the client's version of the record under
// reconciliation: the current store row when it still exists, otherwise
// the version submitted with the queue entry.
func (c *Coordinator) localVersion(ctx context.Context, collection models.Collection, entry *models.QueueEntry) *models.Record {
	var submitted models.Record
	if err := json.Unmarshal(entry.Data, &submitted); err != nil {
		logging.Warn("Queue entry data undecodable", map[string]interface{}{
			"id": entry.ID, "error": err.Error(),
		})
		return nil
	}

	if submitted.ID != 0 {
		if current, err := c.store.Get(ctx, collection, submitted.ID); err == nil {
			return current
		}
	}
	return &submitted
}

// reportExhausted surfaces durably failed entries to UI collaborators.
func (c *Coordinator) reportExhausted(ctx context.Context) {
	exhausted, err := c.queue.ListFailed(ctx)
	if err != nil {
		logging.Warn("Failed to list exhausted queue entries", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(exhausted) > 0 {
		c.bus.Publish(events.ItemsFailed{Count: len(exhausted)})
	}
}
