// Package core is the offline-first local data store and synchronization
// engine of the HealthGuide application. The application shell constructs
// one Engine, injects the remote-service collaborator, and routes all
// record writes through it: writes persist locally first, are queued for
// transmission, and reconcile with the server when connectivity returns.
package core

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/healthguide/core/internal/cache"
	"github.com/healthguide/core/internal/conflict"
	"github.com/healthguide/core/internal/config"
	apperrors "github.com/healthguide/core/internal/errors"
	"github.com/healthguide/core/internal/events"
	"github.com/healthguide/core/internal/logging"
	"github.com/healthguide/core/internal/models"
	"github.com/healthguide/core/internal/netmon"
	"github.com/healthguide/core/internal/queue"
	"github.com/healthguide/core/internal/sched"
	"github.com/healthguide/core/internal/store"
	"github.com/healthguide/core/internal/syncer"
)

// PriorityEmergency is the queue priority for emergency alerts, so they
// drain before routine writes regardless of enqueue order.
const PriorityEmergency = 10

// Re-exported types so the application shell only imports this package.
type (
	Record      = models.Record
	Collection  = models.Collection
	QueueEntry  = models.QueueEntry
	Filter      = store.Filter
	Event       = events.Event
	CycleResult = syncer.CycleResult
)

// Option configures an Engine.
type Option func(*Engine)

// WithPrompt installs the user-choice conflict collaborator.
func WithPrompt(p conflict.Prompt) Option {
	return func(e *Engine) { e.prompt = p }
}

// WithProbe overrides the connectivity probe, for tests and platforms with
// native reachability APIs.
func WithProbe(p netmon.Probe) Option {
	return func(e *Engine) { e.probe = p }
}

// WithStrategy overrides the configured conflict strategy.
func WithStrategy(s conflict.Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine wires the durable store, cache, sync queue, conflict resolver,
// coordinator and network monitor together behind the write and read
// paths the application shell uses.
type Engine struct {
	cfg      config.Config
	store    *store.Store
	cache    *cache.Cache
	queue    *queue.Queue
	coord    *syncer.Coordinator
	monitor  *netmon.Monitor
	sched    *sched.Scheduler
	bus      *events.Bus
	prompt   conflict.Prompt
	probe    netmon.Probe
	strategy conflict.Strategy
	now      func() time.Time
	degraded bool
}

// Open constructs an Engine against the given remote service. A schema
// downgrade is unrecoverable and returns SCHEMA_ERROR. An unavailable
// storage engine does not fail: the condition is logged once and the
// returned Engine runs degraded, where writes appear to succeed without
// persisting and cache reads always miss; Degraded reports the state.
func Open(cfg config.Config, remote syncer.Remote, opts ...Option) (*Engine, error) {
	logging.Init(os.Stdout, cfg.LogLevel)

	e := &Engine{
		cfg: cfg,
		bus: events.NewBus(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	s, err := store.Open(cfg.Store.DataDir, store.WithClock(func() time.Time { return e.now() }))
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSchema) {
			return nil, err
		}
		// logged once here; every later operation silently no-ops
		logging.Error("Storage unavailable, running degraded", err, nil)
		e.degraded = true
		return e, nil
	}
	e.store = s
	e.cache = cache.New(s)
	e.queue = queue.New(s)

	strategy := e.strategy
	if strategy == "" {
		strategy, err = conflict.ParseStrategy(cfg.Sync.Strategy)
		if err != nil {
			s.Close()
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "conflict strategy", err)
		}
	}

	resolver := conflict.NewResolver(
		conflict.WithPrompt(e.prompt),
		conflict.WithFallbackLimit(cfg.Sync.UserChoiceFallbackLimit,
			func(collection models.Collection, recordID int64, fallbacks int) {
				e.bus.Publish(events.ConflictFallback{
					Collection: string(collection),
					RecordID:   recordID,
					Fallbacks:  fallbacks,
				})
			}),
	)

	e.coord = syncer.New(s, e.queue, resolver, remote, e.bus, strategy, cfg.Sync.BatchSize)

	probe := e.probe
	if probe == nil {
		probe = netmon.HTTPProbe(cfg.Network.ProbeURL, cfg.Network.ProbeTimeout)
	}
	e.monitor = netmon.New(probe,
		func(ctx context.Context) { _, _ = e.coord.Sync(ctx) },
		e.bus, cfg.Network.PollInterval, cfg.Network.StabilizationDelay)

	e.sched = sched.New(sched.Config{
		SyncInterval:  cfg.Sync.Interval,
		GCInterval:    cfg.GC.Interval,
		RetentionDays: cfg.GC.RetentionDays,
	}, e.monitor.IsOnline,
		func(ctx context.Context) { _, _ = e.coord.Sync(ctx) },
		e.queue, e.cache)

	return e, nil
}

// Degraded reports whether the Engine is running without durable storage.
func (e *Engine) Degraded() bool {
	return e.degraded
}

// Start launches the network monitor and the background scheduler.
func (e *Engine) Start(ctx context.Context) {
	if e.degraded {
		return
	}
	e.monitor.Start(ctx)
	e.sched.Start(ctx)
}

// Close stops background work and releases the store.
func (e *Engine) Close() error {
	e.bus.Close()
	if e.degraded {
		return nil
	}
	e.monitor.Stop()
	e.sched.Stop()
	return e.store.Close()
}

// Subscribe registers a UI collaborator for core events. The cancel
// function removes the subscription.
func (e *Engine) Subscribe() (<-chan events.Event, func()) {
	return e.bus.Subscribe()
}

// IsOnline returns the last observed connectivity state.
func (e *Engine) IsOnline() bool {
	if e.degraded {
		return false
	}
	return e.monitor.IsOnline()
}

// SetOnline feeds a platform connectivity signal into the monitor.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	if e.degraded {
		return
	}
	e.monitor.SetOnline(ctx, online)
}

// SyncNow triggers a drain cycle. While a cycle is already running the
// call returns (nil, nil); pending work is picked up by the active or the
// next cycle.
func (e *Engine) SyncNow(ctx context.Context) (*syncer.CycleResult, error) {
	if e.degraded {
		return nil, nil
	}
	return e.coord.Sync(ctx)
}

// LastSyncAt returns the completion time of the last successful drain
// cycle, zero if none has completed.
func (e *Engine) LastSyncAt(ctx context.Context) (time.Time, error) {
	if e.degraded {
		return time.Time{}, nil
	}
	return e.store.LastSyncTimestamp(ctx)
}

// SaveVital persists a vital reading locally and queues it for sync.
func (e *Engine) SaveVital(ctx context.Context, ownerID string, payload models.VitalPayload) (*models.Record, error) {
	return e.saveRecord(ctx, models.CollectionVitals, models.ActionAddVital, ownerID, payload, 0)
}

// SavePrescription persists a prescription locally and queues it for sync.
func (e *Engine) SavePrescription(ctx context.Context, ownerID string, payload models.PrescriptionPayload) (*models.Record, error) {
	return e.saveRecord(ctx, models.CollectionPrescriptions, models.ActionAddPrescription, ownerID, payload, 0)
}

// SaveReport persists a generated report locally and queues it for sync.
func (e *Engine) SaveReport(ctx context.Context, ownerID string, payload models.ReportPayload) (*models.Record, error) {
	return e.saveRecord(ctx, models.CollectionReports, models.ActionAddReport, ownerID, payload, 0)
}

// SaveEmergencyContact persists an emergency contact locally and queues it
// for sync.
func (e *Engine) SaveEmergencyContact(ctx context.Context, ownerID string, payload models.ContactPayload) (*models.Record, error) {
	return e.saveRecord(ctx, models.CollectionEmergencyContacts, models.ActionAddContact, ownerID, payload, 0)
}

// SendEmergencyAlert queues an SOS alert at emergency priority. Alerts are
// fire-and-forget: they have no local collection, only the queue entry.
func (e *Engine) SendEmergencyAlert(ctx context.Context, ownerID string, payload models.AlertPayload) (int64, error) {
	if e.degraded {
		return 0, nil
	}
	data, err := json.Marshal(struct {
		OwnerID string `json:"owner_id"`
		models.AlertPayload
	}{ownerID, payload})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInvalid, "encode alert", err)
	}
	return e.queue.Enqueue(ctx, models.ActionEmergencyAlert, data, PriorityEmergency)
}

// DeleteRecord deletes locally and propagates the deletion like any other
// mutation.
func (e *Engine) DeleteRecord(ctx context.Context, collection models.Collection, id int64) error {
	if e.degraded {
		return nil
	}
	if err := e.store.Delete(ctx, collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(models.DeletePayload{Collection: collection, RecordID: id})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode deletion", err)
	}
	_, err = e.queue.Enqueue(ctx, models.ActionDeleteRecord, data, 0)
	return err
}

// saveRecord is the optimistic write path: persist locally, then enqueue
// the full stored record for transmission.
func (e *Engine) saveRecord(ctx context.Context, collection models.Collection, action models.Action, ownerID string, payload interface{}, priority int) (*models.Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}

	rec := &models.Record{
		OwnerID: ownerID,
		Payload: body,
	}

	if e.degraded {
		// appears to succeed; nothing to persist or queue
		rec.Offline = true
		now := e.now()
		rec.CreatedAt, rec.UpdatedAt = now, now
		return rec, nil
	}

	rec.Offline = !e.monitor.IsOnline()
	stored, err := e.store.Put(ctx, collection, rec)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode queue entry", err)
	}
	if _, err := e.queue.Enqueue(ctx, action, data, priority); err != nil {
		return nil, err
	}
	return stored, nil
}

// Records returns the records of a collection, optionally filtered through
// its secondary indexes.
func (e *Engine) Records(ctx context.Context, collection models.Collection, filter store.Filter) ([]*models.Record, error) {
	if e.degraded {
		return nil, nil
	}
	return e.store.GetAll(ctx, collection, filter)
}

// FailedItems returns queue entries whose retry budget is exhausted, for
// the shell's "N items failed to sync" indicator.
func (e *Engine) FailedItems(ctx context.Context) ([]*models.QueueEntry, error) {
	if e.degraded {
		return nil, nil
	}
	return e.queue.ListFailed(ctx)
}

// PendingCount returns the number of queue entries awaiting transmission.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	if e.degraded {
		return 0, nil
	}
	return e.queue.CountPending(ctx)
}

// RecordSyncStatus derives a record's sync state from the queue: pending
// while an active entry references it, failed when only an exhausted entry
// does, synced otherwise.
func (e *Engine) RecordSyncStatus(ctx context.Context, collection models.Collection, id int64) (models.SyncStatus, error) {
	if e.degraded {
		return models.SyncStatusPending, nil
	}

	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return "", err
	}
	if queueReferences(pending, collection, id) {
		return models.SyncStatusPending, nil
	}

	failed, err := e.queue.ListFailed(ctx)
	if err != nil {
		return "", err
	}
	if queueReferences(failed, collection, id) {
		return models.SyncStatusFailed, nil
	}
	return models.SyncStatusSynced, nil
}

func queueReferences(entries []*models.QueueEntry, collection models.Collection, id int64) bool {
	for _, entry := range entries {
		if models.ActionCollections[entry.Action] != collection {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			continue
		}
		if rec.ID == id {
			return true
		}
	}
	return false
}

// CacheSet stores derived data under key with the given time-to-live.
func (e *Engine) CacheSet(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	if e.degraded {
		return nil
	}
	return e.cache.Set(ctx, key, data, ttl)
}

// CacheGet returns cached data, or false on a miss.
func (e *Engine) CacheGet(ctx context.Context, key string) (json.RawMessage, bool) {
	if e.degraded {
		return nil, false
	}
	return e.cache.Get(ctx, key)
}
