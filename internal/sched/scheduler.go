// Package sched provides the background loops: periodic sync while online
// and garbage collection of synced queue entries and expired cache rows.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/healthguide/core/internal/cache"
	"github.com/healthguide/core/internal/logging"
	"github.com/healthguide/core/internal/queue"
)

// OnlineFunc reports current connectivity, wired to the network monitor.
type OnlineFunc func() bool

// SyncFunc triggers a drain cycle, wired to the coordinator.
type SyncFunc func(ctx context.Context)

// Config holds scheduler intervals and the GC retention window.
type Config struct {
	SyncInterval  time.Duration // periodic sync cadence while online
	GCInterval    time.Duration // garbage collection cadence
	RetentionDays int           // synced queue entries older than this are purged
}

// Scheduler runs the periodic loops. GC runs independently of drain
// cycles and only deletes; it never mutates live data.
type Scheduler struct {
	cfg    Config
	online OnlineFunc
	sync   SyncFunc
	queue  *queue.Queue
	cache  *cache.Cache

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a Scheduler.
func New(cfg Config, online OnlineFunc, syncFn SyncFunc, q *queue.Queue, c *cache.Cache) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		online: online,
		sync:   syncFn,
		queue:  q,
		cache:  c,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sync and GC loops. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.syncLoop(ctx)
	go s.gcLoop(ctx)

	logging.Info("Background scheduler started", map[string]interface{}{
		"sync_interval": s.cfg.SyncInterval.String(),
		"gc_interval":   s.cfg.GCInterval.String(),
	})
}

// Stop halts both loops and waits for them to finish.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.online() {
				s.sync(ctx)
			}
		}
	}
}

func (s *Scheduler) gcLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.collect(ctx)
		}
	}
}

// collect purges synced queue entries past the retention window and sweeps
// expired cache entries.
func (s *Scheduler) collect(ctx context.Context) {
	purged, err := s.queue.PurgeOlderThan(ctx, s.cfg.RetentionDays, true)
	if err != nil {
		logging.Warn("Queue purge failed", map[string]interface{}{"error": err.Error()})
	}

	swept, err := s.cache.Sweep(ctx)
	if err != nil {
		logging.Warn("Cache sweep failed", map[string]interface{}{"error": err.Error()})
	}

	if purged > 0 || swept > 0 {
		logging.Info("Garbage collection completed", map[string]interface{}{
			"queue_purged": purged, "cache_swept": swept,
		})
	}
}
