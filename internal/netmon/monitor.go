// Package netmon observes connectivity transitions and triggers the
// synchronization coordinator when the network comes back.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/healthguide/core/internal/events"
	"github.com/healthguide/core/internal/logging"
)

// Probe reports whether the remote service is currently reachable.
type Probe func(ctx context.Context) bool

// HTTPProbe builds the default probe: a HEAD request against url with the
// given timeout. Any response, including an error status, means the
// network path is up.
func HTTPProbe(url string, timeout time.Duration) Probe {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// TriggerFunc is invoked after connectivity is restored and has
// stabilized, typically wired to the coordinator's Sync.
type TriggerFunc func(ctx context.Context)

// Monitor polls the probe on an interval, publishes connectivity
// transitions on the event bus, and fires the trigger on offline-to-online
// transitions after a short stabilization delay. Polling is the fallback
// for platforms whose push connectivity events are unreliable.
type Monitor struct {
	probe              Probe
	trigger            TriggerFunc
	bus                *events.Bus
	pollInterval       time.Duration
	stabilizationDelay time.Duration

	online  atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a Monitor. The initial state is assumed online until the
// first poll says otherwise.
func New(probe Probe, trigger TriggerFunc, bus *events.Bus, pollInterval, stabilizationDelay time.Duration) *Monitor {
	m := &Monitor{
		probe:              probe,
		trigger:            trigger,
		bus:                bus,
		pollInterval:       pollInterval,
		stabilizationDelay: stabilizationDelay,
		stopCh:             make(chan struct{}),
	}
	m.online.Store(true)
	return m
}

// IsOnline returns the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Start begins the polling loop. Starting twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pollLoop(ctx)
	logging.Info("Network monitor started", map[string]interface{}{
		"poll_interval": m.pollInterval.String(),
	})
}

// Stop halts the polling loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// SetOnline feeds a push-based connectivity signal into the monitor, for
// platforms that deliver them. It goes through the same transition logic
// as the poll.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.transition(ctx, online)
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	// establish the real state immediately rather than after one interval
	m.transition(ctx, m.probe(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.transition(ctx, m.probe(ctx))
		}
	}
}

func (m *Monitor) transition(ctx context.Context, online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}

	if !online {
		logging.Info("Connection lost", nil)
		m.bus.Publish(events.ConnectionLost{At: time.Now()})
		return
	}

	logging.Info("Connection restored", map[string]interface{}{
		"stabilization_delay": m.stabilizationDelay.String(),
	})

	// let the link settle before draining the queue
	select {
	case <-time.After(m.stabilizationDelay):
	case <-ctx.Done():
		return
	case <-m.stopCh:
		return
	}

	m.bus.Publish(events.ConnectionRestored{At: time.Now()})
	if m.trigger != nil {
		m.trigger(ctx)
	}
}
