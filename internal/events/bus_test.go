package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(ItemsFailed{Count: 2})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			failed, ok := ev.(ItemsFailed)
			if !ok || failed.Count != 2 {
				t.Errorf("subscriber %s got %#v", name, ev)
			}
		case <-time.After(time.Second):
			t.Errorf("subscriber %s got nothing", name)
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	// must not panic or block
	bus.Publish(ConnectionLost{At: time.Now()})
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Error("channel not closed after cancel")
	}

	// canceling twice is safe
	cancel()
	bus.Publish(ItemsFailed{Count: 1})
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	// nobody reads; the buffer fills and the rest drop
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			bus.Publish(ItemsFailed{Count: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if len(ch) != subscriberBuffer {
		t.Errorf("buffered %d events, want %d", len(ch), subscriberBuffer)
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()
	if _, open := <-ch; open {
		t.Error("channel not closed after bus Close")
	}

	// a late subscriber gets an already-closed channel
	late, lateCancel := bus.Subscribe()
	defer lateCancel()
	if _, open := <-late; open {
		t.Error("subscription after Close returned an open channel")
	}

	// closing twice is safe
	bus.Close()
}
