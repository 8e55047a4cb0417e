package mqtt

import (
	"log/slog"
	"testing"
	"time"

	"github.com/liling/aoi-agent/internal/events"
)

func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()
	return NewNotifier(slog.New(slog.DiscardHandler), Config{Broker: "mqtt://localhost:1883"}, "liling")
}

func TestDeliverNeverBlocksWithoutBroker(t *testing.T) {
	n := newTestNotifier(t)

	// Nothing drains the queue here. Deliver must still return
	// promptly for far more events than the queue holds, dropping the
	// overflow instead of stalling the caller.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueSize*4; i++ {
			n.Deliver(events.Remind("liling", "ping"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked with no broker draining the queue")
	}
	if got := len(n.queue); got != queueSize {
		t.Errorf("queued = %d events, want a full queue of %d", got, queueSize)
	}
}

func TestDeliverFiltersScopeAndUser(t *testing.T) {
	n := newTestNotifier(t)

	n.Deliver(events.Chunk("thread-1", "hello"))
	n.Deliver(events.Remind("someone-else", "not yours"))
	if got := len(n.queue); got != 0 {
		t.Fatalf("queued = %d events after mismatched deliveries, want 0", got)
	}

	n.Deliver(events.Remind("liling", "water the plants"))
	if got := len(n.queue); got != 1 {
		t.Errorf("queued = %d events, want 1", got)
	}
}
