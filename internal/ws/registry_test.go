package ws

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/liling/aoi-agent/internal/events"
)

// fakeConn records writes and can be told to fail.
type fakeConn struct {
	mu     sync.Mutex
	writes []Message
	fail   bool
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, v.(Message))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.writes...)
}

func newTestRegistry() *Registry {
	return New(slog.New(slog.DiscardHandler))
}

func TestBroadcastChatReachesOnlyThatThread(t *testing.T) {
	r := newTestRegistry()
	mine := &fakeConn{}
	other := &fakeConn{}
	r.RegisterChat("thread-1", mine)
	r.RegisterChat("thread-2", other)

	r.BroadcastChat("thread-1", Message{Type: events.TypeAIMessageChunk, Payload: "hi"})

	if got := mine.messages(); len(got) != 1 || got[0].Payload != "hi" {
		t.Errorf("thread-1 conn got %v", got)
	}
	if got := other.messages(); len(got) != 0 {
		t.Errorf("thread-2 conn should get nothing, got %v", got)
	}
}

func TestBroadcastEvictsFailingConn(t *testing.T) {
	r := newTestRegistry()
	bad := &fakeConn{fail: true}
	good := &fakeConn{}
	r.RegisterChat("thread-1", bad)
	r.RegisterChat("thread-1", good)

	r.BroadcastChat("thread-1", Message{Type: events.TypeAIMessageChunk, Payload: "one"})

	if r.ChatConnCount("thread-1") != 1 {
		t.Fatalf("conn count = %d after eviction, want 1", r.ChatConnCount("thread-1"))
	}

	// The healthy connection keeps receiving.
	r.BroadcastChat("thread-1", Message{Type: events.TypeAIMessageChunk, Payload: "two"})
	if got := good.messages(); len(got) != 2 {
		t.Errorf("healthy conn got %d messages, want 2", len(got))
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{}
	r.RegisterNotification("liling", c)

	r.UnregisterNotification("liling", c)
	r.UnregisterNotification("liling", c) // second time must not panic

	if n := r.NotificationConnCount("liling"); n != 0 {
		t.Errorf("conn count = %d, want 0", n)
	}
}

func TestDeliverRoutesByScope(t *testing.T) {
	r := newTestRegistry()
	chat := &fakeConn{}
	notify := &fakeConn{}
	r.RegisterChat("thread-1", chat)
	r.RegisterNotification("liling", notify)

	r.Deliver(events.Chunk("thread-1", "token"))
	r.Deliver(events.Remind("liling", "tea time"))

	if got := chat.messages(); len(got) != 1 || got[0].Type != events.TypeAIMessageChunk {
		t.Errorf("chat conn got %v", got)
	}
	if got := notify.messages(); len(got) != 1 || got[0].Type != events.TypeRemindTask {
		t.Errorf("notification conn got %v", got)
	}
}
