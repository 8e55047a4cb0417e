// Package ws tracks live client connections and broadcasts state-change
// events to them. Two key spaces exist side by side: conversation
// channels keyed by thread id and notification channels keyed by user
// id. Producers never touch a connection directly; everything goes
// through Broadcast, which evicts handles that fail to send.
package ws

import (
	"log/slog"
	"sync"

	"github.com/liling/aoi-agent/internal/events"
)

// Conn is the narrow slice of a websocket connection the registry
// needs. *websocket.Conn (gorilla) satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Message is the wire format for every event pushed to a client.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Registry holds the live connection sets. The zero value is not
// usable; construct with New.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	chat   map[string]map[Conn]struct{} // thread id -> connections
	notify map[string]map[Conn]struct{} // user id -> connections
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		chat:   make(map[string]map[Conn]struct{}),
		notify: make(map[string]map[Conn]struct{}),
	}
}

// RegisterChat attaches a connection to a thread's conversation channel.
func (r *Registry) RegisterChat(threadID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	register(r.chat, threadID, c)
}

// UnregisterChat detaches a connection. Unregistering a connection that
// is already absent is a no-op.
func (r *Registry) UnregisterChat(threadID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	unregister(r.chat, threadID, c)
}

// RegisterNotification attaches a connection to a user's notification
// channel.
func (r *Registry) RegisterNotification(userID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	register(r.notify, userID, c)
}

// UnregisterNotification detaches a connection. Idempotent.
func (r *Registry) UnregisterNotification(userID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	unregister(r.notify, userID, c)
}

// BroadcastChat sends a message to every connection on a thread's
// conversation channel. A connection that fails to send is unregistered
// and delivery continues to the rest.
func (r *Registry) BroadcastChat(threadID string, msg Message) {
	r.broadcast(r.chat, threadID, msg)
}

// BroadcastNotification sends a message to every connection on a user's
// notification channel, evicting broken ones.
func (r *Registry) BroadcastNotification(userID string, msg Message) {
	r.broadcast(r.notify, userID, msg)
}

// Deliver implements events.Sink, routing an event to the registry
// matching its scope.
func (r *Registry) Deliver(e events.Event) {
	msg := Message{Type: e.Type, Payload: e.Payload}
	switch e.Scope {
	case events.ScopeChat:
		r.BroadcastChat(e.Key, msg)
	case events.ScopeNotification:
		r.BroadcastNotification(e.Key, msg)
	}
}

// ChatConnCount returns how many connections a thread currently has.
func (r *Registry) ChatConnCount(threadID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chat[threadID])
}

// NotificationConnCount returns how many connections a user currently
// has.
func (r *Registry) NotificationConnCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notify[userID])
}

func (r *Registry) broadcast(m map[string]map[Conn]struct{}, key string, msg Message) {
	// Snapshot under the lock; send outside it so a slow socket cannot
	// block registration traffic.
	r.mu.Lock()
	conns := make([]Conn, 0, len(m[key]))
	for c := range m[key] {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(msg); err != nil {
			r.logger.Warn("broadcast send failed, evicting connection",
				"key", key, "type", msg.Type, "error", err)
			r.mu.Lock()
			unregister(m, key, c)
			r.mu.Unlock()
		}
	}
}

func register(m map[string]map[Conn]struct{}, key string, c Conn) {
	set, ok := m[key]
	if !ok {
		set = make(map[Conn]struct{})
		m[key] = set
	}
	set[c] = struct{}{}
}

func unregister(m map[string]map[Conn]struct{}, key string, c Conn) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m, key)
	}
}
