// Package events carries per-session state-change events from the
// agent's background subsystems to client transports. Producers publish
// fire-and-forget; a single consumer goroutine forwards events to the
// registered sinks, which is what guarantees per-session emission order
// on the wire. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Scope selects which connection registry an event is delivered to.
type Scope int

const (
	// ScopeChat events go to the conversation channel keyed by thread id.
	ScopeChat Scope = iota
	// ScopeNotification events go to the notification channel keyed by
	// user id.
	ScopeNotification
)

// Type constants are the wire-level "type" field of every event.
const (
	// TypeInputReady signals whether the client may submit a message.
	// Payload: bool.
	TypeInputReady = "input_ready"
	// TypeAIMessageChunk is one streamed token of the final answer.
	// Payload: string.
	TypeAIMessageChunk = "ai_message_chunk"
	// TypeGraphLog is a human-readable workflow progress line.
	// Payload: string.
	TypeGraphLog = "graph_operate_log"
	// TypeChatTitleGenerated signals a thread title was (re)generated.
	// Payload: bool.
	TypeChatTitleGenerated = "chat_title_generated"
	// TypeRemindTask is a due reminder notification. Payload: string.
	TypeRemindTask = "remind_task"
	// TypeOccurError reports a failure scoped to one session.
	// Payload: string.
	TypeOccurError = "occur_error"
)

// Event is one immutable state change addressed to a single session.
type Event struct {
	Timestamp time.Time `json:"-"`
	Scope     Scope     `json:"-"`
	// Key is the thread id (ScopeChat) or user id (ScopeNotification).
	Key     string `json:"-"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sink receives events from the bus consumer, in publication order.
type Sink interface {
	Deliver(e Event)
}

// Bus is a bounded single-consumer event queue.
type Bus struct {
	logger *slog.Logger
	ch     chan Event
	sinks  []Sink
}

// New creates a bus with the given queue depth. 256 is a reasonable
// default: deep enough to absorb a streaming answer's token burst.
func New(logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		logger: logger,
		ch:     make(chan Event, bufSize),
	}
}

// AddSink registers a delivery target. Must be called before Run.
func (b *Bus) AddSink(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Publish enqueues an event. Non-blocking: when the queue is full the
// event is dropped rather than stalling the producer. Safe on a nil
// receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.ch <- e:
	default:
		b.logger.Warn("event bus full, dropping event", "type", e.Type, "key", e.Key)
	}
}

// Run consumes the queue and forwards each event to every sink, in
// order, until ctx is cancelled. A single consumer goroutine is what
// preserves per-session ordering; do not run more than one.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Debug("event bus consumer started", "sinks", len(b.sinks))
	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("event bus consumer stopped")
			return
		case e := <-b.ch:
			for _, s := range b.sinks {
				s.Deliver(e)
			}
		}
	}
}

// Convenience constructors for the event kinds the agent emits.

// InputReady reports to the user's notification channel whether a new
// message may be submitted.
func InputReady(userID string, ready bool) Event {
	return Event{Scope: ScopeNotification, Key: userID, Type: TypeInputReady, Payload: ready}
}

// Chunk is one streamed answer token for a chat thread.
func Chunk(threadID, token string) Event {
	return Event{Scope: ScopeChat, Key: threadID, Type: TypeAIMessageChunk, Payload: token}
}

// GraphLog is a workflow progress line for a chat thread.
func GraphLog(threadID, line string) Event {
	return Event{Scope: ScopeChat, Key: threadID, Type: TypeGraphLog, Payload: line}
}

// TitleGenerated signals a thread title changed.
func TitleGenerated(userID string) Event {
	return Event{Scope: ScopeNotification, Key: userID, Type: TypeChatTitleGenerated, Payload: true}
}

// Remind is a due reminder for the user's notification channel.
func Remind(userID, text string) Event {
	return Event{Scope: ScopeNotification, Key: userID, Type: TypeRemindTask, Payload: text}
}

// Error reports a failure to one session.
func Error(scope Scope, key, msg string) Event {
	return Event{Scope: scope, Key: key, Type: TypeOccurError, Payload: msg}
}
