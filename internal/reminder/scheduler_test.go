package reminder

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/liling/aoi-agent/internal/events"
)

type captureSink struct {
	ch chan events.Event
}

func (s *captureSink) Deliver(e events.Event) { s.ch <- e }

func newTestScheduler(t *testing.T, m *Manager) (*Scheduler, *captureSink) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	sink := &captureSink{ch: make(chan events.Event, 16)}
	bus := events.New(logger, 16)
	bus.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	s := NewScheduler(logger, m, bus, "liling")
	s.idleCap = 50 * time.Millisecond
	s.backoff = 10 * time.Millisecond
	return s, sink
}

func TestSchedulerDeliversDueReminder(t *testing.T) {
	m := newTestManager(t)
	s, sink := newTestScheduler(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	task := &Task{
		Description: "stretch your legs",
		DueTime:     time.Now().Add(-time.Second),
		Context:     "you have been sitting for two hours",
	}
	if err := m.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case e := <-sink.ch:
		if e.Type != events.TypeRemindTask {
			t.Fatalf("event type = %s, want %s", e.Type, events.TypeRemindTask)
		}
		if e.Key != "liling" {
			t.Errorf("key = %q, want user id", e.Key)
		}
		text, _ := e.Payload.(string)
		if !strings.Contains(text, "stretch your legs") || !strings.Contains(text, "sitting for two hours") {
			t.Errorf("payload = %q, want description and context", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reminder never delivered")
	}

	// Delivery must mark the task completed so it does not repeat.
	deadline := time.Now().Add(2 * time.Second)
	for {
		due, err := m.DueTasks(time.Now())
		if err != nil {
			t.Fatalf("DueTasks: %v", err)
		}
		if len(due) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task was never marked completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerWakesEarlyForNewNearerTask(t *testing.T) {
	m := newTestManager(t)
	s, sink := newTestScheduler(t, m)
	// Long idle cap: delivery within the timeout proves the wakeup
	// signal cut the sleep short rather than the cap expiring.
	s.idleCap = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	// Let the scheduler settle into its idle sleep first.
	time.Sleep(50 * time.Millisecond)

	if err := m.Add(&Task{Description: "now", DueTime: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case e := <-sink.ch:
		if e.Type != events.TypeRemindTask {
			t.Fatalf("event type = %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wakeup signal did not interrupt the idle sleep")
	}
}

func TestSchedulerDeliversSubSecondTaskOnTime(t *testing.T) {
	m := newTestManager(t)
	s, sink := newTestScheduler(t, m)
	// A large cap keeps the idle fallback out of the picture: timing
	// below comes from the task's own due time.
	s.idleCap = 10 * time.Second

	if err := m.Add(&Task{Description: "soon", DueTime: time.Now().Add(150 * time.Millisecond)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	start := time.Now()
	go s.Run(ctx)

	// The sleep must track the actual remaining time; a task due in
	// 150ms may not slip toward the one second mark.
	select {
	case <-sink.ch:
		if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
			t.Errorf("delivered after %v, want well under a second", elapsed)
		}
	case <-time.After(900 * time.Millisecond):
		t.Fatal("near-due reminder not delivered promptly")
	}
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	m := newTestManager(t)
	s, _ := newTestScheduler(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
}
