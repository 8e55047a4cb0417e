package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "durable_test.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestStorePutUpsertsByKey(t *testing.T) {
	s := newTestStore(t)

	first := &PendingTask{Key: "thread-1", Payload: json.RawMessage(`{"n":1}`), ExecuteAt: time.Now()}
	if err := s.Put(first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	second := &PendingTask{Key: "thread-1", Payload: json.RawMessage(`{"n":2}`), ExecuteAt: time.Now().Add(time.Hour)}
	if err := s.Put(second); err != nil {
		t.Fatalf("Put replace: %v", err)
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(all))
	}
	if string(all[0].Payload) != `{"n":2}` {
		t.Errorf("payload = %s, want replacement", all[0].Payload)
	}
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	task, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task != nil {
		t.Errorf("expected nil, got %+v", task)
	}
}

func TestExecutorRunsAfterDelayAndDeletesRow(t *testing.T) {
	store := newTestStore(t)

	ran := make(chan string, 1)
	exec := New(discard(), store, func(_ context.Context, key string, _ json.RawMessage) error {
		ran <- key
		return nil
	})

	h, err := exec.Submit("thread-1", json.RawMessage(`{}`), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case key := <-ran:
		if key != "thread-1" {
			t.Errorf("key = %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	row, err := store.Get("thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row != nil {
		t.Errorf("row should be deleted after success, got %+v", row)
	}
}

func TestExecutorResubmitSupersedes(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var payloads []string
	exec := New(discard(), store, func(_ context.Context, _ string, p json.RawMessage) error {
		mu.Lock()
		payloads = append(payloads, string(p))
		mu.Unlock()
		return nil
	})

	first, err := exec.Submit("thread-1", json.RawMessage(`"old"`), time.Hour)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := exec.Submit("thread-1", json.RawMessage(`"new"`), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Submit replace: %v", err)
	}

	if err := first.Wait(context.Background()); !errors.Is(err, ErrSuperseded) {
		t.Errorf("first outcome = %v, want ErrSuperseded", err)
	}
	if err := second.Wait(context.Background()); err != nil {
		t.Fatalf("second Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 || payloads[0] != `"new"` {
		t.Errorf("executed payloads = %v, want only the replacement", payloads)
	}
}

func TestExecutorFailureKeepsRow(t *testing.T) {
	store := newTestStore(t)

	exec := New(discard(), store, func(_ context.Context, _ string, _ json.RawMessage) error {
		return errors.New("boom")
	})

	h, err := exec.Submit("thread-1", json.RawMessage(`{}`), 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.Wait(context.Background()); err == nil {
		t.Fatal("expected execution error")
	}

	row, err := store.Get("thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row == nil {
		t.Error("row should survive a failed execution")
	}
}

func TestResumeFiresOverdueImmediately(t *testing.T) {
	store := newTestStore(t)

	// Simulate a previous run that crashed before the task fired.
	overdue := &PendingTask{
		Key:       "thread-1",
		Payload:   json.RawMessage(`{"x":1}`),
		ExecuteAt: time.Now().Add(-time.Minute),
	}
	if err := store.Put(overdue); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ran := make(chan struct{}, 1)
	exec := New(discard(), store, func(_ context.Context, _ string, _ json.RawMessage) error {
		ran <- struct{}{}
		return nil
	})

	n, err := exec.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 1 {
		t.Fatalf("resumed = %d, want 1", n)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue task did not fire after resume")
	}
}

func TestShutdownCancelKeepsRowForNextBoot(t *testing.T) {
	store := newTestStore(t)

	exec := New(discard(), store, func(_ context.Context, _ string, _ json.RawMessage) error {
		t.Error("task must not run after cancel")
		return nil
	})

	h, err := exec.Submit("thread-1", json.RawMessage(`{}`), time.Hour)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	exec.Shutdown(true, true)

	if err := h.Wait(context.Background()); !errors.Is(err, ErrCanceled) {
		t.Errorf("outcome = %v, want ErrCanceled", err)
	}
	row, err := store.Get("thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row == nil {
		t.Error("row should survive shutdown for the next boot")
	}

	if _, err := exec.Submit("thread-2", nil, 0); !errors.Is(err, ErrShutdown) {
		t.Errorf("Submit after shutdown = %v, want ErrShutdown", err)
	}
}

func TestShutdownBlocksLateTimerFromExecuting(t *testing.T) {
	store := newTestStore(t)

	exec := New(discard(), store, func(_ context.Context, _ string, _ json.RawMessage) error {
		t.Error("task must not run after shutdown")
		return nil
	})

	// Shutdown without cancelPending leaves this timer armed. When it
	// expires after the shutdown wait has passed, it must resolve the
	// handle without executing rather than racing teardown.
	h, err := exec.Submit("thread-1", json.RawMessage(`{}`), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	exec.Shutdown(true, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); !errors.Is(err, ErrCanceled) {
		t.Errorf("outcome = %v, want ErrCanceled", err)
	}
	row, err := store.Get("thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row == nil {
		t.Error("row should survive for the next boot's resume pass")
	}
}
