package reminder

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reminder_test.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(db)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAddAssignsIDAndWakes(t *testing.T) {
	m := newTestManager(t)

	task := &Task{Description: "water the plants", DueTime: time.Now().Add(time.Hour)}
	if err := m.Add(task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if task.ID == "" {
		t.Error("expected generated ID")
	}

	select {
	case <-m.Wakeup():
	default:
		t.Error("Add should fire the wakeup signal")
	}
}

func TestNextDueTimeSkipsCompletedAndPast(t *testing.T) {
	m := newTestManager(t)
	now := time.Now().Truncate(time.Second)

	past := &Task{Description: "past", DueTime: now.Add(-time.Hour)}
	future := &Task{Description: "future", DueTime: now.Add(2 * time.Hour)}
	nearer := &Task{Description: "nearer", DueTime: now.Add(time.Hour)}
	for _, task := range []*Task{past, future, nearer} {
		if err := m.Add(task); err != nil {
			t.Fatalf("Add %s: %v", task.Description, err)
		}
	}
	if err := m.MarkCompleted(nearer.ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	next, err := m.NextDueTime(now)
	if err != nil {
		t.Fatalf("NextDueTime: %v", err)
	}
	if next == nil {
		t.Fatal("expected a next due time")
	}
	if !next.Equal(future.DueTime) {
		t.Errorf("next = %v, want %v", next, future.DueTime)
	}
}

func TestNextDueTimeEmpty(t *testing.T) {
	m := newTestManager(t)

	next, err := m.NextDueTime(time.Now())
	if err != nil {
		t.Fatalf("NextDueTime: %v", err)
	}
	if next != nil {
		t.Errorf("expected nil, got %v", next)
	}
}

func TestDueTasksOrderAndCompletion(t *testing.T) {
	m := newTestManager(t)
	now := time.Now().Truncate(time.Second)

	second := &Task{Description: "second", DueTime: now.Add(-time.Minute)}
	first := &Task{Description: "first", DueTime: now.Add(-2 * time.Minute)}
	pending := &Task{Description: "pending", DueTime: now.Add(time.Hour)}
	for _, task := range []*Task{second, first, pending} {
		if err := m.Add(task); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	due, err := m.DueTasks(now)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d tasks, want 2", len(due))
	}
	if due[0].Description != "first" || due[1].Description != "second" {
		t.Errorf("order = %s, %s; want first, second", due[0].Description, due[1].Description)
	}

	if err := m.MarkCompleted(due[0].ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	due, err = m.DueTasks(now)
	if err != nil {
		t.Fatalf("DueTasks after completion: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due after completion = %d, want 1", len(due))
	}

	// Completed rows stay listed; the table is also the audit trail.
	all, err := m.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List = %d rows, want 3", len(all))
	}
}
