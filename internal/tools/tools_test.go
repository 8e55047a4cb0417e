package tools

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/liling/aoi-agent/internal/reminder"
)

func newTestManager(t *testing.T) *reminder.Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tools_test.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	manager, err := reminder.NewManager(db)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "no_such_tool", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "no_such_tool") {
		t.Errorf("error does not name the tool: %v", err)
	}
}

func TestCurrentTimeIsBuiltin(t *testing.T) {
	r := NewRegistry()
	if r.Get("current_time") == nil {
		t.Fatal("current_time not registered")
	}

	out, err := r.Execute(context.Background(), "current_time", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := time.Parse("2006-01-02 15:04:05 Monday", out); err != nil {
		t.Errorf("output %q is not in the expected layout: %v", out, err)
	}
}

func TestListWrapsToolsForTheModel(t *testing.T) {
	r := NewRegistry()
	specs := r.List()
	if len(specs) == 0 {
		t.Fatal("no tool specs")
	}
	for _, spec := range specs {
		if spec["type"] != "function" {
			t.Errorf("spec type = %v", spec["type"])
		}
		fn, ok := spec["function"].(map[string]any)
		if !ok {
			t.Fatalf("spec has no function block: %v", spec)
		}
		if fn["name"] == "" || fn["description"] == "" {
			t.Errorf("incomplete spec: %v", fn)
		}
	}
}

func TestExecuteJSONInvalidArguments(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ExecuteJSON(context.Background(), "current_time", "{not json"); err == nil {
		t.Fatal("expected an error for malformed arguments")
	}
}

func TestListRemindersTool(t *testing.T) {
	manager := newTestManager(t)
	r := NewRegistry()
	r.SetReminderManager(manager)

	out, err := r.Execute(context.Background(), "list_reminders", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "No reminders found." {
		t.Errorf("empty list output = %q", out)
	}

	task := &reminder.Task{
		Description: "water the plants",
		DueTime:     time.Now().Add(time.Hour),
		Context:     "the balcony ones",
	}
	if err := manager.Add(task); err != nil {
		t.Fatalf("add: %v", err)
	}

	out, err = r.ExecuteJSON(context.Background(), "list_reminders", `{"limit": 5}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "[pending] water the plants") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "the balcony ones") {
		t.Errorf("output is missing the context: %q", out)
	}
}

func TestCompleteReminderTool(t *testing.T) {
	manager := newTestManager(t)
	r := NewRegistry()
	r.SetReminderManager(manager)

	task := &reminder.Task{Description: "pay rent", DueTime: time.Now().Add(time.Hour)}
	if err := manager.Add(task); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := r.Execute(context.Background(), "complete_reminder", map[string]any{}); err == nil {
		t.Error("expected an error without an id")
	}

	out, err := r.Execute(context.Background(), "complete_reminder", map[string]any{"id": task.ID})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("output = %q", out)
	}

	list, err := manager.List(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].IsCompleted {
		t.Errorf("task not completed: %+v", list[0])
	}
}
