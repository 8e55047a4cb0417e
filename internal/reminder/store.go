package reminder

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manager handles reminder persistence and owns the scheduler wakeup
// signal: inserting a task fires the signal so a reminder due sooner
// than the scheduler's current sleep is not delayed until the next
// poll.
type Manager struct {
	db   *sql.DB
	wake chan struct{}
}

// NewManager creates the manager using the given database.
func NewManager(db *sql.DB) (*Manager, error) {
	m := &Manager{
		db:   db,
		wake: make(chan struct{}, 1),
	}
	if err := m.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}

func (m *Manager) migrate() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS remind_tasks (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		due_time TEXT NOT NULL,
		context TEXT,
		is_completed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_remind_tasks_due_time
		ON remind_tasks(due_time)
		WHERE is_completed = 0;
	`)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// Add persists a new reminder and fires the scheduler wakeup signal.
func (m *Manager) Add(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := m.db.Exec(`
		INSERT INTO remind_tasks (id, description, due_time, context, is_completed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, t.ID, t.Description, t.DueTime.Format(timeLayout), t.Context, t.CreatedAt.Format(timeLayout))
	if err != nil {
		return err
	}

	m.Wake()
	return nil
}

// Wake nudges the scheduler without blocking. Safe to call at any time
// from any component that changes the earliest due time.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
		// A wakeup is already pending.
	}
}

// Wakeup exposes the signal the scheduler sleeps on.
func (m *Manager) Wakeup() <-chan struct{} { return m.wake }

// NextDueTime returns the earliest incomplete due time strictly after
// now, or nil when no future task exists.
func (m *Manager) NextDueTime(now time.Time) (*time.Time, error) {
	row := m.db.QueryRow(`
		SELECT due_time FROM remind_tasks
		WHERE is_completed = 0 AND due_time > ?
		ORDER BY due_time ASC LIMIT 1
	`, now.Format(timeLayout))

	var due string
	if err := row.Scan(&due); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	ts, err := time.ParseInLocation(timeLayout, due, time.Local)
	if err != nil {
		return nil, fmt.Errorf("parse due_time: %w", err)
	}
	return &ts, nil
}

// DueTasks returns every incomplete task whose due time has passed,
// earliest first.
func (m *Manager) DueTasks(now time.Time) ([]*Task, error) {
	rows, err := m.db.Query(`
		SELECT id, description, due_time, context, is_completed, created_at, completed_at
		FROM remind_tasks
		WHERE is_completed = 0 AND due_time <= ?
		ORDER BY due_time ASC
	`, now.Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// MarkCompleted flags a delivered task. The row is kept as an audit
// record.
func (m *Manager) MarkCompleted(id string) error {
	_, err := m.db.Exec(`
		UPDATE remind_tasks SET is_completed = 1, completed_at = ? WHERE id = ?
	`, time.Now().Format(timeLayout), id)
	return err
}

// List returns the most recently created tasks, completed or not.
func (m *Manager) List(limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.Query(`
		SELECT id, description, due_time, context, is_completed, created_at, completed_at
		FROM remind_tasks
		ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		var t Task
		var due, created string
		var taskContext, completed sql.NullString
		var isCompleted int

		err := rows.Scan(&t.ID, &t.Description, &due, &taskContext, &isCompleted, &created, &completed)
		if err != nil {
			return nil, err
		}

		t.DueTime, err = time.ParseInLocation(timeLayout, due, time.Local)
		if err != nil {
			return nil, fmt.Errorf("parse due_time: %w", err)
		}
		t.CreatedAt, _ = time.ParseInLocation(timeLayout, created, time.Local)
		t.IsCompleted = isCompleted == 1
		if taskContext.Valid {
			t.Context = taskContext.String
		}
		if completed.Valid {
			ts, err := time.ParseInLocation(timeLayout, completed.String, time.Local)
			if err == nil {
				t.CompletedAt = &ts
			}
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
