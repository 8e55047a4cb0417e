package durable

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PendingTask is the persisted record of one unit of deferred work.
// It is written before the work is scheduled and deleted only after the
// work provably completed, which makes the table the sole source of
// truth for recovery after a restart.
type PendingTask struct {
	Key       string
	Payload   json.RawMessage
	ExecuteAt time.Time
}

// Store persists pending tasks in the shared database. One row per
// owning key: re-submitting a key overwrites the prior row, which is
// what coalesces rapid re-submissions.
type Store struct {
	db *sql.DB
}

// NewStore creates the store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pending_tasks (
		owning_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		execute_at TEXT NOT NULL
	);
	`)
	return err
}

// Put writes (or overwrites) the pending task for its key.
func (s *Store) Put(t *PendingTask) error {
	_, err := s.db.Exec(`
		INSERT INTO pending_tasks (owning_key, payload, execute_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owning_key) DO UPDATE SET
			payload = excluded.payload,
			execute_at = excluded.execute_at
	`, t.Key, string(t.Payload), t.ExecuteAt.Format(time.RFC3339Nano))
	return err
}

// Get returns the pending task for a key, or nil, nil when absent.
func (s *Store) Get(key string) (*PendingTask, error) {
	row := s.db.QueryRow(`
		SELECT owning_key, payload, execute_at FROM pending_tasks WHERE owning_key = ?
	`, key)

	t, err := scanPending(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// Delete removes a key's pending task. Deleting an absent key is a
// no-op.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM pending_tasks WHERE owning_key = ?`, key)
	return err
}

// All returns every persisted pending task, for the resume-on-boot
// scan.
func (s *Store) All() ([]*PendingTask, error) {
	rows, err := s.db.Query(`SELECT owning_key, payload, execute_at FROM pending_tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*PendingTask
	for rows.Next() {
		t, err := scanPending(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanPending(scan func(...any) error) (*PendingTask, error) {
	var t PendingTask
	var payload, executeAt string
	if err := scan(&t.Key, &payload, &executeAt); err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	ts, err := time.Parse(time.RFC3339Nano, executeAt)
	if err != nil {
		return nil, fmt.Errorf("parse execute_at: %w", err)
	}
	t.ExecuteAt = ts
	return &t, nil
}
