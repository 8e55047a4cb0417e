// Package history stores conversation threads and their messages.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Thread is one conversation, identified by the caller-chosen id.
type Thread struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	TitleGenerated bool      `json:"title_generated"`
	ChatRound      int       `json:"chat_round"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StoredMessage is one persisted chat message.
type StoredMessage struct {
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists threads and messages in sqlite.
type Store struct {
	db *sql.DB
}

// NewStore creates the store and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			title_generated INTEGER NOT NULL DEFAULT 0,
			chat_round INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread
			ON messages(thread_id, id);
	`)
	return err
}

// ensureThread creates the thread row if it does not exist yet and
// bumps its updated_at either way.
func (s *Store) ensureThread(id string, now time.Time) error {
	ts := now.Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO threads (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, id, ts, ts)
	return err
}

// AppendMessage persists one message, creating the thread on first use.
func (s *Store) AppendMessage(threadID, role, content string) error {
	now := time.Now()
	if err := s.ensureThread(threadID, now); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (thread_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, threadID, role, content, now.Format(time.RFC3339Nano))
	return err
}

// Messages returns a thread's messages in chronological order.
func (s *Store) Messages(threadID string) ([]StoredMessage, error) {
	rows, err := s.db.Query(`
		SELECT thread_id, role, content, created_at
		FROM messages WHERE thread_id = ? ORDER BY id ASC
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var created string
		if err := rows.Scan(&m.ThreadID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetThread returns one thread, or nil when it does not exist.
func (s *Store) GetThread(id string) (*Thread, error) {
	row := s.db.QueryRow(`
		SELECT id, title, title_generated, chat_round, created_at, updated_at
		FROM threads WHERE id = ?
	`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListThreads returns threads newest-activity first.
func (s *Store) ListThreads(limit int) ([]*Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, title, title_generated, chat_round, created_at, updated_at
		FROM threads ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// BumpRound increments the thread's completed round counter and
// returns the new value.
func (s *Store) BumpRound(threadID string) (int, error) {
	if err := s.ensureThread(threadID, time.Now()); err != nil {
		return 0, err
	}
	_, err := s.db.Exec(`UPDATE threads SET chat_round = chat_round + 1 WHERE id = ?`, threadID)
	if err != nil {
		return 0, err
	}
	var round int
	err = s.db.QueryRow(`SELECT chat_round FROM threads WHERE id = ?`, threadID).Scan(&round)
	return round, err
}

// SetTitle stores a generated title and marks the thread titled.
func (s *Store) SetTitle(threadID, title string) error {
	_, err := s.db.Exec(`
		UPDATE threads SET title = ?, title_generated = 1 WHERE id = ?
	`, title, threadID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	var titleGenerated int
	var created, updated string
	if err := row.Scan(&t.ID, &t.Title, &titleGenerated, &t.ChatRound, &created, &updated); err != nil {
		return nil, err
	}
	t.TitleGenerated = titleGenerated != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &t, nil
}
