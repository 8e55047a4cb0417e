// Package episodic gives the agent continuity across conversations.
// Finished turns are distilled into small observation/thought/action/
// result episodes by a reflector, stored per user, and recalled into
// the system prompt of later turns.
package episodic

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Episode is one distilled memory.
type Episode struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Observation string    `json:"observation"`
	Thought     string    `json:"thought"`
	Action      string    `json:"action"`
	Result      string    `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
}

// PromptLine renders the episode for system prompt injection.
func (e Episode) PromptLine() string {
	return fmt.Sprintf("observed: %s | thought: %s | did: %s | outcome: %s",
		e.Observation, e.Thought, e.Action, e.Result)
}

// Store persists episodes in sqlite.
type Store struct {
	db *sql.DB
}

// NewStore creates the store and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate episodes: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			observation TEXT NOT NULL,
			thought TEXT NOT NULL,
			action TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_episodes_user_created
			ON episodes(user_id, created_at DESC);
	`)
	return err
}

// Add persists one episode, assigning an ID and timestamp if unset.
func (s *Store) Add(e *Episode) error {
	if e.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			e.ID = id.String()
		} else {
			e.ID = uuid.New().String()
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO episodes (id, user_id, observation, thought, action, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Observation, e.Thought, e.Action, e.Result,
		e.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// Recall returns the user's episodes, newest first. The query is
// tokenized into terms; an episode matches when any term appears in
// any of its four fields. Callers pass whole user messages here, so
// requiring the full sentence as one substring would match nothing.
// When no term matches, or the query is empty, the most recent
// episodes are returned instead: a turn always has some memory.
func (s *Store) Recall(userID, query string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 5
	}

	if terms := strings.Fields(query); len(terms) > 0 {
		episodes, err := s.recall(userID, terms, limit)
		if err != nil {
			return nil, err
		}
		if len(episodes) > 0 {
			return episodes, nil
		}
	}
	return s.recall(userID, nil, limit)
}

func (s *Store) recall(userID string, terms []string, limit int) ([]Episode, error) {
	where := "user_id = ?"
	args := []any{userID}
	if len(terms) > 0 {
		clauses := make([]string, 0, len(terms))
		for _, term := range terms {
			clauses = append(clauses, `(observation LIKE ? OR thought LIKE ? OR action LIKE ? OR result LIKE ?)`)
			like := "%" + term + "%"
			args = append(args, like, like, like, like)
		}
		where += " AND (" + strings.Join(clauses, " OR ") + ")"
	}
	args = append(args, limit)

	rows, err := s.db.Query(`
		SELECT id, user_id, observation, thought, action, result, created_at
		FROM episodes
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		var e Episode
		var created string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Observation, &e.Thought, &e.Action, &e.Result, &created); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}
