// Package reminder stores user reminders extracted from conversation
// and delivers them when due. Rows are never deleted, only marked
// completed, so the table doubles as an audit trail.
package reminder

import "time"

// Task is one scheduled reminder.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	DueTime     time.Time  `json:"due_time"`
	Context     string     `json:"context,omitempty"`
	IsCompleted bool       `json:"is_completed"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// timeLayout is the naive local-time storage format. Reminders carry no
// timezone; the caller normalizes to server-local time before insert.
const timeLayout = "2006-01-02 15:04:05"
