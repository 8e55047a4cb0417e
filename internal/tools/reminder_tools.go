package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/liling/aoi-agent/internal/reminder"
)

// SetReminderManager adds reminder tools to the registry.
func (r *Registry) SetReminderManager(manager *reminder.Manager) {
	r.Register(&Tool{
		Name:        "list_reminders",
		Description: "List the user's reminders, pending ones first. Use this when the user asks what reminders they have or whether something is already scheduled.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of reminders to return (default 20)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			limit := 20
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}

			list, err := manager.List(limit)
			if err != nil {
				return "", fmt.Errorf("list reminders: %w", err)
			}
			if len(list) == 0 {
				return "No reminders found.", nil
			}

			var b strings.Builder
			for _, t := range list {
				status := "pending"
				if t.IsCompleted {
					status = "done"
				}
				fmt.Fprintf(&b, "- [%s] %s (due %s)", status, t.Description, t.DueTime.Format("2006-01-02 15:04"))
				if t.Context != "" {
					fmt.Fprintf(&b, " — %s", t.Context)
				}
				b.WriteString("\n")
			}
			return b.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "complete_reminder",
		Description: "Mark a reminder as completed by its ID. Use list_reminders first to find the ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The reminder ID",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, _ := args["id"].(string)
			if id == "" {
				return "", fmt.Errorf("id is required")
			}
			if err := manager.MarkCompleted(id); err != nil {
				return "", fmt.Errorf("complete reminder: %w", err)
			}
			return "Reminder marked as completed.", nil
		},
	})
}
