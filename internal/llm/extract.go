package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Extract sends a chat request whose prompt asks for a JSON answer and
// unmarshals the model's reply into out. Replies wrapped in code fences
// or surrounded by prose are handled; anything without a parseable JSON
// value is an error.
func Extract(ctx context.Context, client Client, model string, messages []Message, out any) error {
	resp, err := client.Chat(ctx, model, messages, nil)
	if err != nil {
		return err
	}
	if err := DecodeJSON(resp.Message.Content, out); err != nil {
		return fmt.Errorf("decode structured reply: %w", err)
	}
	return nil
}

// DecodeJSON unmarshals the first JSON object or array found in
// content into out. Models routinely wrap JSON in markdown fences or
// lead with a sentence, so plain json.Unmarshal is not enough.
func DecodeJSON(content string, out any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("empty reply")
	}

	// Strip a ```json ... ``` fence if present.
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if end := strings.LastIndex(content, "```"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}

	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}

	// Fall back to the outermost braces or brackets.
	start := strings.IndexAny(content, "{[")
	if start == -1 {
		return fmt.Errorf("no JSON value in reply")
	}
	var end int
	if content[start] == '{' {
		end = strings.LastIndex(content, "}")
	} else {
		end = strings.LastIndex(content, "]")
	}
	if end <= start {
		return fmt.Errorf("unterminated JSON value in reply")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
