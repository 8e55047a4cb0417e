package llm

import "testing"

func TestDecodeJSONPlainObject(t *testing.T) {
	var out struct {
		Intent string `json:"intent"`
	}
	if err := DecodeJSON(`{"intent": "chat"}`, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Intent != "chat" {
		t.Errorf("intent = %q", out.Intent)
	}
}

func TestDecodeJSONFenced(t *testing.T) {
	content := "```json\n{\"verdict\": \"retry\"}\n```"
	var out struct {
		Verdict string `json:"verdict"`
	}
	if err := DecodeJSON(content, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Verdict != "retry" {
		t.Errorf("verdict = %q", out.Verdict)
	}
}

func TestDecodeJSONProseWrapped(t *testing.T) {
	content := `Sure, here is the result: {"intent": "set_reminder"} — hope that helps!`
	var out struct {
		Intent string `json:"intent"`
	}
	if err := DecodeJSON(content, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Intent != "set_reminder" {
		t.Errorf("intent = %q", out.Intent)
	}
}

func TestDecodeJSONArrayWithLeadingProse(t *testing.T) {
	content := "Here you go:\n[{\"description\": \"buy milk\"}, {\"description\": \"call mom\"}]"
	var out []struct {
		Description string `json:"description"`
	}
	if err := DecodeJSON(content, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].Description != "buy milk" {
		t.Errorf("out = %+v", out)
	}
}

func TestDecodeJSONNoValue(t *testing.T) {
	var out map[string]any
	for _, content := range []string{"", "   ", "no json here at all", "{ broken"} {
		if err := DecodeJSON(content, &out); err == nil {
			t.Errorf("DecodeJSON(%q): expected error", content)
		}
	}
}

func TestParseTextToolCallsSingleObject(t *testing.T) {
	calls := parseTextToolCalls(`{"name": "current_time", "arguments": {"timezone": "local"}}`)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Function.Name != "current_time" {
		t.Errorf("name = %q", calls[0].Function.Name)
	}
	if calls[0].Function.Arguments["timezone"] != "local" {
		t.Errorf("arguments = %v", calls[0].Function.Arguments)
	}
}

func TestParseTextToolCallsArray(t *testing.T) {
	calls := parseTextToolCalls(`[{"name": "a", "arguments": {}}, {"name": "b", "arguments": {}}]`)
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].Function.Name != "a" || calls[1].Function.Name != "b" {
		t.Errorf("names = %q, %q", calls[0].Function.Name, calls[1].Function.Name)
	}
}

func TestParseTextToolCallsTagged(t *testing.T) {
	content := `thinking...
<tool_call>
{"name": "list_reminders", "arguments": {"limit": 3}}
</tool_call>`
	calls := parseTextToolCalls(content)
	if len(calls) != 1 || calls[0].Function.Name != "list_reminders" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestParseTextToolCallsPlainProse(t *testing.T) {
	if calls := parseTextToolCalls("I'll just answer directly."); calls != nil {
		t.Errorf("calls = %+v, want nil", calls)
	}
	if calls := parseTextToolCalls(""); calls != nil {
		t.Errorf("calls = %+v, want nil", calls)
	}
}
