package episodic

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/liling/aoi-agent/internal/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "episodic_test.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestAddAssignsIDAndTimestamp(t *testing.T) {
	store := newTestStore(t)

	ep := &Episode{
		UserID:      "liling",
		Observation: "asked about tea",
		Thought:     "prefers green tea",
		Action:      "recommended longjing",
		Result:      "was pleased",
	}
	if err := store.Add(ep); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ep.ID == "" {
		t.Error("ID was not assigned")
	}
	if ep.CreatedAt.IsZero() {
		t.Error("CreatedAt was not assigned")
	}
}

func TestRecallFiltersByQueryAndUser(t *testing.T) {
	store := newTestStore(t)

	episodes := []*Episode{
		{UserID: "liling", Observation: "asked about tea", Thought: "x", Action: "y", Result: "z"},
		{UserID: "liling", Observation: "mentioned a deadline", Thought: "stressed", Action: "kept it short", Result: "ok"},
		{UserID: "someone-else", Observation: "asked about tea too", Thought: "x", Action: "y", Result: "z"},
	}
	for _, ep := range episodes {
		if err := store.Add(ep); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := store.Recall("liling", "tea", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recall = %d episodes, want 1", len(got))
	}
	if got[0].Observation != "asked about tea" {
		t.Errorf("recalled %q", got[0].Observation)
	}

	// The query matches any of the four fields.
	got, err = store.Recall("liling", "stressed", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 1 || got[0].Observation != "mentioned a deadline" {
		t.Errorf("recall by thought = %+v", got)
	}
}

func TestRecallMatchesTermsFromFullSentence(t *testing.T) {
	store := newTestStore(t)

	eps := []*Episode{
		{UserID: "liling", Observation: "user mentioned a budget meeting", Thought: "t", Action: "a", Result: "r"},
		{UserID: "liling", Observation: "asked about the weather", Thought: "t", Action: "a", Result: "r"},
	}
	for _, ep := range eps {
		if err := store.Add(ep); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Whole user messages land here; individual terms must match even
	// though the full sentence never appears in any stored field.
	got, err := store.Recall("liling", "remind me about the budget meeting tomorrow", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("recall with sentence query returned nothing")
	}
	found := false
	for _, ep := range got {
		if ep.Observation == "user mentioned a budget meeting" {
			found = true
		}
	}
	if !found {
		t.Errorf("budget meeting episode not recalled, got %+v", got)
	}
}

func TestRecallFallsBackToRecencyWhenNothingMatches(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, obs := range []string{"older episode", "newer episode"} {
		ep := &Episode{
			UserID:      "liling",
			Observation: obs,
			Thought:     "t", Action: "a", Result: "r",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Add(ep); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := store.Recall("liling", "zzqx", 1)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("fallback recall = %d episodes, want 1", len(got))
	}
	if got[0].Observation != "newer episode" {
		t.Errorf("fallback recalled %q, want the newest episode", got[0].Observation)
	}
}

func TestRecallNewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		ep := &Episode{
			UserID:      "liling",
			Observation: strings.Repeat("x", i+1),
			Thought:     "t", Action: "a", Result: "r",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Add(ep); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := store.Recall("liling", "", 2)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recall = %d episodes, want 2", len(got))
	}
	if got[0].Observation != "xxxx" || got[1].Observation != "xxx" {
		t.Errorf("order = %q, %q; want newest first", got[0].Observation, got[1].Observation)
	}
}

func TestPromptLine(t *testing.T) {
	ep := Episode{Observation: "o", Thought: "t", Action: "a", Result: "r"}
	want := "observed: o | thought: t | did: a | outcome: r"
	if got := ep.PromptLine(); got != want {
		t.Errorf("PromptLine = %q, want %q", got, want)
	}
}

// stubClient answers every chat with a fixed body.
type stubClient struct {
	body string
	err  error
}

func (s *stubClient) Chat(context.Context, string, []llm.Message, []map[string]any) (*llm.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: s.body}, Done: true}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, msgs, tools)
}

func (s *stubClient) Ping(context.Context) error { return nil }

func TestReflectStoresExtractedEpisodes(t *testing.T) {
	store := newTestStore(t)
	client := &stubClient{body: `[
		{"observation": "user works late", "thought": "night owl", "action": "noted it", "result": "fine"},
		{"observation": "", "thought": "noise", "action": "", "result": ""}
	]`}
	r := NewReflector(slog.New(slog.DiscardHandler), client, "test-model", store)

	if err := r.Reflect(context.Background(), "liling", "user: still awake\nassistant: late again?"); err != nil {
		t.Fatalf("reflect: %v", err)
	}

	got, err := store.Recall("liling", "", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	// The episode with an empty observation is skipped.
	if len(got) != 1 {
		t.Fatalf("stored = %d episodes, want 1", len(got))
	}
	if got[0].Observation != "user works late" {
		t.Errorf("stored %q", got[0].Observation)
	}
}

func TestReflectEmptyExtractionIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	client := &stubClient{body: `[]`}
	r := NewReflector(slog.New(slog.DiscardHandler), client, "test-model", store)

	if err := r.Reflect(context.Background(), "liling", "user: hi\nassistant: hello"); err != nil {
		t.Fatalf("reflect: %v", err)
	}
	got, err := store.Recall("liling", "", 10)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("stored = %d episodes, want 0", len(got))
	}
}
