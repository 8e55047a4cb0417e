package episodic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liling/aoi-agent/internal/llm"
)

// Reflector distills a finished conversation into episodes. It runs
// out of band, after the answer was already delivered, so its errors
// never reach the user.
type Reflector struct {
	logger *slog.Logger
	client llm.Client
	model  string
	store  *Store
}

// NewReflector creates a reflector writing to store.
func NewReflector(logger *slog.Logger, client llm.Client, model string, store *Store) *Reflector {
	return &Reflector{logger: logger, client: client, model: model, store: store}
}

// extractedEpisode mirrors the model's JSON output.
type extractedEpisode struct {
	Observation string `json:"observation"`
	Thought     string `json:"thought"`
	Action      string `json:"action"`
	Result      string `json:"result"`
}

// Reflect extracts episodes from a transcript and stores them for
// userID. An empty extraction is not an error; models legitimately
// find nothing memorable in small talk.
func (r *Reflector) Reflect(ctx context.Context, userID, transcript string) error {
	prompt := fmt.Sprintf(
		"Read the conversation below and extract the moments worth remembering "+
			"about the user or about how the conversation went. For each, reply with "+
			"an object holding \"observation\" (what happened), \"thought\" (what it "+
			"implies), \"action\" (what the assistant did about it) and \"result\" "+
			"(how it turned out). Reply with a JSON list only; an empty list is fine.\n\n"+
			"Conversation:\n%s", transcript)

	var items []extractedEpisode
	err := llm.Extract(ctx, r.client, r.model, []llm.Message{{Role: "user", Content: prompt}}, &items)
	if err != nil {
		return fmt.Errorf("reflect: %w", err)
	}

	for _, item := range items {
		if item.Observation == "" {
			continue
		}
		ep := &Episode{
			UserID:      userID,
			Observation: item.Observation,
			Thought:     item.Thought,
			Action:      item.Action,
			Result:      item.Result,
		}
		if err := r.store.Add(ep); err != nil {
			return fmt.Errorf("store episode: %w", err)
		}
	}

	r.logger.Debug("reflection stored", "user", userID, "episodes", len(items))
	return nil
}
