package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/liling/aoi-agent/internal/events"
	"github.com/liling/aoi-agent/internal/llm"
	"github.com/liling/aoi-agent/internal/reminder"
	"github.com/liling/aoi-agent/internal/tools"
)

const (
	// defaultIntrospectionCeiling bounds retry rounds; at the ceiling
	// the current draft is accepted unconditionally.
	defaultIntrospectionCeiling = 3

	// defaultToolRounds caps the chat tool loop so a model stuck
	// requesting tools cannot spin forever.
	defaultToolRounds = 8
)

// Engine executes turns. It holds collaborators only; everything
// mutable lives on the Turn.
type Engine struct {
	logger    *slog.Logger
	client    llm.Client
	model     string
	registry  *tools.Registry
	reminders *reminder.Manager
	bus       *events.Bus

	introspectionCeiling int
	toolRounds           int
	now                  func() time.Time
}

// New creates a workflow engine. bus may be nil (progress events are
// then dropped), reminders must not be.
func New(logger *slog.Logger, client llm.Client, model string, registry *tools.Registry, reminders *reminder.Manager, bus *events.Bus) *Engine {
	return &Engine{
		logger:               logger,
		client:               client,
		model:                model,
		registry:             registry,
		reminders:            reminders,
		bus:                  bus,
		introspectionCeiling: defaultIntrospectionCeiling,
		toolRounds:           defaultToolRounds,
		now:                  time.Now,
	}
}

// Run drives the turn through the stage machine and returns the final
// streamed answer. onToken receives each token of the final answer as
// it is generated; it may be nil.
func (e *Engine) Run(ctx context.Context, turn *Turn, onToken llm.StreamCallback) (string, error) {
	var answer string

	stage := StageIntent
	for stage != StageDone {
		e.progress(turn.ThreadID, stage)

		var next Stage
		var err error
		switch stage {
		case StageIntent:
			next = e.classifyIntent(ctx, turn)
		case StageConverse:
			next, err = e.converse(ctx, turn)
		case StageExtract:
			next, err = e.extractReminders(ctx, turn)
		case StageIntrospect:
			next = e.introspect(ctx, turn)
		case StageStream:
			answer, err = e.streamFinal(ctx, turn, onToken)
			next = StageDone
		default:
			return "", fmt.Errorf("unknown stage %s", stage)
		}
		if err != nil {
			return "", fmt.Errorf("stage %s: %w", stage, err)
		}
		if next != StageDone && !canTransition(stage, next) {
			return "", fmt.Errorf("illegal transition %s -> %s", stage, next)
		}
		stage = next
	}

	e.progress(turn.ThreadID, StageDone)
	return answer, nil
}

// progress publishes a workflow log line to the turn's chat session.
func (e *Engine) progress(threadID string, stage Stage) {
	e.logger.Debug("workflow stage", "thread", threadID, "stage", stage.String())
	e.bus.Publish(events.GraphLog(threadID, stage.String()))
}

// classifyIntent routes the user input to conversation or reminder
// extraction. Any failure falls open to conversation: a misrouted
// reminder is recoverable in chat, a dropped message is not.
func (e *Engine) classifyIntent(ctx context.Context, turn *Turn) Stage {
	prompt := fmt.Sprintf(
		"Classify the user's message into exactly one intent.\n"+
			"- \"set_reminder\": the user asks to be reminded of something at some time.\n"+
			"- \"chat\": anything else, including questions about existing reminders.\n"+
			"Reply with JSON only: {\"intent\": \"chat\"} or {\"intent\": \"set_reminder\"}.\n\n"+
			"Message: %s", turn.LastUserInput())

	var verdict struct {
		Intent string `json:"intent"`
	}
	err := llm.Extract(ctx, e.client, e.model, []llm.Message{{Role: "user", Content: prompt}}, &verdict)
	if err != nil {
		e.logger.Warn("intent classification failed, routing to chat", "thread", turn.ThreadID, "error", err)
		return StageConverse
	}
	if verdict.Intent == "set_reminder" {
		return StageExtract
	}
	return StageConverse
}

// converse produces a draft answer via a chat call with bound tools.
// Tool execution failures fail the turn.
func (e *Engine) converse(ctx context.Context, turn *Turn) (Stage, error) {
	msgs := make([]llm.Message, 0, len(turn.Messages)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: turn.SystemPrompt})
	msgs = append(msgs, turn.Messages...)

	specs := e.registry.List()
	for round := 0; round < e.toolRounds; round++ {
		resp, err := e.client.Chat(ctx, e.model, msgs, specs)
		if err != nil {
			return 0, fmt.Errorf("chat: %w", err)
		}
		if len(resp.Message.ToolCalls) == 0 {
			turn.ResponseDraft = resp.Message.Content
			return StageIntrospect, nil
		}

		msgs = append(msgs, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			e.logger.Debug("tool call", "thread", turn.ThreadID, "tool", call.Function.Name)
			result, err := e.registry.Execute(ctx, call.Function.Name, call.Function.Arguments)
			if err != nil {
				return 0, fmt.Errorf("tool %s: %w", call.Function.Name, err)
			}
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return 0, fmt.Errorf("tool loop exceeded %d rounds", e.toolRounds)
}

// extractedReminder is the structured extraction target. DueTime is a
// local-time ISO-8601 string the model resolves relative to the
// current time we hand it.
type extractedReminder struct {
	Description string `json:"description"`
	DueTime     string `json:"due_time"`
	Context     string `json:"context"`
}

// extractReminders pulls reminder items from the user input and
// persists them. Extraction failure fails the turn: silently dropping
// a reminder the user asked for is worse than an error.
func (e *Engine) extractReminders(ctx context.Context, turn *Turn) (Stage, error) {
	now := e.now()
	prompt := fmt.Sprintf(
		"Current time: %s.\n"+
			"Extract every reminder the user is asking for from the message below.\n"+
			"Resolve relative times (\"tomorrow\", \"in two hours\") against the current time.\n"+
			"Reply with JSON only: a list of objects with fields \"description\", "+
			"\"due_time\" (format 2006-01-02T15:04:05, local time) and \"context\" "+
			"(any extra detail worth repeating when the reminder fires, may be empty).\n\n"+
			"Message: %s",
		now.Format("2006-01-02T15:04:05 Monday"), turn.LastUserInput())

	var items []extractedReminder
	err := llm.Extract(ctx, e.client, e.model, []llm.Message{{Role: "user", Content: prompt}}, &items)
	if err != nil {
		return 0, fmt.Errorf("extract reminders: %w", err)
	}

	var lines []string
	for _, item := range items {
		due, err := parseDueTime(item.DueTime)
		if err != nil {
			return 0, fmt.Errorf("reminder %q: %w", item.Description, err)
		}
		task := &reminder.Task{
			Description: item.Description,
			DueTime:     due,
			Context:     item.Context,
		}
		if err := e.reminders.Add(task); err != nil {
			return 0, fmt.Errorf("store reminder %q: %w", item.Description, err)
		}
		lines = append(lines, fmt.Sprintf("%s at %s", item.Description, due.Format("2006-01-02 15:04")))
	}

	if len(lines) == 0 {
		turn.ResponseDraft = "I couldn't find a concrete reminder in that. Could you tell me what to remind you of, and when?"
	} else {
		turn.ResponseDraft = "Got it, I've set the following reminders: " + strings.Join(lines, "; ") + "."
	}
	return StageIntrospect, nil
}

// dueTimeLayouts are accepted model outputs, most specific first.
var dueTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	time.RFC3339,
}

func parseDueTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dueTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable due time %q", s)
}

// introspect issues a verdict on the draft. At the ceiling the draft is
// accepted regardless, and verdict failures also accept: introspection
// only ever improves an answer, it must never lose one.
func (e *Engine) introspect(ctx context.Context, turn *Turn) Stage {
	if turn.IntrospectionCount >= e.introspectionCeiling {
		e.logger.Debug("introspection ceiling reached, accepting draft", "thread", turn.ThreadID)
		return StageStream
	}
	turn.IntrospectionCount++

	prompt := fmt.Sprintf(
		"You are %s's quality check. The user said:\n%s\n\n"+
			"The draft reply is:\n%s\n\n"+
			"Does the draft actually answer the user, in %s, without contradicting itself? "+
			"Reply with JSON only: {\"verdict\": \"accept\"} or {\"verdict\": \"retry\"}.",
		turn.AIName, turn.LastUserInput(), turn.ResponseDraft, turn.ChatLanguage)

	var result struct {
		Verdict string `json:"verdict"`
	}
	err := llm.Extract(ctx, e.client, e.model, []llm.Message{{Role: "user", Content: prompt}}, &result)
	if err != nil {
		e.logger.Warn("introspection failed, accepting draft", "thread", turn.ThreadID, "error", err)
		return StageStream
	}
	if result.Verdict == "retry" {
		e.logger.Debug("introspection requested retry", "thread", turn.ThreadID, "round", turn.IntrospectionCount)
		return StageIntent
	}
	return StageStream
}

// streamFinal rewrites the accepted draft as the user-facing answer,
// streaming tokens through onToken as they arrive.
func (e *Engine) streamFinal(ctx context.Context, turn *Turn, onToken llm.StreamCallback) (string, error) {
	prompt := fmt.Sprintf(
		"%s\n\nYou already decided what to say; the draft is below. "+
			"Deliver it to %s in your own voice, in %s. Keep the content, fix the delivery. "+
			"Reply with the message only.\n\nDraft:\n%s",
		turn.SystemPrompt, turn.UserName, turn.ChatLanguage, turn.ResponseDraft)

	if onToken == nil {
		onToken = func(string) {}
	}
	resp, err := e.client.ChatStream(ctx, e.model, []llm.Message{{Role: "user", Content: prompt}}, nil, onToken)
	if err != nil {
		return "", fmt.Errorf("stream final answer: %w", err)
	}
	answer := resp.Message.Content
	turn.Messages = append(turn.Messages, llm.Message{Role: "assistant", Content: answer})
	return answer, nil
}
