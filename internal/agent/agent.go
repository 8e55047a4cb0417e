// Package agent orchestrates one conversation turn end to end: busy
// signalling, memory recall, workflow execution, persistence, title
// generation and delayed reflection.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/liling/aoi-agent/internal/durable"
	"github.com/liling/aoi-agent/internal/episodic"
	"github.com/liling/aoi-agent/internal/events"
	"github.com/liling/aoi-agent/internal/graph"
	"github.com/liling/aoi-agent/internal/history"
	"github.com/liling/aoi-agent/internal/llm"
	"github.com/liling/aoi-agent/internal/speech"
)

const (
	// titleAfterRounds is how many completed rounds a thread needs
	// before a title is generated for it.
	titleAfterRounds = 3

	// recallEpisodes is how many episodes are injected per turn.
	recallEpisodes = 5
)

// Persona carries the agent's identity parameters.
type Persona struct {
	SystemPrompt string
	UserName     string
	AIName       string
	ChatLanguage string
}

// Agent runs turns for one user.
type Agent struct {
	logger    *slog.Logger
	persona   Persona
	userID    string
	engine    *graph.Engine
	client    llm.Client
	model     string
	history   *history.Store
	episodes  *episodic.Store
	reflector *episodic.Reflector
	executor  *durable.Executor
	bus       *events.Bus
	pipeline  *speech.Pipeline

	reflectionDelay time.Duration

	voice  atomic.Bool
	titles singleflight.Group

	mu       sync.Mutex
	inflight map[string]bool
}

// Config bundles the agent's collaborators. pipeline may be nil when
// speech is not configured.
type Config struct {
	Logger          *slog.Logger
	Persona         Persona
	UserID          string
	Engine          *graph.Engine
	Client          llm.Client
	Model           string
	History         *history.Store
	Episodes        *episodic.Store
	Reflector       *episodic.Reflector
	Executor        *durable.Executor
	Bus             *events.Bus
	Pipeline        *speech.Pipeline
	ReflectionDelay time.Duration
}

// New assembles an agent.
func New(cfg Config) *Agent {
	a := &Agent{
		logger:          cfg.Logger,
		persona:         cfg.Persona,
		userID:          cfg.UserID,
		engine:          cfg.Engine,
		client:          cfg.Client,
		model:           cfg.Model,
		history:         cfg.History,
		episodes:        cfg.Episodes,
		reflector:       cfg.Reflector,
		executor:        cfg.Executor,
		bus:             cfg.Bus,
		pipeline:        cfg.Pipeline,
		reflectionDelay: cfg.ReflectionDelay,
		inflight:        make(map[string]bool),
	}
	if a.reflectionDelay <= 0 {
		a.reflectionDelay = 180 * time.Second
	}
	a.voice.Store(cfg.Pipeline != nil)
	return a
}

// SetVoice toggles speech output. Best-effort; chat delivery is never
// affected.
func (a *Agent) SetVoice(enabled bool) {
	if a.pipeline == nil {
		return
	}
	a.voice.Store(enabled)
	a.logger.Info("voice output toggled", "enabled", enabled)
}

// VoiceEnabled reports whether speech output is currently on.
func (a *Agent) VoiceEnabled() bool {
	return a.pipeline != nil && a.voice.Load()
}

// Chat runs one turn for a thread and returns the final answer. A
// second message for a thread whose turn is still running is rejected
// and reported to that session as an error event.
func (a *Agent) Chat(ctx context.Context, threadID, input string) (string, error) {
	a.mu.Lock()
	if a.inflight[threadID] {
		a.mu.Unlock()
		a.bus.Publish(events.Error(events.ScopeChat, threadID, "previous message is still being processed"))
		return "", fmt.Errorf("thread %s busy", threadID)
	}
	a.inflight[threadID] = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, threadID)
		a.mu.Unlock()
	}()

	a.bus.Publish(events.InputReady(a.userID, false))
	defer a.bus.Publish(events.InputReady(a.userID, true))

	answer, err := a.runTurn(ctx, threadID, input)
	if err != nil {
		a.logger.Error("turn failed", "thread", threadID, "error", err)
		a.bus.Publish(events.Error(events.ScopeChat, threadID, err.Error()))
		return "", err
	}
	return answer, nil
}

func (a *Agent) runTurn(ctx context.Context, threadID, input string) (string, error) {
	turn, err := a.buildTurn(threadID, input)
	if err != nil {
		return "", err
	}

	speak := a.VoiceEnabled()
	onToken := func(token string) {
		a.bus.Publish(events.Chunk(threadID, token))
		if speak {
			a.pipeline.EnqueueText(token)
		}
	}

	answer, err := a.engine.Run(ctx, turn, onToken)
	if err != nil {
		return "", err
	}
	if speak {
		a.pipeline.EndOfAnswer()
	}

	if err := a.history.AppendMessage(threadID, "user", input); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}
	if err := a.history.AppendMessage(threadID, "assistant", answer); err != nil {
		return "", fmt.Errorf("persist assistant message: %w", err)
	}

	a.afterTurn(threadID, turn)
	return answer, nil
}

// buildTurn assembles the workflow input: persisted history plus the
// new user message, with recalled episodes folded into the system
// prompt.
func (a *Agent) buildTurn(threadID, input string) (*graph.Turn, error) {
	stored, err := a.history.Messages(threadID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]llm.Message, 0, len(stored)+1)
	for _, m := range stored {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: input})

	return &graph.Turn{
		ThreadID:     threadID,
		UserName:     a.persona.UserName,
		AIName:       a.persona.AIName,
		ChatLanguage: a.persona.ChatLanguage,
		SystemPrompt: a.systemPrompt(input),
		Messages:     msgs,
	}, nil
}

// systemPrompt extends the persona prompt with recalled episodes.
// Recall failures degrade to persona-only; a turn without memory is
// still a turn.
func (a *Agent) systemPrompt(input string) string {
	prompt := a.persona.SystemPrompt

	recalled, err := a.episodes.Recall(a.userID, input, recallEpisodes)
	if err != nil {
		a.logger.Warn("episode recall failed", "error", err)
		return prompt
	}
	if len(recalled) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nThings you remember from earlier conversations:\n")
	for _, ep := range recalled {
		b.WriteString("- ")
		b.WriteString(ep.PromptLine())
		b.WriteString("\n")
	}
	return b.String()
}

// afterTurn handles the background work a finished turn triggers:
// round accounting, title generation and the delayed reflection
// submission. Failures here log; the answer already reached the user.
func (a *Agent) afterTurn(threadID string, turn *graph.Turn) {
	round, err := a.history.BumpRound(threadID)
	if err != nil {
		a.logger.Warn("bump round failed", "thread", threadID, "error", err)
	} else if round >= titleAfterRounds {
		a.maybeGenerateTitle(threadID)
	}

	payload, err := json.Marshal(reflectionTask{
		UserID:     a.userID,
		Transcript: renderTranscript(turn.Messages),
	})
	if err != nil {
		a.logger.Warn("marshal reflection task failed", "thread", threadID, "error", err)
		return
	}
	if _, err := a.executor.Submit(threadID, payload, a.reflectionDelay); err != nil {
		a.logger.Warn("submit reflection failed", "thread", threadID, "error", err)
	}
}

// maybeGenerateTitle launches single-flight title generation for a
// thread that has none yet.
func (a *Agent) maybeGenerateTitle(threadID string) {
	thread, err := a.history.GetThread(threadID)
	if err != nil {
		a.logger.Warn("load thread failed", "thread", threadID, "error", err)
		return
	}
	if thread == nil || thread.TitleGenerated {
		return
	}

	go func() {
		_, _, _ = a.titles.Do(threadID, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := a.generateTitle(ctx, threadID); err != nil {
				a.logger.Warn("title generation failed", "thread", threadID, "error", err)
			}
			return nil, nil
		})
	}()
}

func (a *Agent) generateTitle(ctx context.Context, threadID string) error {
	msgs, err := a.history.Messages(threadID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	stored := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		stored = append(stored, llm.Message{Role: m.Role, Content: m.Content})
	}

	prompt := fmt.Sprintf(
		"Summarize the conversation below as a short title, at most six words, "+
			"in %s. Reply with the title only, no quotes.\n\n%s",
		a.persona.ChatLanguage, renderTranscript(stored))

	resp, err := a.client.Chat(ctx, a.model, []llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return fmt.Errorf("title chat: %w", err)
	}
	title := strings.TrimSpace(strings.Trim(resp.Message.Content, "\"“”"))
	if title == "" {
		return fmt.Errorf("empty title")
	}

	if err := a.history.SetTitle(threadID, title); err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	a.bus.Publish(events.TitleGenerated(a.userID))
	a.logger.Info("thread titled", "thread", threadID, "title", title)
	return nil
}

// reflectionTask is the durable payload for delayed reflection.
type reflectionTask struct {
	UserID     string `json:"user_id"`
	Transcript string `json:"transcript"`
}

// HandleReflection is the durable executor's callback: it distills a
// turn transcript into episodic memory.
func (a *Agent) HandleReflection(ctx context.Context, key string, payload json.RawMessage) error {
	var task reflectionTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode reflection task: %w", err)
	}
	return a.reflector.Reflect(ctx, task.UserID, task.Transcript)
}

// renderTranscript flattens messages for prompts and reflection.
func renderTranscript(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
