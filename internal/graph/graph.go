// Package graph runs one conversation turn as an explicit stage
// machine: classify intent, produce a draft (chat with tools, or
// reminder extraction), introspect the draft, then stream the final
// answer. Stages and their legal transitions are data, not control
// flow buried in callbacks.
package graph

import (
	"fmt"

	"github.com/liling/aoi-agent/internal/llm"
)

// Stage identifies one node of the turn workflow.
type Stage int

const (
	StageIntent Stage = iota
	StageConverse
	StageExtract
	StageIntrospect
	StageStream
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIntent:
		return "intent"
	case StageConverse:
		return "converse"
	case StageExtract:
		return "extract_reminders"
	case StageIntrospect:
		return "introspect"
	case StageStream:
		return "stream_final"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// transitions is the full set of legal stage edges. A node returning
// anything else is a bug, caught at runtime rather than silently run.
var transitions = map[Stage][]Stage{
	StageIntent:     {StageConverse, StageExtract},
	StageConverse:   {StageIntrospect},
	StageExtract:    {StageIntrospect},
	StageIntrospect: {StageIntent, StageStream},
	StageStream:     {StageDone},
}

func canTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Turn is the mutable state of one workflow run. Retry counters live
// here, per turn, never in the engine.
type Turn struct {
	ThreadID string

	// Persona parameters injected into prompts.
	UserName     string
	AIName       string
	ChatLanguage string
	SystemPrompt string

	// Messages is the conversation so far, last entry the user's
	// current input. Nodes append to it.
	Messages []llm.Message

	// ResponseDraft is the candidate answer awaiting introspection.
	ResponseDraft string

	// IntrospectionCount is how many verdicts have been issued for
	// this turn.
	IntrospectionCount int
}

// LastUserInput returns the content of the most recent user message.
func (t *Turn) LastUserInput() string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == "user" {
			return t.Messages[i].Content
		}
	}
	return ""
}
