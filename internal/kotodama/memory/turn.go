// Package memory implements the per-scope conversational memory: the turn
// log, the bounded context-window buffer and its summarising prune, the
// channel checkpoint tracker, editable memory blocks, and the prompt
// compiler that threads all of it back into an LLM request.
//
// State is reached through the repository interfaces in repository.go;
// the store package provides the SQLite implementation and MemScope an
// in-memory one.
package memory

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
)

// Turn is one conversational entry.
type Turn struct {
	// ID is the platform message id for inbound user turns and a ULID for
	// turns generated here. Summary turns use SummaryID.
	ID        string         `json:"id"`
	Role      llm.Role       `json:"role"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool turn to the assistant call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool turns.
	Name       string    `json:"name,omitempty"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorName string    `json:"author_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewTurnID returns a time-ordered id for an internally generated turn.
func NewTurnID() string {
	return ulid.Make().String()
}

// Message converts t to the wire-neutral LLM message.
func (t Turn) Message() llm.Message {
	return llm.Message{
		Role:       t.Role,
		Content:    t.Content,
		ToolCalls:  t.ToolCalls,
		ToolCallID: t.ToolCallID,
		Name:       t.Name,
	}
}

// TurnFromMessage wraps an LLM message as a new turn created at now.
func TurnFromMessage(m llm.Message, now time.Time) Turn {
	return Turn{
		ID:         NewTurnID(),
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
		CreatedAt:  now,
	}
}
