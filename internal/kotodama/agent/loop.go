package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
	"github.com/kotodama-bot/kotodama/internal/kotodama/tools"
)

// DefaultMaxRounds bounds the model calls of one Loop.Run.
const DefaultMaxRounds = 10

var (
	// ErrTooManyRounds is returned when the model keeps requesting tools
	// past MaxRounds.
	ErrTooManyRounds = errors.New("agent: exceeded maximum tool call rounds")
	// ErrNoProvider is returned by Loop.Run without a provider.
	ErrNoProvider = errors.New("agent: LLM provider not configured")
)

// Loop drives the model through tool calls until it answers in text.
type Loop struct {
	Provider llm.Provider
	// Tools may be nil; every call then fails with tools.ErrUnknownTool.
	Tools     *tools.Registry
	Model     string
	MaxTokens int
	// MaxRounds defaults to DefaultMaxRounds.
	MaxRounds int
	Now       func() time.Time
	Logger    *slog.Logger
}

// Run sends messages to the model and executes the tool calls it asks
// for, in order, feeding each result back. It returns the final text and
// the turns produced on the way: each assistant turn that requested tools
// followed by one tool turn per call. The final text is not among them.
//
// Tool failures are reported to the model as "error: ..." results. A
// failed model call aborts the run and nothing is returned.
func (l *Loop) Run(ctx context.Context, messages []llm.Message) (string, []memory.Turn, error) {
	if l.Provider == nil {
		return "", nil, ErrNoProvider
	}
	maxRounds := l.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	now := l.Now
	if now == nil {
		now = time.Now
	}
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}

	var defs []llm.ToolDefinition
	if l.Tools != nil {
		defs = l.Tools.Definitions()
	}

	msgs := slices.Clone(messages)
	var emitted []memory.Turn
	for round := 0; round < maxRounds; round++ {
		resp, err := l.Provider.Complete(ctx, llm.CompletionRequest{
			Model:     l.Model,
			Messages:  msgs,
			Tools:     defs,
			MaxTokens: l.MaxTokens,
		})
		if err != nil {
			return "", nil, fmt.Errorf("agent: llm call: %w", err)
		}
		if resp == nil {
			return "", nil, fmt.Errorf("agent: llm call: %w", llm.ErrNoChoices)
		}

		reply := resp.Message
		reply.Role = llm.RoleAssistant
		if len(reply.ToolCalls) == 0 {
			return reply.Content, emitted, nil
		}

		msgs = append(msgs, reply)
		emitted = append(emitted, memory.TurnFromMessage(reply, now()))

		for _, tc := range reply.ToolCalls {
			result, err := l.dispatch(ctx, tc)
			if err != nil {
				log.Warn("tool call failed", "tool", tc.Name, "err", err)
				result = "error: " + err.Error()
			} else {
				log.Debug("tool call", "tool", tc.Name, "result_len", len(result))
			}
			toolMsg := llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			}
			msgs = append(msgs, toolMsg)
			emitted = append(emitted, memory.TurnFromMessage(toolMsg, now()))
		}
	}
	return "", nil, fmt.Errorf("%w (%d)", ErrTooManyRounds, maxRounds)
}

func (l *Loop) dispatch(ctx context.Context, tc llm.ToolCall) (string, error) {
	if l.Tools == nil {
		return "", fmt.Errorf("%w: %s", tools.ErrUnknownTool, tc.Name)
	}
	return l.Tools.Dispatch(ctx, tc)
}
