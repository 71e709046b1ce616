package memory

import (
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
)

const (
	promptDateLayout     = "January 2, 2006"
	promptModifiedLayout = "2006-01-02 03:04:05 PM MST"
)

// PromptOptions controls system prompt rendering.
type PromptOptions struct {
	// Now supplies the current date line.
	Now time.Time
	// LineNumbers prefixes each value line with "Line N: " (1-based).
	LineNumbers bool
}

// CompileSystemPrompt renders instructions followed by the memory blocks
// and a metadata section. The output depends only on its arguments.
func CompileSystemPrompt(instructions string, blocks []Block, opts PromptOptions) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(instructions, "\n"))
	b.WriteString("\n\n<memory_blocks>\n")
	b.WriteString("The following memory blocks are currently engaged in your core memory unit:\n\n")

	var lastModified time.Time
	for i, blk := range blocks {
		if blk.LastUpdated.After(lastModified) {
			lastModified = blk.LastUpdated
		}
		fmt.Fprintf(&b, "<%s>\n", blk.Label)
		fmt.Fprintf(&b, "<description>\n%s\n</description>\n", blk.Description)
		b.WriteString("<metadata>\n")
		fmt.Fprintf(&b, "- read_only=%t\n", blk.ReadOnly)
		fmt.Fprintf(&b, "- chars_current=%d\n", utf8.RuneCountInString(blk.Value))
		fmt.Fprintf(&b, "- chars_limit=%d\n", blk.Limit)
		b.WriteString("</metadata>\n")
		b.WriteString("<value>\n")
		b.WriteString(renderValue(blk.Value, opts.LineNumbers))
		b.WriteString("\n</value>\n")
		fmt.Fprintf(&b, "</%s>\n", blk.Label)
		if i < len(blocks)-1 {
			b.WriteString("\n")
		}
	}
	b.WriteString("</memory_blocks>\n\n")

	b.WriteString("<memory_metadata>\n")
	fmt.Fprintf(&b, "- The current system date is: %s\n", opts.Now.Format(promptDateLayout))
	if lastModified.IsZero() {
		b.WriteString("- Memory blocks were last modified: never\n")
	} else {
		fmt.Fprintf(&b, "- Memory blocks were last modified: %s\n", lastModified.Format(promptModifiedLayout))
	}
	b.WriteString("</memory_metadata>")
	return b.String()
}

func renderValue(value string, lineNumbers bool) string {
	if !lineNumbers || value == "" {
		return value
	}
	lines := strings.Split(value, "\n")
	for i, l := range lines {
		lines[i] = fmt.Sprintf("Line %d: %s", i+1, l)
	}
	return strings.Join(lines, "\n")
}

// BuildMessages prepends the system prompt to history. A prune or a failed
// write can cut a tool exchange in half, so tool turns that do not answer a
// call of an earlier assistant turn are dropped, and assistant tool calls
// with no later answer are stripped (the turn too if nothing is left).
func BuildMessages(system string, history []Turn) []llm.Message {
	// answered[i] holds the tool-call ids answered after position i.
	answered := make([]map[string]bool, len(history))
	later := make(map[string]bool)
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role == llm.RoleAssistant && len(t.ToolCalls) > 0 {
			answered[i] = maps.Clone(later)
		}
		if t.Role == llm.RoleTool {
			later[t.ToolCallID] = true
		}
	}

	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})

	calls := make(map[string]bool)
	for i, t := range history {
		msg := t.Message()
		switch t.Role {
		case llm.RoleAssistant:
			if len(t.ToolCalls) == 0 {
				break
			}
			kept := make([]llm.ToolCall, 0, len(t.ToolCalls))
			for _, tc := range t.ToolCalls {
				if answered[i][tc.ID] {
					kept = append(kept, tc)
					calls[tc.ID] = true
				}
			}
			if len(kept) == 0 && strings.TrimSpace(t.Content) == "" {
				continue
			}
			msg.ToolCalls = nil
			if len(kept) > 0 {
				msg.ToolCalls = kept
			}
		case llm.RoleTool:
			if !calls[t.ToolCallID] {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// ChannelTurns converts a channel summary and its live window into turns
// for BuildMessages. Messages written by the bot become assistant turns;
// everyone else's are user turns prefixed with the author's name.
func ChannelTurns(summary string, recent []chat.ExternalMessage) []Turn {
	out := make([]Turn, 0, len(recent)+1)
	if strings.TrimSpace(summary) != "" {
		out = append(out, Turn{ID: SummaryIDPrefix + "channel", Role: llm.RoleUser, Content: SummaryContent(summary)})
	}
	for _, m := range recent {
		t := Turn{ID: m.ID, AuthorID: m.AuthorID, AuthorName: m.AuthorName, CreatedAt: m.Timestamp}
		if m.FromBot {
			t.Role, t.Content = llm.RoleAssistant, m.Content
		} else {
			name := m.AuthorName
			if name == "" {
				name = m.AuthorID
			}
			t.Role, t.Content = llm.RoleUser, name+": "+m.Content
		}
		out = append(out, t)
	}
	return out
}
