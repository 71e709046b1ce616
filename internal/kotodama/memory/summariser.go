package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
)

// ErrNoProvider is returned by LLMSummariser when no provider is set.
var ErrNoProvider = errors.New("memory: no LLM provider configured")

// ErrEmptySummary is returned when the model answers with no text.
var ErrEmptySummary = errors.New("memory: model returned an empty summary")

const (
	summariseInstruction = "You are reviewing the earlier part of a conversation you took part in as the assistant. " +
		"Summarise it in the first person, from your own perspective as the assistant, in 100 words or fewer. " +
		"Keep the facts, names and commitments that matter for continuing the conversation. " +
		"Output only the summary, with no preamble or closing remarks."

	mergeInstruction = "You maintain a running summary of a group chat channel. " +
		"Merge the new messages into the existing summary. " +
		"Preserve names, decisions, open questions and links. " +
		"Output only the updated summary, with no preamble or closing remarks."

	// maxTranscriptField caps each rendered field so one huge tool result
	// cannot crowd out the rest of the transcript.
	maxTranscriptField = 2000
)

// TurnSummariser collapses a run of turns into summary text.
type TurnSummariser interface {
	Summarise(ctx context.Context, turns []Turn) (string, error)
}

// HistoryMerger folds external channel messages into an existing summary.
type HistoryMerger interface {
	Merge(ctx context.Context, existing string, msgs []chat.ExternalMessage) (string, error)
}

// LLMSummariser implements TurnSummariser and HistoryMerger with a chat
// completion per call.
type LLMSummariser struct {
	Provider llm.Provider
	// Model overrides the provider default. Empty uses the provider default.
	Model     string
	MaxTokens int
}

// Summarise renders turns as a role-labelled transcript and asks the model
// for a first-person summary.
func (s *LLMSummariser) Summarise(ctx context.Context, turns []Turn) (string, error) {
	return s.complete(ctx, summariseInstruction, RenderTranscript(turns))
}

// Merge asks the model to fold msgs into existing.
func (s *LLMSummariser) Merge(ctx context.Context, existing string, msgs []chat.ExternalMessage) (string, error) {
	var b strings.Builder
	b.WriteString("Existing summary:\n")
	if strings.TrimSpace(existing) == "" {
		b.WriteString("(none yet)")
	} else {
		b.WriteString(existing)
	}
	b.WriteString("\n\nNew messages:\n")
	b.WriteString(RenderExternalTranscript(msgs))
	return s.complete(ctx, mergeInstruction, b.String())
}

func (s *LLMSummariser) complete(ctx context.Context, instruction, content string) (string, error) {
	if s == nil || s.Provider == nil {
		return "", ErrNoProvider
	}
	resp, err := s.Provider.Complete(ctx, llm.CompletionRequest{
		Model: s.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: instruction},
			{Role: llm.RoleUser, Content: content},
		},
		MaxTokens: s.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("memory: summarise: %w", err)
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}

// RenderTranscript renders turns one per line as "role: content". Tool
// calls and tool results are rendered inline so the summary can mention
// what was looked up.
func RenderTranscript(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		switch {
		case t.Role == llm.RoleUser && t.AuthorName != "":
			fmt.Fprintf(&b, "user (%s): %s\n", t.AuthorName, clip(t.Content))
		case t.Role == llm.RoleTool:
			fmt.Fprintf(&b, "tool result (%s): %s\n", t.Name, clip(t.Content))
		case len(t.ToolCalls) > 0:
			for _, tc := range t.ToolCalls {
				fmt.Fprintf(&b, "assistant called %s(%s)\n", tc.Name, clip(tc.Arguments))
			}
			if t.Content != "" {
				fmt.Fprintf(&b, "assistant: %s\n", clip(t.Content))
			}
		default:
			fmt.Fprintf(&b, "%s: %s\n", t.Role, clip(t.Content))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderExternalTranscript renders channel messages one per line as
// "[time] author: content".
func RenderExternalTranscript(msgs []chat.ExternalMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.AuthorName
		if name == "" {
			name = m.AuthorID
		}
		if !m.Timestamp.IsZero() {
			fmt.Fprintf(&b, "[%s] ", m.Timestamp.UTC().Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(&b, "%s: %s\n", name, clip(m.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxTranscriptField {
		return s
	}
	return string(r[:maxTranscriptField]) + "…"
}

var (
	_ TurnSummariser = (*LLMSummariser)(nil)
	_ HistoryMerger  = (*LLMSummariser)(nil)
)
