package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
)

// capturingProvider records requests and answers with a fixed message.
type capturingProvider struct {
	reqs  []llm.CompletionRequest
	reply string
	err   error
}

func (p *capturingProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: p.reply}}, nil
}

func TestLLMSummariser_Summarise(t *testing.T) {
	p := &capturingProvider{reply: "  I greeted Ada and looked up Go.  "}
	s := &memory.LLMSummariser{Provider: p, Model: "summary-model", MaxTokens: 200}

	got, err := s.Summarise(context.Background(), []memory.Turn{
		{Role: llm.RoleUser, AuthorName: "Ada", Content: "hi"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{Name: "internet_search", Arguments: `{"query":"go"}`}}},
		{Role: llm.RoleTool, Name: "internet_search", Content: "go.dev"},
		{Role: llm.RoleAssistant, Content: "Go is at go.dev"},
	})
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if got != "I greeted Ada and looked up Go." {
		t.Errorf("summary = %q", got)
	}

	req := p.reqs[0]
	if req.Model != "summary-model" || req.MaxTokens != 200 {
		t.Errorf("request model/max = %q/%d", req.Model, req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("messages = %+v", req.Messages)
	}
	instruction := req.Messages[0].Content
	for _, want := range []string{"first person", "100 words", "no preamble"} {
		if !strings.Contains(instruction, want) {
			t.Errorf("instruction missing %q", want)
		}
	}
	transcript := req.Messages[1].Content
	for _, want := range []string{
		"user (Ada): hi",
		`assistant called internet_search({"query":"go"})`,
		"tool result (internet_search): go.dev",
		"assistant: Go is at go.dev",
	} {
		if !strings.Contains(transcript, want) {
			t.Errorf("transcript missing %q:\n%s", want, transcript)
		}
	}
}

func TestLLMSummariser_Merge(t *testing.T) {
	p := &capturingProvider{reply: "merged"}
	s := &memory.LLMSummariser{Provider: p}

	got, err := s.Merge(context.Background(), "", []chat.ExternalMessage{
		{ID: "1", AuthorName: "Ada", Content: "see https://go.dev", Timestamp: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)},
	})
	if err != nil || got != "merged" {
		t.Fatalf("Merge = (%q, %v)", got, err)
	}
	sys, user := p.reqs[0].Messages[0].Content, p.reqs[0].Messages[1].Content
	if !strings.Contains(sys, "Preserve names, decisions, open questions and links") {
		t.Errorf("merge instruction = %q", sys)
	}
	if !strings.Contains(user, "(none yet)") || !strings.Contains(user, "[2025-01-01 08:00] Ada: see https://go.dev") {
		t.Errorf("merge input = %q", user)
	}
}

func TestLLMSummariser_Errors(t *testing.T) {
	var nilProvider *memory.LLMSummariser
	if _, err := nilProvider.Summarise(context.Background(), nil); !errors.Is(err, memory.ErrNoProvider) {
		t.Errorf("nil summariser err = %v", err)
	}
	if _, err := (&memory.LLMSummariser{}).Summarise(context.Background(), nil); !errors.Is(err, memory.ErrNoProvider) {
		t.Errorf("no provider err = %v", err)
	}

	boom := errors.New("503")
	s := &memory.LLMSummariser{Provider: &capturingProvider{err: boom}}
	if _, err := s.Summarise(context.Background(), nil); !errors.Is(err, boom) {
		t.Errorf("provider err = %v, want wrapped %v", err, boom)
	}
}
