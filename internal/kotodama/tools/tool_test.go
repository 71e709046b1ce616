package tools_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
	"github.com/kotodama-bot/kotodama/internal/kotodama/tools"
)

// echoTool records its arguments and echoes the "text" argument.
type echoTool struct {
	name  string
	calls int
	last  map[string]any
}

func (e *echoTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        e.name,
		Description: "echo",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string"},
				"times": map[string]any{"type": "integer", "minimum": 1},
			},
			"required":             []string{"text"},
			"additionalProperties": false,
		},
	}
}

func (e *echoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	e.calls++
	e.last = args
	return args["text"].(string), nil
}

func TestRegistry_Dispatch(t *testing.T) {
	echo := &echoTool{name: "echo"}
	reg := tools.NewRegistry().MustRegister(echo)

	tests := []struct {
		name    string
		call    llm.ToolCall
		want    string
		wantErr bool
	}{
		{name: "valid", call: llm.ToolCall{Name: "echo", Arguments: `{"text":"hi","times":2}`}, want: "hi"},
		{name: "missing required", call: llm.ToolCall{Name: "echo", Arguments: `{"times":2}`}, wantErr: true},
		{name: "wrong type", call: llm.ToolCall{Name: "echo", Arguments: `{"text":"hi","times":"two"}`}, wantErr: true},
		{name: "below minimum", call: llm.ToolCall{Name: "echo", Arguments: `{"text":"hi","times":0}`}, wantErr: true},
		{name: "extra property", call: llm.ToolCall{Name: "echo", Arguments: `{"text":"hi","loud":true}`}, wantErr: true},
		{name: "not json", call: llm.ToolCall{Name: "echo", Arguments: `{text:`}, wantErr: true},
		{name: "empty arguments", call: llm.ToolCall{Name: "echo"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := echo.calls
			got, err := reg.Dispatch(context.Background(), tt.call)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Dispatch() = %q, want error", got)
				}
				if echo.calls != before {
					t.Fatal("tool executed despite invalid arguments")
				}
				return
			}
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Dispatch() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	reg := tools.NewRegistry()
	_, err := reg.Dispatch(context.Background(), llm.ToolCall{Name: "nope", Arguments: "{}"})
	if !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestRegistry_DuplicateAndOrdering(t *testing.T) {
	reg := tools.NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(&echoTool{name: name}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := reg.Register(&echoTool{name: "alpha"}); err == nil {
		t.Fatal("duplicate registration accepted")
	}

	defs := reg.Definitions()
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if got := strings.Join(names, ","); got != "alpha,mid,zeta" {
		t.Fatalf("Definitions order = %s", got)
	}
	if reg.Get("mid") == nil || reg.Get("missing") != nil {
		t.Fatal("Get returned the wrong tool")
	}
}

func newMemoryRegistry(t *testing.T, blocks ...memory.Block) (*tools.Registry, *memory.MemScope) {
	t.Helper()
	scope := memory.NewMemScope()
	for _, b := range blocks {
		if err := scope.PutBlock(context.Background(), b); err != nil {
			t.Fatal(err)
		}
	}
	editor := memory.NewBlocks(scope, nil)
	reg := tools.NewRegistry().MustRegister(
		tools.NewMemoryInsertTool(editor),
		tools.NewMemoryReplaceTool(editor),
	)
	return reg, scope
}

func blockValue(t *testing.T, scope *memory.MemScope, label string) string {
	t.Helper()
	b, ok, err := scope.Block(context.Background(), label)
	if err != nil || !ok {
		t.Fatalf("Block(%q) = (%v, %v)", label, ok, err)
	}
	return b.Value
}

func TestMemoryInsertTool(t *testing.T) {
	tests := []struct {
		name string
		args string
		want string
	}{
		{name: "at start", args: `{"label":"human","new_str":"x","insert_line":0}`, want: "x\na\nb"},
		{name: "before last", args: `{"label":"human","new_str":"x","insert_line":-1}`, want: "a\nx\nb"},
		{name: "past end", args: `{"label":"human","new_str":"x","insert_line":99}`, want: "a\nb\nx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, scope := newMemoryRegistry(t, memory.Block{Label: "human", Value: "a\nb", Limit: 100})
			out, err := reg.Dispatch(context.Background(), llm.ToolCall{Name: tools.MemoryInsertToolName, Arguments: tt.args})
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if !strings.Contains(out, `"human"`) {
				t.Fatalf("result = %q", out)
			}
			if got := blockValue(t, scope, "human"); got != tt.want {
				t.Fatalf("value = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMemoryInsertTool_RequiresLine(t *testing.T) {
	reg, _ := newMemoryRegistry(t, memory.Block{Label: "human"})
	_, err := reg.Dispatch(context.Background(), llm.ToolCall{
		Name:      tools.MemoryInsertToolName,
		Arguments: `{"label":"human","new_str":"x"}`,
	})
	if err == nil {
		t.Fatal("missing insert_line accepted")
	}
}

func TestMemoryReplaceTool(t *testing.T) {
	reg, scope := newMemoryRegistry(t,
		memory.Block{Label: "persona", Value: "I like tea. tea is great."},
		memory.Block{Label: "rules", Value: "be kind", ReadOnly: true},
	)
	ctx := context.Background()

	if _, err := reg.Dispatch(ctx, llm.ToolCall{
		Name:      tools.MemoryReplaceToolName,
		Arguments: `{"label":"persona","old_str":"tea","new_str":"coffee"}`,
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := blockValue(t, scope, "persona"); got != "I like coffee. coffee is great." {
		t.Fatalf("value = %q", got)
	}

	errCases := []struct {
		name string
		args string
		is   error
	}{
		{name: "unknown label", args: `{"label":"nope","old_str":"a","new_str":"b"}`},
		{name: "read only", args: `{"label":"rules","old_str":"kind","new_str":"rude"}`, is: memory.ErrReadOnly},
		{name: "no match", args: `{"label":"persona","old_str":"juice","new_str":"b"}`, is: memory.ErrNoMatch},
		{name: "empty old", args: `{"label":"persona","old_str":"","new_str":"b"}`},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Dispatch(ctx, llm.ToolCall{Name: tools.MemoryReplaceToolName, Arguments: tt.args})
			if err == nil {
				t.Fatal("want error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("err = %v, want %v", err, tt.is)
			}
		})
	}
	if got := blockValue(t, scope, "rules"); got != "be kind" {
		t.Fatalf("read-only block changed to %q", got)
	}
}
