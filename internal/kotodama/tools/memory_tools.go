package tools

import (
	"context"
	"fmt"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
)

const (
	MemoryInsertToolName  = "memory_insert"
	MemoryReplaceToolName = "memory_replace"
)

// BlockEditor is the subset of memory.Blocks the memory tools need.
type BlockEditor interface {
	Insert(ctx context.Context, label, text string, atLine int) (bool, error)
	Replace(ctx context.Context, label, oldText, newText string) (bool, error)
}

// MemoryInsertTool inserts a line into one of the scope's memory blocks.
type MemoryInsertTool struct {
	blocks BlockEditor
}

// NewMemoryInsertTool returns a memory_insert tool editing blocks.
func NewMemoryInsertTool(blocks BlockEditor) *MemoryInsertTool {
	return &MemoryInsertTool{blocks: blocks}
}

func (t *MemoryInsertTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: MemoryInsertToolName,
		Description: "Insert text into one of your memory blocks at a specific line. " +
			"Use it to remember new facts about the user or the conversation. " +
			"Line 0 is the start of the block; -1 inserts before the last line.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"description": "Label of the memory block to edit.",
					"minLength":   1,
				},
				"new_str": map[string]any{
					"type":        "string",
					"description": "Text to insert. May span several lines.",
				},
				"insert_line": map[string]any{
					"type":        "integer",
					"description": "Line index to insert at (0 = beginning, negative counts from the end).",
				},
			},
			"required":             []string{"label", "new_str", "insert_line"},
			"additionalProperties": false,
		},
	}
}

func (t *MemoryInsertTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	label := stringArg(args, "label")
	line := intArg(args, "insert_line", 0)

	found, err := t.blocks.Insert(ctx, label, stringArg(args, "new_str"), line)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no memory block labelled %q", label)
	}
	return fmt.Sprintf("Inserted text into memory block %q at line %d.", label, line), nil
}

// MemoryReplaceTool replaces text in one of the scope's memory blocks.
type MemoryReplaceTool struct {
	blocks BlockEditor
}

// NewMemoryReplaceTool returns a memory_replace tool editing blocks.
func NewMemoryReplaceTool(blocks BlockEditor) *MemoryReplaceTool {
	return &MemoryReplaceTool{blocks: blocks}
}

func (t *MemoryReplaceTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: MemoryReplaceToolName,
		Description: "Replace text in one of your memory blocks. Every occurrence of old_str is replaced " +
			"with new_str. Use an empty new_str to delete text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"description": "Label of the memory block to edit.",
					"minLength":   1,
				},
				"old_str": map[string]any{
					"type":        "string",
					"description": "Exact text to replace.",
					"minLength":   1,
				},
				"new_str": map[string]any{
					"type":        "string",
					"description": "Replacement text.",
				},
			},
			"required":             []string{"label", "old_str", "new_str"},
			"additionalProperties": false,
		},
	}
}

func (t *MemoryReplaceTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	label := stringArg(args, "label")

	found, err := t.blocks.Replace(ctx, label, stringArg(args, "old_str"), stringArg(args, "new_str"))
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no memory block labelled %q", label)
	}
	return fmt.Sprintf("Updated memory block %q.", label), nil
}

var (
	_ Tool        = (*MemoryInsertTool)(nil)
	_ Tool        = (*MemoryReplaceTool)(nil)
	_ BlockEditor = (*memory.Blocks)(nil)
)
