package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
)

var editTime = time.Date(2025, 6, 1, 15, 4, 5, 0, time.UTC)

func newBlocks(t *testing.T, blocks ...memory.Block) (*memory.Blocks, *memory.MemScope) {
	t.Helper()
	scope := memory.NewMemScope()
	for _, b := range blocks {
		if err := scope.PutBlock(context.Background(), b); err != nil {
			t.Fatal(err)
		}
	}
	return memory.NewBlocks(scope, func() time.Time { return editTime }), scope
}

func blockValue(t *testing.T, scope *memory.MemScope, label string) memory.Block {
	t.Helper()
	b, ok, err := scope.Block(context.Background(), label)
	if err != nil || !ok {
		t.Fatalf("Block(%q) = (%v, %v)", label, ok, err)
	}
	return b
}

func TestInsert_SpliceIndexes(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		atLine int
		want   string
	}{
		{"start", "a\nb\nc", 0, "X\na\nb\nc"},
		{"middle", "a\nb\nc", 2, "a\nb\nX\nc"},
		{"minus one is before last line", "a\nb\nc", -1, "a\nb\nX\nc"},
		{"minus two", "a\nb\nc", -2, "a\nX\nb\nc"},
		{"far negative clamps to start", "a\nb", -10, "X\na\nb"},
		{"past end appends", "a\nb", 99, "a\nb\nX"},
		{"exact length appends", "a\nb", 2, "a\nb\nX"},
		{"empty block", "", 0, "X\n"},
		{"empty block negative", "", -1, "X\n"},
		{"empty block past end", "", 5, "\nX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks, scope := newBlocks(t, memory.Block{Label: "human", Value: tt.value})
			found, err := blocks.InsertAt(context.Background(), "human", "X", tt.atLine, editTime)
			if err != nil || !found {
				t.Fatalf("InsertAt = (%v, %v)", found, err)
			}
			got := blockValue(t, scope, "human")
			if got.Value != tt.want {
				t.Errorf("value = %q, want %q", got.Value, tt.want)
			}
			if !got.LastUpdated.Equal(editTime) {
				t.Errorf("LastUpdated = %v, want %v", got.LastUpdated, editTime)
			}
		})
	}
}

func TestEdits_UseEditorClock(t *testing.T) {
	ctx := context.Background()
	blocks, scope := newBlocks(t, memory.Block{Label: "human", Value: "likes tea"})
	if _, err := blocks.Insert(ctx, "human", "name: Ada", 0); err != nil {
		t.Fatal(err)
	}
	if got := blockValue(t, scope, "human"); !got.LastUpdated.Equal(editTime) {
		t.Fatalf("Insert stamped %v, want %v", got.LastUpdated, editTime)
	}

	if err := scope.PutBlock(ctx, memory.Block{Label: "human", Value: "likes tea"}); err != nil {
		t.Fatal(err)
	}
	if _, err := blocks.Replace(ctx, "human", "tea", "coffee"); err != nil {
		t.Fatal(err)
	}
	if got := blockValue(t, scope, "human"); !got.LastUpdated.Equal(editTime) {
		t.Fatalf("Replace stamped %v, want %v", got.LastUpdated, editTime)
	}
}

func TestInsert_UnknownLabel(t *testing.T) {
	blocks, _ := newBlocks(t)
	found, err := blocks.Insert(context.Background(), "nope", "x", 0)
	if err != nil || found {
		t.Errorf("Insert(unknown) = (%v, %v), want (false, nil)", found, err)
	}
}

func TestReplace_AllOccurrences(t *testing.T) {
	blocks, scope := newBlocks(t, memory.Block{Label: "human", Value: "likes tea. likes tea. likes tea."})
	found, err := blocks.ReplaceAt(context.Background(), "human", "tea", "coffee", editTime)
	if err != nil || !found {
		t.Fatalf("ReplaceAt = (%v, %v)", found, err)
	}
	got := blockValue(t, scope, "human")
	if got.Value != "likes coffee. likes coffee. likes coffee." {
		t.Errorf("value = %q", got.Value)
	}
	if !got.LastUpdated.Equal(editTime) {
		t.Errorf("LastUpdated not bumped")
	}
}

func TestReplace_Errors(t *testing.T) {
	ctx := context.Background()
	blocks, scope := newBlocks(t,
		memory.Block{Label: "human", Value: "name: Ada"},
		memory.Block{Label: "persona", Value: "I am kind.", ReadOnly: true},
	)

	if found, err := blocks.Replace(ctx, "missing", "a", "b"); found || err != nil {
		t.Errorf("unknown label = (%v, %v), want (false, nil)", found, err)
	}
	if _, err := blocks.Replace(ctx, "human", "", "b"); !errors.Is(err, memory.ErrEmptyOld) {
		t.Errorf("empty old err = %v", err)
	}
	if found, err := blocks.Replace(ctx, "human", "Grace", "b"); !found || !errors.Is(err, memory.ErrNoMatch) {
		t.Errorf("no match = (%v, %v)", found, err)
	}
	if _, err := blocks.Replace(ctx, "persona", "kind", "cruel"); !errors.Is(err, memory.ErrReadOnly) {
		t.Errorf("read-only replace err = %v", err)
	}
	if _, err := blocks.Insert(ctx, "persona", "x", 0); !errors.Is(err, memory.ErrReadOnly) {
		t.Errorf("read-only insert err = %v", err)
	}
	if got := blockValue(t, scope, "persona"); got.Value != "I am kind." {
		t.Errorf("read-only block changed: %q", got.Value)
	}
}

func TestInsert_LimitIsAdvisory(t *testing.T) {
	blocks, scope := newBlocks(t, memory.Block{Label: "notes", Value: "12345", Limit: 5})
	if _, err := blocks.Insert(context.Background(), "notes", "678910", -1); err != nil {
		t.Fatalf("Insert over limit: %v", err)
	}
	if got := blockValue(t, scope, "notes"); len(got.Value) <= got.Limit {
		t.Errorf("value %q should exceed limit %d", got.Value, got.Limit)
	}
}

func TestSeed_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	blocks, scope := newBlocks(t, memory.Block{Label: "human", Value: "edited by the model"})

	defaults := []memory.Block{
		{Label: "human", Value: "default human"},
		{Label: "persona", Value: "default persona"},
	}
	n, err := blocks.Seed(ctx, defaults, editTime)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 1 {
		t.Errorf("seeded %d blocks, want 1", n)
	}
	if got := blockValue(t, scope, "human"); got.Value != "edited by the model" {
		t.Errorf("existing block overwritten: %q", got.Value)
	}
	if got := blockValue(t, scope, "persona"); !got.LastUpdated.Equal(editTime) {
		t.Errorf("seeded LastUpdated = %v", got.LastUpdated)
	}

	// A second boot seeds nothing.
	if n, _ := blocks.Seed(ctx, defaults, editTime); n != 0 {
		t.Errorf("second seed stored %d blocks", n)
	}
	list, _ := blocks.List(ctx)
	if len(list) != 2 || list[0].Label != "human" || list[1].Label != "persona" {
		t.Errorf("List = %+v", list)
	}
}
