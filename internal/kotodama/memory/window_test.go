package memory_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
)

// --- stubs ---

// stubSummariser records every Summarise call.
type stubSummariser struct {
	calls [][]memory.Turn
	text  string
	err   error
}

func (s *stubSummariser) Summarise(_ context.Context, turns []memory.Turn) (string, error) {
	s.calls = append(s.calls, turns)
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

// countingScope counts mutating calls on top of an in-memory scope.
type countingScope struct {
	*memory.MemScope
	appends, pushes, commits int
}

func (c *countingScope) AppendTurn(ctx context.Context, t memory.Turn) error {
	c.appends++
	return c.MemScope.AppendTurn(ctx, t)
}

func (c *countingScope) PushBuffer(ctx context.Context, id string) error {
	c.pushes++
	return c.MemScope.PushBuffer(ctx, id)
}

func (c *countingScope) CommitPrune(ctx context.Context, summary memory.Turn, kept []string) error {
	c.commits++
	return c.MemScope.CommitPrune(ctx, summary, kept)
}

// fill appends n user turns with ids m000, m001, ...
func fill(t *testing.T, w *memory.Window, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("m%03d", i)
		err := w.Append(context.Background(), memory.Turn{
			ID:      ids[i],
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	return ids
}

func newTestWindow(summ memory.TurnSummariser) (*memory.Window, *countingScope) {
	scope := &countingScope{MemScope: memory.NewMemScope()}
	w := memory.NewWindow(scope, scope, summ, memory.WindowConfig{
		MaxMessages:     50,
		PrunePercentage: 0.7,
	})
	return w, scope
}

// --- tests ---

func TestPrune_SixtyToNineteen(t *testing.T) {
	ctx := context.Background()
	summ := &stubSummariser{text: "I helped with sixty things."}
	w, scope := newTestWindow(summ)
	ids := fill(t, w, 60)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pruned, err := w.PruneAt(ctx, now)
	if err != nil {
		t.Fatalf("PruneAt: %v", err)
	}
	if !pruned {
		t.Fatal("PruneAt reported no prune for 60 > 50")
	}

	buf, _ := scope.BufferIDs(ctx)
	if len(buf) != 19 {
		t.Fatalf("buffer length = %d, want 19", len(buf))
	}
	if buf[0] != memory.SummaryID(now) {
		t.Errorf("buffer[0] = %q, want summary id %q", buf[0], memory.SummaryID(now))
	}
	for i, id := range buf[1:] {
		if want := ids[42+i]; id != want {
			t.Errorf("buffer[%d] = %q, want %q", i+1, id, want)
		}
	}

	if len(summ.calls) != 1 || len(summ.calls[0]) != 42 {
		t.Fatalf("summariser saw %d calls, want 1 call with 42 turns", len(summ.calls))
	}
	if summ.calls[0][0].ID != "m000" || summ.calls[0][41].ID != "m041" {
		t.Errorf("summarised range = %s..%s, want m000..m041",
			summ.calls[0][0].ID, summ.calls[0][41].ID)
	}

	turns, err := w.Materialize(ctx)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(turns) != 19 {
		t.Fatalf("materialized %d turns, want 19", len(turns))
	}
	first := turns[0]
	if first.Role != llm.RoleUser || !memory.IsSummaryID(first.ID) {
		t.Errorf("first turn = %+v, want user summary turn", first)
	}
	if !strings.Contains(first.Content, "<conversation_summary>") ||
		!strings.Contains(first.Content, "I helped with sixty things.") {
		t.Errorf("summary content = %q", first.Content)
	}

	// Pruned turns stay in the log.
	old, _ := scope.TurnsByID(ctx, []string{"m000", "m041"})
	if len(old) != 2 {
		t.Errorf("pruned turns should remain retrievable, got %d", len(old))
	}
}

func TestPrune_NoOpAtOrBelowMax(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{0, 1, 49, 50} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			summ := &stubSummariser{text: "x"}
			w, scope := newTestWindow(summ)
			fill(t, w, n)
			appends, pushes := scope.appends, scope.pushes

			pruned, err := w.Prune(ctx)
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if pruned {
				t.Error("Prune reported a prune at or below max")
			}
			if len(summ.calls) != 0 {
				t.Error("summariser must not be called")
			}
			if scope.appends != appends || scope.pushes != pushes || scope.commits != 0 {
				t.Errorf("mutations: appends %d->%d pushes %d->%d commits %d",
					appends, scope.appends, pushes, scope.pushes, scope.commits)
			}
		})
	}
}

func TestPrune_SummariserFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("backend down")
	summ := &stubSummariser{err: boom}
	w, scope := newTestWindow(summ)
	ids := fill(t, w, 60)
	appends := scope.appends

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pruned, err := w.PruneAt(ctx, now)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if pruned {
		t.Error("pruned = true on failure")
	}
	if scope.commits != 0 || scope.appends != appends {
		t.Errorf("failed prune mutated the store (commits=%d appends %d->%d)",
			scope.commits, appends, scope.appends)
	}
	buf, _ := scope.BufferIDs(ctx)
	if len(buf) != len(ids) {
		t.Fatalf("buffer length = %d, want %d", len(buf), len(ids))
	}
	for i := range ids {
		if buf[i] != ids[i] {
			t.Fatalf("buffer[%d] = %q, want %q", i, buf[i], ids[i])
		}
	}
	if got, _ := scope.TurnsByID(ctx, []string{memory.SummaryID(now)}); len(got) != 0 {
		t.Error("summary turn written despite failure")
	}
}

func TestPrune_EmptySummaryCommitsNothing(t *testing.T) {
	ctx := context.Background()
	provider := llm.ProviderFunc(func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "  "}}, nil
	})
	w, scope := newTestWindow(&memory.LLMSummariser{Provider: provider})
	fill(t, w, 51)

	if _, err := w.Prune(ctx); !errors.Is(err, memory.ErrEmptySummary) {
		t.Fatalf("err = %v, want ErrEmptySummary", err)
	}
	if scope.commits != 0 {
		t.Error("empty summary must not be committed")
	}
}

func TestPrune_DoesNotRefireUntilMaxExceeded(t *testing.T) {
	ctx := context.Background()
	w, _ := newTestWindow(&stubSummariser{text: "summary"})
	fill(t, w, 51)

	if pruned, err := w.Prune(ctx); err != nil || !pruned {
		t.Fatalf("first prune = (%v, %v)", pruned, err)
	}
	n, _ := w.Len(ctx)
	// 51 - floor(51*0.7) + 1
	if n != 17 {
		t.Fatalf("length after prune = %d, want 17", n)
	}

	for i := n; i < 50; i++ {
		if err := w.Append(ctx, memory.Turn{ID: fmt.Sprintf("n%03d", i), Role: llm.RoleUser}); err != nil {
			t.Fatal(err)
		}
	}
	if need, _ := w.NeedsPrune(ctx); need {
		t.Error("NeedsPrune at exactly MaxMessages")
	}
	if err := w.Append(ctx, memory.Turn{ID: "overflow", Role: llm.RoleUser}); err != nil {
		t.Fatal(err)
	}
	if need, _ := w.NeedsPrune(ctx); !need {
		t.Error("NeedsPrune false above MaxMessages")
	}
}

func TestPrune_SecondPruneFoldsPreviousSummary(t *testing.T) {
	ctx := context.Background()
	summ := &stubSummariser{text: "summary"}
	w, _ := newTestWindow(summ)
	fill(t, w, 60)

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := w.PruneAt(ctx, t0); err != nil {
		t.Fatal(err)
	}
	for i := range 40 {
		_ = w.Append(ctx, memory.Turn{ID: fmt.Sprintf("x%03d", i), Role: llm.RoleUser})
	}
	if _, err := w.PruneAt(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	second := summ.calls[1]
	if !memory.IsSummaryID(second[0].ID) {
		t.Errorf("second prune should fold the earlier summary first, got %q", second[0].ID)
	}
}

func TestMaterialize_SkipsDanglingIDs(t *testing.T) {
	ctx := context.Background()
	w, _ := newTestWindow(&stubSummariser{})
	fill(t, w, 2)
	if err := w.Push(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	fill(t, w, 1) // re-appends m000; upsert keeps one stored turn

	turns, err := w.Materialize(ctx)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	var got []string
	for _, tr := range turns {
		got = append(got, tr.ID)
	}
	if strings.Join(got, ",") != "m000,m001,m000" {
		t.Errorf("materialized ids = %v", got)
	}
}

func TestPruneCount(t *testing.T) {
	tests := []struct {
		n    int
		pct  float64
		want int
	}{
		{60, 0.7, 42},
		{51, 0.7, 35},
		{100, 0.7, 70},
		{10, 0.7, 7},
		{3, 0.5, 1},
	}
	for _, tt := range tests {
		if got := memory.PruneCount(tt.n, tt.pct); got != tt.want {
			t.Errorf("PruneCount(%d, %v) = %d, want %d", tt.n, tt.pct, got, tt.want)
		}
	}
}

func TestNewWindow_Defaults(t *testing.T) {
	w := memory.NewWindow(memory.NewMemScope(), memory.NewMemScope(), &stubSummariser{}, memory.WindowConfig{})
	if w.MaxMessages() != memory.DefaultMaxMessages {
		t.Errorf("MaxMessages = %d, want %d", w.MaxMessages(), memory.DefaultMaxMessages)
	}
}

func TestPrune_SmallWindowsAlwaysShrink(t *testing.T) {
	tests := []struct {
		name        string
		maxMessages int
		pct         float64
		appends     int
	}{
		{"two at thirty percent", 2, 0.3, 3},
		{"five at ten percent", 5, 0.1, 20},
		{"one at zero", 1, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			summ := &stubSummariser{text: "summary"}
			scope := memory.NewMemScope()
			w := memory.NewWindow(scope, scope, summ, memory.WindowConfig{
				MaxMessages:     tt.maxMessages,
				PrunePercentage: tt.pct,
			})
			for i := range tt.appends {
				err := w.Append(ctx, memory.Turn{ID: fmt.Sprintf("m%03d", i), Role: llm.RoleUser, Content: "hi"})
				if err != nil {
					t.Fatal(err)
				}
				if _, err := w.PruneAt(ctx, time.Unix(int64(i), 0)); err != nil {
					t.Fatalf("PruneAt after %d: %v", i, err)
				}
				if n, _ := w.Len(ctx); n > tt.maxMessages {
					t.Fatalf("after append %d buffer holds %d ids, max %d", i, n, tt.maxMessages)
				}
			}
			for _, call := range summ.calls {
				if len(call) < memory.MinPruneCount {
					t.Fatalf("summariser saw %d turns, want at least %d", len(call), memory.MinPruneCount)
				}
			}
		})
	}
}

func TestPrune_UnresolvableIDsDroppedWithoutSummary(t *testing.T) {
	ctx := context.Background()
	summ := &stubSummariser{text: "summary"}
	w, scope := newTestWindow(summ)
	for i := range 51 {
		if err := w.Push(ctx, fmt.Sprintf("gone%02d", i)); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := w.PruneAt(ctx, time.Unix(0, 0))
	if err != nil || !pruned {
		t.Fatalf("PruneAt() = %v, %v; want true, nil", pruned, err)
	}
	if len(summ.calls) != 0 {
		t.Fatalf("summariser called %d times for unresolvable ids", len(summ.calls))
	}
	ids, _ := scope.BufferIDs(ctx)
	if want := 51 - memory.PruneCount(51, 0.7); len(ids) != want || ids[0] != "gone35" {
		t.Fatalf("buffer = %v, want the last %d ids", ids, want)
	}
}

func TestAppendAll(t *testing.T) {
	ctx := context.Background()
	w, scope := newTestWindow(&stubSummariser{})
	fill(t, w, 2)

	turns := []memory.Turn{
		{ID: "a1", Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "memory_insert"}}},
		{ID: "t1", Role: llm.RoleTool, ToolCallID: "c1", Content: "ok"},
		{ID: "a2", Role: llm.RoleAssistant, Content: "done"},
	}
	if err := w.AppendAll(ctx, turns); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendAll(ctx, nil); err != nil {
		t.Fatalf("AppendAll(nil) = %v", err)
	}
	ids, _ := scope.BufferIDs(ctx)
	if want := []string{"m000", "m001", "a1", "t1", "a2"}; !slices.Equal(ids, want) {
		t.Fatalf("buffer = %v, want %v", ids, want)
	}
	got, err := w.Materialize(ctx)
	if err != nil || len(got) != 5 || got[3].ToolCallID != "c1" {
		t.Fatalf("Materialize() = %+v, %v", got, err)
	}
}
