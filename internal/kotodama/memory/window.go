package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
)

const (
	DefaultMaxMessages     = 50
	DefaultPrunePercentage = 0.7

	// MinPruneCount is the fewest ids a prune removes. Removing two and
	// adding one summary always shrinks the buffer.
	MinPruneCount = 2
)

// WindowConfig bounds a context window.
type WindowConfig struct {
	// MaxMessages is the soft bound; a prune fires once it is exceeded.
	MaxMessages int
	// PrunePercentage is the fraction of the oldest buffer entries that a
	// prune folds into a summary.
	PrunePercentage float64
	Logger          *slog.Logger
}

// Window is the bounded context-window buffer of one scope.
type Window struct {
	turns      TurnStore
	buffer     BufferStore
	summariser TurnSummariser
	maxMsgs    int
	prunePct   float64
	logger     *slog.Logger
}

// NewWindow returns a Window over the given stores. Zero config values take
// the package defaults.
func NewWindow(turns TurnStore, buffer BufferStore, s TurnSummariser, cfg WindowConfig) *Window {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.PrunePercentage <= 0 || cfg.PrunePercentage > 1 {
		cfg.PrunePercentage = DefaultPrunePercentage
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Window{
		turns:      turns,
		buffer:     buffer,
		summariser: s,
		maxMsgs:    cfg.MaxMessages,
		prunePct:   cfg.PrunePercentage,
		logger:     cfg.Logger,
	}
}

// MaxMessages returns the configured soft bound.
func (w *Window) MaxMessages() int { return w.maxMsgs }

// Push appends id to the end of the buffer.
func (w *Window) Push(ctx context.Context, id string) error {
	if err := w.buffer.PushBuffer(ctx, id); err != nil {
		return fmt.Errorf("memory: push %s: %w", id, err)
	}
	return nil
}

// Append stores t and pushes its id.
func (w *Window) Append(ctx context.Context, t Turn) error {
	if err := w.turns.AppendTurn(ctx, t); err != nil {
		return fmt.Errorf("memory: append turn %s: %w", t.ID, err)
	}
	return w.Push(ctx, t.ID)
}

// AppendAll stores turns and pushes their ids as one unit. On error none
// of them is in the buffer.
func (w *Window) AppendAll(ctx context.Context, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if err := w.buffer.AppendTurns(ctx, turns); err != nil {
		return fmt.Errorf("memory: append %d turns: %w", len(turns), err)
	}
	return nil
}

// Materialize returns the buffered turns in order. Ids that do not resolve
// are skipped.
func (w *Window) Materialize(ctx context.Context) ([]Turn, error) {
	ids, err := w.buffer.BufferIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: read buffer: %w", err)
	}
	return w.resolve(ctx, ids)
}

// Len returns the number of buffered ids.
func (w *Window) Len(ctx context.Context) (int, error) {
	ids, err := w.buffer.BufferIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory: read buffer: %w", err)
	}
	return len(ids), nil
}

// NeedsPrune reports whether the buffer exceeds MaxMessages.
func (w *Window) NeedsPrune(ctx context.Context) (bool, error) {
	n, err := w.Len(ctx)
	if err != nil {
		return false, err
	}
	return n > w.maxMsgs, nil
}

// Prune is PruneAt with the current time.
func (w *Window) Prune(ctx context.Context) (bool, error) {
	return w.PruneAt(ctx, time.Now())
}

// PruneAt folds the oldest PrunePercentage of the buffer, but at least
// MinPruneCount ids, into one summary turn stamped with now. It reports
// whether a prune was committed.
//
// With the buffer at or under MaxMessages nothing is read from the
// summariser and nothing is written. When summarising fails the buffer and
// the turn log are left exactly as they were. When none of the removed ids
// resolves to a turn they are dropped without a summary.
func (w *Window) PruneAt(ctx context.Context, now time.Time) (bool, error) {
	ids, err := w.buffer.BufferIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("memory: read buffer: %w", err)
	}
	if len(ids) <= w.maxMsgs {
		return false, nil
	}

	numToRemove := min(max(PruneCount(len(ids), w.prunePct), MinPruneCount), len(ids))
	removed, kept := ids[:numToRemove], ids[numToRemove:]

	turns, err := w.resolve(ctx, removed)
	if err != nil {
		return false, err
	}
	if len(turns) == 0 {
		if err := w.buffer.CommitPrune(ctx, Turn{}, kept); err != nil {
			return false, fmt.Errorf("memory: commit prune: %w", err)
		}
		w.logger.Warn("context window pruned without summary; removed ids did not resolve",
			"removed", numToRemove, "kept", len(kept))
		return true, nil
	}
	text, err := w.summariser.Summarise(ctx, turns)
	if err != nil {
		return false, fmt.Errorf("memory: prune: %w", err)
	}

	summary := Turn{
		ID:        SummaryID(now),
		Role:      llm.RoleUser,
		Content:   SummaryContent(text),
		CreatedAt: now,
	}
	if err := w.buffer.CommitPrune(ctx, summary, kept); err != nil {
		return false, fmt.Errorf("memory: commit prune: %w", err)
	}

	w.logger.Info("context window pruned",
		"removed", numToRemove, "kept", len(kept), "summary_id", summary.ID)
	return true, nil
}

func (w *Window) resolve(ctx context.Context, ids []string) ([]Turn, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID, err := w.turns.TurnsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("memory: resolve turns: %w", err)
	}
	out := make([]Turn, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// PruneCount returns floor(n × pct), the share of the oldest entries a
// prune removes from a buffer of length n before MinPruneCount applies.
func PruneCount(n int, pct float64) int {
	// The epsilon absorbs binary rounding (60 × 0.7 must be 42, not 41).
	return int(math.Floor(float64(n)*pct + 1e-9))
}

// SummaryContent wraps summary text for insertion as a user turn.
func SummaryContent(summary string) string {
	return "<conversation_summary>\n" +
		"The following is a summary of the earlier conversation, written from your perspective:\n" +
		summary + "\n" +
		"</conversation_summary>"
}
