package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrReadOnly is returned when an edit targets a read-only block.
	ErrReadOnly = errors.New("memory: block is read-only")
	// ErrEmptyOld is returned by Replace when the text to replace is empty.
	ErrEmptyOld = errors.New("memory: old text must not be empty")
	// ErrNoMatch is returned by Replace when the old text does not occur.
	ErrNoMatch = errors.New("memory: old text not found in block")
)

// Blocks edits the memory blocks of one scope.
type Blocks struct {
	store BlockStore
	now   func() time.Time
}

// NewBlocks returns a Blocks editor over store. Edits are stamped with now,
// which defaults to time.Now.
func NewBlocks(store BlockStore, now func() time.Time) *Blocks {
	if now == nil {
		now = time.Now
	}
	return &Blocks{store: store, now: now}
}

// List returns all blocks ordered by label.
func (b *Blocks) List(ctx context.Context) ([]Block, error) {
	blocks, err := b.store.ListBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: list blocks: %w", err)
	}
	return blocks, nil
}

// Insert is InsertAt stamped by the editor's clock.
func (b *Blocks) Insert(ctx context.Context, label, text string, atLine int) (bool, error) {
	return b.InsertAt(ctx, label, text, atLine, b.now())
}

// InsertAt inserts text as a new line of the labelled block at line index
// atLine, with the same index rules as a list splice: 0 is the start,
// negative indexes count from the end (so -1 inserts before the last line),
// and indexes past the end append. The value is split on "\n" as is, so an
// empty block holds one empty line and an insert into it yields "text\n".
// It reports false without error when the label is unknown.
func (b *Blocks) InsertAt(ctx context.Context, label, text string, atLine int, now time.Time) (bool, error) {
	blk, ok, err := b.editable(ctx, label)
	if err != nil || !ok {
		return ok, err
	}

	lines := spliceInsert(strings.Split(blk.Value, "\n"), atLine, text)
	blk.Value = strings.Join(lines, "\n")
	blk.LastUpdated = now

	if err := b.store.PutBlock(ctx, blk); err != nil {
		return true, fmt.Errorf("memory: save block %s: %w", label, err)
	}
	return true, nil
}

// Replace is ReplaceAt stamped by the editor's clock.
func (b *Blocks) Replace(ctx context.Context, label, oldText, newText string) (bool, error) {
	return b.ReplaceAt(ctx, label, oldText, newText, b.now())
}

// ReplaceAt replaces every occurrence of oldText in the labelled block with
// newText. It reports false without error when the label is unknown.
func (b *Blocks) ReplaceAt(ctx context.Context, label, oldText, newText string, now time.Time) (bool, error) {
	if oldText == "" {
		return false, ErrEmptyOld
	}
	blk, ok, err := b.editable(ctx, label)
	if err != nil || !ok {
		return ok, err
	}
	if !strings.Contains(blk.Value, oldText) {
		return true, ErrNoMatch
	}

	blk.Value = strings.ReplaceAll(blk.Value, oldText, newText)
	blk.LastUpdated = now

	if err := b.store.PutBlock(ctx, blk); err != nil {
		return true, fmt.Errorf("memory: save block %s: %w", label, err)
	}
	return true, nil
}

// Seed stores every default whose label is not present yet, stamping
// LastUpdated with now when unset. Existing blocks are never touched. It
// returns the number of blocks stored.
func (b *Blocks) Seed(ctx context.Context, defaults []Block, now time.Time) (int, error) {
	n := 0
	for _, d := range defaults {
		if d.LastUpdated.IsZero() {
			d.LastUpdated = now
		}
		stored, err := b.store.InsertBlockIfAbsent(ctx, d)
		if err != nil {
			return n, fmt.Errorf("memory: seed block %s: %w", d.Label, err)
		}
		if stored {
			n++
		}
	}
	return n, nil
}

func (b *Blocks) editable(ctx context.Context, label string) (Block, bool, error) {
	blk, ok, err := b.store.Block(ctx, label)
	if err != nil {
		return Block{}, false, fmt.Errorf("memory: load block %s: %w", label, err)
	}
	if !ok {
		return Block{}, false, nil
	}
	if blk.ReadOnly {
		return Block{}, true, ErrReadOnly
	}
	return blk, true, nil
}

// spliceInsert inserts item into lines at index i using splice index rules.
func spliceInsert(lines []string, i int, item string) []string {
	n := len(lines)
	switch {
	case i < 0:
		i = max(n+i, 0)
	case i > n:
		i = n
	}
	out := make([]string, 0, n+1)
	out = append(out, lines[:i]...)
	out = append(out, item)
	return append(out, lines[i:]...)
}
