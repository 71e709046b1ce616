package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
)

const (
	// DefaultPageSize is the number of messages per history page.
	DefaultPageSize = 100
	// defaultMaxGapPages bounds how far back one Sync walks to close the gap
	// between the live window and the newest folded message.
	defaultMaxGapPages = 5
)

// ChannelSummariser keeps a cumulative summary of everything in a channel
// older than the live window of recent messages.
type ChannelSummariser struct {
	History     chat.History
	Checkpoints CheckpointStore
	Merger      HistoryMerger
	// PageSize defaults to DefaultPageSize.
	PageSize int
	// Backfill lets Sync walk further back into history once the live
	// window is covered.
	Backfill bool
	// MaxGapPages defaults to 5.
	MaxGapPages int
	Logger      *slog.Logger
}

// SyncResult is the outcome of one Sync.
type SyncResult struct {
	// Recent is the live window, oldest first.
	Recent []chat.ExternalMessage
	// Checkpoint is valid when HasCheckpoint is true.
	Checkpoint    Checkpoint
	HasCheckpoint bool
	// Folded is the number of messages merged into the summary by this call.
	Folded int
}

// Sync is SyncAt with the current time.
func (c *ChannelSummariser) Sync(ctx context.Context, channelID string) (SyncResult, error) {
	return c.SyncAt(ctx, channelID, time.Now())
}

// SyncAt fetches the live window of channelID and folds at most one step of
// older history into the channel checkpoint:
//
//   - without a checkpoint, the page just older than the live window seeds it;
//   - otherwise messages that slid out of the live window since the last
//     call are merged and NewestFoldedMessageID advances;
//   - otherwise, with Backfill on, one page older than OldestSeenMessageID is
//     merged, or HistoryExhausted is set when that page is empty.
//
// A failed history fetch or merge returns an error and leaves the checkpoint
// untouched. The result still carries the live window and the previous
// checkpoint whenever the live window itself was read.
func (c *ChannelSummariser) SyncAt(ctx context.Context, channelID string, now time.Time) (SyncResult, error) {
	var res SyncResult

	recent, err := c.History.FetchRecentMessages(ctx, channelID, chat.FetchOptions{Limit: c.pageSize()})
	if err != nil {
		return res, fmt.Errorf("memory: fetch recent messages: %w", err)
	}
	res.Recent = recent

	cp, ok, err := c.Checkpoints.Checkpoint(ctx, channelID)
	if err != nil {
		return res, fmt.Errorf("memory: load checkpoint: %w", err)
	}
	res.Checkpoint, res.HasCheckpoint = cp, ok

	if len(recent) == 0 {
		return res, nil
	}
	windowOldest := recent[0].ID

	var (
		next   Checkpoint
		folded []chat.ExternalMessage
	)
	switch {
	case !ok:
		next, folded, err = c.seed(ctx, channelID, windowOldest)
	case CompareMessageIDs(windowOldest, cp.NewestFoldedMessageID) > 0:
		next, folded, err = c.foldGap(ctx, cp, windowOldest)
		if err == nil && len(folded) == 0 {
			next, folded, err = c.backfill(ctx, cp)
		}
	default:
		next, folded, err = c.backfill(ctx, cp)
	}
	if err != nil {
		return res, err
	}
	if next.ChannelID == "" {
		return res, nil
	}

	if len(folded) > 0 {
		summary, err := c.Merger.Merge(ctx, next.Summary, folded)
		if err != nil {
			return res, fmt.Errorf("memory: merge channel history: %w", err)
		}
		next.Summary = summary
	}
	next.UpdatedAt = now
	if err := c.Checkpoints.SetCheckpoint(ctx, next); err != nil {
		return res, fmt.Errorf("memory: save checkpoint: %w", err)
	}

	c.logger().Debug("channel checkpoint advanced",
		"channel_id", channelID, "folded", len(folded),
		"oldest_seen", next.OldestSeenMessageID, "newest_folded", next.NewestFoldedMessageID,
		"exhausted", next.HistoryExhausted)

	res.Checkpoint, res.HasCheckpoint, res.Folded = next, true, len(folded)
	return res, nil
}

// seed builds the first checkpoint from the page before windowOldest. An
// empty page yields no checkpoint.
func (c *ChannelSummariser) seed(ctx context.Context, channelID, windowOldest string) (Checkpoint, []chat.ExternalMessage, error) {
	older, err := c.fetchOlder(ctx, channelID, windowOldest)
	if err != nil || len(older) == 0 {
		return Checkpoint{}, nil, err
	}
	return Checkpoint{
		ChannelID:             channelID,
		OldestSeenMessageID:   older[0].ID,
		NewestFoldedMessageID: older[len(older)-1].ID,
	}, older, nil
}

// foldGap collects the messages newer than cp.NewestFoldedMessageID and
// older than windowOldest, walking back at most MaxGapPages pages.
func (c *ChannelSummariser) foldGap(ctx context.Context, cp Checkpoint, windowOldest string) (Checkpoint, []chat.ExternalMessage, error) {
	var gap []chat.ExternalMessage
	before := windowOldest
	for range c.maxGapPages() {
		page, err := c.fetchOlder(ctx, cp.ChannelID, before)
		if err != nil {
			return Checkpoint{}, nil, err
		}
		fresh := newerThan(page, cp.NewestFoldedMessageID)
		gap = slices.Concat(fresh, gap)
		if len(page) < c.pageSize() || len(fresh) < len(page) {
			break
		}
		before = page[0].ID
	}
	if len(gap) == 0 {
		return cp, nil, nil
	}

	next := cp
	next.NewestFoldedMessageID = gap[len(gap)-1].ID
	if next.OldestSeenMessageID == "" {
		next.OldestSeenMessageID = gap[0].ID
	}
	return next, gap, nil
}

// backfill folds the page older than cp.OldestSeenMessageID. It returns a
// zero checkpoint when there is nothing to do.
func (c *ChannelSummariser) backfill(ctx context.Context, cp Checkpoint) (Checkpoint, []chat.ExternalMessage, error) {
	if !c.Backfill || cp.HistoryExhausted || cp.OldestSeenMessageID == "" {
		return Checkpoint{}, nil, nil
	}
	older, err := c.fetchOlder(ctx, cp.ChannelID, cp.OldestSeenMessageID)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	next := cp
	if len(older) == 0 {
		next.HistoryExhausted = true
		return next, nil, nil
	}
	if CompareMessageIDs(older[0].ID, cp.OldestSeenMessageID) < 0 {
		next.OldestSeenMessageID = older[0].ID
	}
	return next, older, nil
}

func (c *ChannelSummariser) fetchOlder(ctx context.Context, channelID, before string) ([]chat.ExternalMessage, error) {
	page, err := c.History.FetchRecentMessages(ctx, channelID, chat.FetchOptions{
		Limit:  c.pageSize(),
		Before: before,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: fetch messages before %s: %w", before, err)
	}
	return page, nil
}

func (c *ChannelSummariser) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return DefaultPageSize
}

func (c *ChannelSummariser) maxGapPages() int {
	if c.MaxGapPages > 0 {
		return c.MaxGapPages
	}
	return defaultMaxGapPages
}

func (c *ChannelSummariser) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// newerThan returns the suffix of page (oldest first) with ids after id.
func newerThan(page []chat.ExternalMessage, id string) []chat.ExternalMessage {
	if id == "" {
		return page
	}
	for i, m := range page {
		if CompareMessageIDs(m.ID, id) > 0 {
			return page[i:]
		}
	}
	return nil
}
