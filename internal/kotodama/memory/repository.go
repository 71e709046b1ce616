package memory

import (
	"context"
	"time"
)

// TurnStore is the append-only turn log of one scope.
type TurnStore interface {
	// AppendTurn inserts t, replacing any turn with the same id.
	AppendTurn(ctx context.Context, t Turn) error
	// TurnsByID resolves ids. Unknown ids are absent from the result.
	TurnsByID(ctx context.Context, ids []string) (map[string]Turn, error)
}

// BufferStore holds the ordered turn ids of one scope's context window.
type BufferStore interface {
	BufferIDs(ctx context.Context) ([]string, error)
	PushBuffer(ctx context.Context, id string) error
	// AppendTurns stores turns and pushes their ids in order, all or
	// nothing.
	AppendTurns(ctx context.Context, turns []Turn) error
	// CommitPrune upserts summary and sets the buffer to
	// [summary.ID] + kept in a single transaction. A summary with an empty
	// ID is not stored and the buffer becomes kept.
	CommitPrune(ctx context.Context, summary Turn, kept []string) error
}

// Checkpoint records how much of an external channel's history has been
// folded into Summary.
type Checkpoint struct {
	ChannelID string `json:"channel_id"`
	// OldestSeenMessageID only ever moves further back in history.
	OldestSeenMessageID string `json:"oldest_seen_message_id"`
	// NewestFoldedMessageID only ever moves forward.
	NewestFoldedMessageID string    `json:"newest_folded_message_id"`
	Summary               string    `json:"summary"`
	HistoryExhausted      bool      `json:"history_exhausted"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// CheckpointStore is a key-value map of channel id to checkpoint.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, channelID string) (Checkpoint, bool, error)
	SetCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Block is a named, model-editable slab of text rendered into every prompt.
type Block struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Value       string `json:"value"`
	// Limit is advisory; it is shown to the model, never enforced.
	Limit       int       `json:"limit"`
	ReadOnly    bool      `json:"read_only"`
	LastUpdated time.Time `json:"last_updated"`
}

// BlockStore holds the memory blocks of one scope.
type BlockStore interface {
	// ListBlocks returns all blocks ordered by label.
	ListBlocks(ctx context.Context) ([]Block, error)
	Block(ctx context.Context, label string) (Block, bool, error)
	// PutBlock inserts or replaces b.
	PutBlock(ctx context.Context, b Block) error
	// InsertBlockIfAbsent stores b unless a block with its label exists and
	// reports whether it was stored.
	InsertBlockIfAbsent(ctx context.Context, b Block) (bool, error)
}

// Repository is all durable state owned by one scope.
type Repository interface {
	TurnStore
	BufferStore
	CheckpointStore
	BlockStore
}
