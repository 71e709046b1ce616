package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
)

// maxQueryParams keeps IN (...) lists under SQLite's variable limit.
const maxQueryParams = 500

// Scope is the memory.Repository of one scope, backed by the shared
// database. Every row it touches is keyed by its scope id.
type Scope struct {
	db *sql.DB
	id string
}

// ID returns the scope id.
func (s *Scope) ID() string { return s.id }

// --- turns ---

const upsertTurnSQL = `
	INSERT INTO turns (scope_id, id, role, content, tool_calls, tool_call_id, name, author_id, author_name, created_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(scope_id, id) DO UPDATE SET
		role         = excluded.role,
		content      = excluded.content,
		tool_calls   = excluded.tool_calls,
		tool_call_id = excluded.tool_call_id,
		name         = excluded.name,
		author_id    = excluded.author_id,
		author_name  = excluded.author_name,
		created_at_ms = excluded.created_at_ms`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Scope) upsertTurn(ctx context.Context, ex execer, t memory.Turn) error {
	if !t.Role.Valid() {
		return fmt.Errorf("invalid role %q", t.Role)
	}
	var toolCalls sql.NullString
	if len(t.ToolCalls) > 0 {
		raw, err := json.Marshal(t.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := ex.ExecContext(ctx, upsertTurnSQL,
		s.id, t.ID, string(t.Role), t.Content, toolCalls, t.ToolCallID, t.Name,
		t.AuthorID, t.AuthorName, toMillis(t.CreatedAt),
	)
	return err
}

// AppendTurn inserts t, replacing any turn with the same id.
func (s *Scope) AppendTurn(ctx context.Context, t memory.Turn) error {
	if err := s.upsertTurn(ctx, s.db, t); err != nil {
		return fmt.Errorf("store: append turn %s: %w", t.ID, err)
	}
	return nil
}

// TurnsByID resolves ids. Unknown ids are absent from the result.
func (s *Scope) TurnsByID(ctx context.Context, ids []string) (map[string]memory.Turn, error) {
	out := make(map[string]memory.Turn, len(ids))
	for start := 0; start < len(ids); start += maxQueryParams {
		chunk := ids[start:min(start+maxQueryParams, len(ids))]
		if err := s.loadTurns(ctx, chunk, out); err != nil {
			return nil, fmt.Errorf("store: load turns: %w", err)
		}
	}
	return out, nil
}

func (s *Scope) loadTurns(ctx context.Context, ids []string, into map[string]memory.Turn) error {
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.id)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `
		SELECT id, role, content, tool_calls, tool_call_id, name, author_id, author_name, created_at_ms
		FROM turns
		WHERE scope_id = ? AND id IN (` + placeholders(len(ids)) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t         memory.Turn
			role      string
			toolCalls sql.NullString
			createdMS int64
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &toolCalls, &t.ToolCallID, &t.Name,
			&t.AuthorID, &t.AuthorName, &createdMS); err != nil {
			return err
		}
		t.Role = llm.Role(role)
		t.CreatedAt = fromMillis(createdMS)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &t.ToolCalls); err != nil {
				return fmt.Errorf("decode tool calls of %s: %w", t.ID, err)
			}
		}
		into[t.ID] = t
	}
	return rows.Err()
}

// --- buffer ---

// BufferIDs returns the buffered turn ids in order.
func (s *Scope) BufferIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT turn_id FROM buffer WHERE scope_id = ? ORDER BY position", s.id)
	if err != nil {
		return nil, fmt.Errorf("store: read buffer: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan buffer: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PushBuffer appends id to the buffer.
func (s *Scope) PushBuffer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buffer (scope_id, position, turn_id)
		SELECT ?, COALESCE(MAX(position), 0) + 1, ? FROM buffer WHERE scope_id = ?
	`, s.id, id, s.id)
	if err != nil {
		return fmt.Errorf("store: push buffer: %w", err)
	}
	return nil
}

// AppendTurns upserts turns and appends their ids to the buffer in one
// transaction.
func (s *Scope) AppendTurns(ctx context.Context, turns []memory.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append tx: %w", err)
	}
	var last int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), 0) FROM buffer WHERE scope_id = ?", s.id).Scan(&last); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: read buffer tail: %w", err)
	}
	for i, t := range turns {
		if err := s.upsertTurn(ctx, tx, t); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: write turn %s: %w", t.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO buffer (scope_id, position, turn_id) VALUES (?, ?, ?)", s.id, last+i+1, t.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: push buffer: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit append: %w", err)
	}
	return nil
}

// CommitPrune upserts summary and rewrites the buffer as
// [summary.ID] + kept in one transaction. An empty summary ID leaves just
// kept.
func (s *Scope) CommitPrune(ctx context.Context, summary memory.Turn, kept []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin prune tx: %w", err)
	}
	ids := kept
	if summary.ID != "" {
		if err := s.upsertTurn(ctx, tx, summary); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: write summary turn: %w", err)
		}
		ids = append([]string{summary.ID}, kept...)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM buffer WHERE scope_id = ?", s.id); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: clear buffer: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO buffer (scope_id, position, turn_id) VALUES (?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare buffer insert: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		if _, err := stmt.ExecContext(ctx, s.id, i+1, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: rewrite buffer: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit prune: %w", err)
	}
	return nil
}

// --- checkpoints ---

// Checkpoint returns the checkpoint of channelID, if any.
func (s *Scope) Checkpoint(ctx context.Context, channelID string) (memory.Checkpoint, bool, error) {
	cp := memory.Checkpoint{ChannelID: channelID}
	var (
		exhausted int
		updatedMS int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT oldest_seen_message_id, newest_folded_message_id, summary, history_exhausted, updated_at_ms
		FROM checkpoints WHERE scope_id = ? AND channel_id = ?
	`, s.id, channelID).Scan(&cp.OldestSeenMessageID, &cp.NewestFoldedMessageID, &cp.Summary, &exhausted, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Checkpoint{}, false, nil
	}
	if err != nil {
		return memory.Checkpoint{}, false, fmt.Errorf("store: load checkpoint %s: %w", channelID, err)
	}
	cp.HistoryExhausted = exhausted != 0
	cp.UpdatedAt = fromMillis(updatedMS)
	return cp, true, nil
}

// SetCheckpoint inserts or replaces cp.
func (s *Scope) SetCheckpoint(ctx context.Context, cp memory.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (scope_id, channel_id, oldest_seen_message_id, newest_folded_message_id,
			summary, history_exhausted, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_id, channel_id) DO UPDATE SET
			oldest_seen_message_id   = excluded.oldest_seen_message_id,
			newest_folded_message_id = excluded.newest_folded_message_id,
			summary                  = excluded.summary,
			history_exhausted        = excluded.history_exhausted,
			updated_at_ms            = excluded.updated_at_ms
	`, s.id, cp.ChannelID, cp.OldestSeenMessageID, cp.NewestFoldedMessageID, cp.Summary,
		boolInt(cp.HistoryExhausted), toMillis(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: save checkpoint %s: %w", cp.ChannelID, err)
	}
	return nil
}

// --- blocks ---

const blockColumns = "label, description, value, char_limit, read_only, last_updated_ms"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(r rowScanner) (memory.Block, error) {
	var (
		b         memory.Block
		readOnly  int
		updatedMS int64
	)
	if err := r.Scan(&b.Label, &b.Description, &b.Value, &b.Limit, &readOnly, &updatedMS); err != nil {
		return memory.Block{}, err
	}
	b.ReadOnly = readOnly != 0
	b.LastUpdated = fromMillis(updatedMS)
	return b, nil
}

// ListBlocks returns all blocks ordered by label.
func (s *Scope) ListBlocks(ctx context.Context) ([]memory.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+blockColumns+" FROM blocks WHERE scope_id = ? ORDER BY label", s.id)
	if err != nil {
		return nil, fmt.Errorf("store: list blocks: %w", err)
	}
	defer rows.Close()

	var out []memory.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Block returns the block with the given label, if any.
func (s *Scope) Block(ctx context.Context, label string) (memory.Block, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM blocks WHERE scope_id = ? AND label = ?", s.id, label)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Block{}, false, nil
	}
	if err != nil {
		return memory.Block{}, false, fmt.Errorf("store: load block %s: %w", label, err)
	}
	return b, true, nil
}

// PutBlock inserts or replaces b.
func (s *Scope) PutBlock(ctx context.Context, b memory.Block) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (scope_id, `+blockColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_id, label) DO UPDATE SET
			description     = excluded.description,
			value           = excluded.value,
			char_limit      = excluded.char_limit,
			read_only       = excluded.read_only,
			last_updated_ms = excluded.last_updated_ms
	`, s.id, b.Label, b.Description, b.Value, b.Limit, boolInt(b.ReadOnly), toMillis(b.LastUpdated))
	if err != nil {
		return fmt.Errorf("store: save block %s: %w", b.Label, err)
	}
	return nil
}

// InsertBlockIfAbsent stores b unless its label exists.
func (s *Scope) InsertBlockIfAbsent(ctx context.Context, b memory.Block) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (scope_id, `+blockColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_id, label) DO NOTHING
	`, s.id, b.Label, b.Description, b.Value, b.Limit, boolInt(b.ReadOnly), toMillis(b.LastUpdated))
	if err != nil {
		return false, fmt.Errorf("store: seed block %s: %w", b.Label, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: seed block %s: %w", b.Label, err)
	}
	return n > 0, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ memory.Repository = (*Scope)(nil)
