// Package store provides the SQLite persistence for Kotodama scopes: turn
// logs, context-window buffers, channel checkpoints and memory blocks.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite connection shared by all scopes.
type Store struct {
	db *sql.DB
}

// ScopeInfo summarises one scope for listings.
type ScopeInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	BufferLen    int       `json:"buffer_len"`
	Blocks       int       `json:"blocks"`
}

// New opens (or creates) the SQLite database at dbPath and runs all pending
// migrations.
func New(dbPath string) (*Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	pragmas := []string{
		"foreign_keys(1)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"cache_size(-32000)",
		"busy_timeout(5000)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}
	return s, nil
}

// DB returns the raw *sql.DB for ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Scope returns the repository view of one scope. It performs no I/O.
func (s *Store) Scope(id string) *Scope {
	return &Scope{db: s.db, id: id}
}

// Repository is Scope typed as the memory repository interface.
func (s *Store) Repository(id string) memory.Repository {
	return s.Scope(id)
}

// TouchScope records activity on a scope, creating its row on first use.
func (s *Store) TouchScope(ctx context.Context, id string, now time.Time) error {
	ms := now.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scopes (id, created_at_ms, last_active_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_active_ms = excluded.last_active_ms
	`, id, ms, ms)
	if err != nil {
		return fmt.Errorf("store: touch scope %s: %w", id, err)
	}
	return nil
}

// ListScopes returns every known scope, most recently active first.
func (s *Store) ListScopes(ctx context.Context) ([]ScopeInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at_ms, s.last_active_ms,
			(SELECT COUNT(*) FROM buffer b WHERE b.scope_id = s.id),
			(SELECT COUNT(*) FROM blocks k WHERE k.scope_id = s.id)
		FROM scopes s
		ORDER BY s.last_active_ms DESC, s.id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list scopes: %w", err)
	}
	defer rows.Close()

	var out []ScopeInfo
	for rows.Next() {
		var (
			info              ScopeInfo
			createdMS, lastMS int64
		)
		if err := rows.Scan(&info.ID, &createdMS, &lastMS, &info.BufferLen, &info.Blocks); err != nil {
			return nil, fmt.Errorf("store: scan scope: %w", err)
		}
		info.CreatedAt, info.LastActiveAt = fromMillis(createdMS), fromMillis(lastMS)
		out = append(out, info)
	}
	return out, rows.Err()
}

// runMigrations applies any SQL files not yet recorded in schema_migrations.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(prefix, "%d", &version); err != nil || version <= current {
			continue
		}
		description := strings.TrimSuffix(rest, ".sql")

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
		slog.Info("applied migration", "version", version, "description", description)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
