package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemStore keeps every scope in memory. Nothing survives a restart; the
// agent falls back to it when no durable store is configured.
type MemStore struct {
	mu      sync.Mutex
	scopes  map[string]*MemScope
	touched map[string]time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		scopes:  make(map[string]*MemScope),
		touched: make(map[string]time.Time),
	}
}

// Scope returns the scope id, creating it on first use.
func (m *MemStore) Scope(id string) *MemScope {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[id]
	if !ok {
		s = NewMemScope()
		m.scopes[id] = s
	}
	return s
}

func (m *MemStore) Repository(id string) Repository { return m.Scope(id) }

func (m *MemStore) TouchScope(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id] = now
	return nil
}

// LastActive returns the last TouchScope time of id.
func (m *MemStore) LastActive(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.touched[id]
	return t, ok
}

// MemScope is an in-memory Repository for one scope. It is safe for
// concurrent use.
type MemScope struct {
	mu          sync.Mutex
	turns       map[string]Turn
	buffer      []string
	checkpoints map[string]Checkpoint
	blocks      map[string]Block
}

// NewMemScope returns an empty in-memory repository.
func NewMemScope() *MemScope {
	return &MemScope{
		turns:       make(map[string]Turn),
		checkpoints: make(map[string]Checkpoint),
		blocks:      make(map[string]Block),
	}
}

func (m *MemScope) AppendTurn(_ context.Context, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[t.ID] = t
	return nil
}

func (m *MemScope) TurnsByID(_ context.Context, ids []string) (map[string]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Turn, len(ids))
	for _, id := range ids {
		if t, ok := m.turns[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (m *MemScope) BufferIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.buffer), nil
}

func (m *MemScope) PushBuffer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, id)
	return nil
}

func (m *MemScope) AppendTurns(_ context.Context, turns []Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range turns {
		m.turns[t.ID] = t
		m.buffer = append(m.buffer, t.ID)
	}
	return nil
}

func (m *MemScope) CommitPrune(_ context.Context, summary Turn, kept []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]string, 0, len(kept)+1)
	if summary.ID != "" {
		m.turns[summary.ID] = summary
		buf = append(buf, summary.ID)
	}
	m.buffer = append(buf, kept...)
	return nil
}

func (m *MemScope) Checkpoint(_ context.Context, channelID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[channelID]
	return cp, ok, nil
}

func (m *MemScope) SetCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ChannelID] = cp
	return nil
}

func (m *MemScope) ListBlocks(_ context.Context) ([]Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *MemScope) Block(_ context.Context, label string) (Block, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[label]
	return b, ok, nil
}

func (m *MemScope) PutBlock(_ context.Context, b Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.Label] = b
	return nil
}

func (m *MemScope) InsertBlockIfAbsent(_ context.Context, b Block) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[b.Label]; ok {
		return false, nil
	}
	m.blocks[b.Label] = b
	return true, nil
}

var _ Repository = (*MemScope)(nil)
