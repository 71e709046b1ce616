package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
	"github.com/kotodama-bot/kotodama/internal/kotodama/profile"
	"github.com/kotodama-bot/kotodama/internal/kotodama/tools"
)

// Scope id kinds.
const (
	KindDM    = "dm"
	KindGuild = "guild"
	KindRoom  = "room"
)

// DirectScopeID is the scope of a one-to-one conversation with peerID.
func DirectScopeID(platform, peerID string) string {
	return platform + ":" + KindDM + ":" + peerID
}

// GuildScopeID is the scope shared by every channel of a server/workspace.
func GuildScopeID(platform, guildID string) string {
	return platform + ":" + KindGuild + ":" + guildID
}

// RoomScopeID is the scope of a group room on a platform without guilds.
func RoomScopeID(platform, roomID string) string {
	return platform + ":" + KindRoom + ":" + roomID
}

// ScopeIDFor maps an inbound message to the scope that owns it.
func ScopeIDFor(msg chat.InboundMessage) string {
	switch {
	case msg.Direct:
		return DirectScopeID(msg.Platform, msg.SenderID)
	case msg.GuildID != "":
		return GuildScopeID(msg.Platform, msg.GuildID)
	default:
		return RoomScopeID(msg.Platform, msg.ChannelID)
	}
}

// ParseScopeID splits a scope id into its platform, kind and key.
func ParseScopeID(id string) (platform, kind, key string, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("agent: malformed scope id %q", id)
	}
	switch parts[1] {
	case KindDM, KindGuild, KindRoom:
	default:
		return "", "", "", fmt.Errorf("agent: unknown scope kind %q in %q", parts[1], id)
	}
	return parts[0], parts[1], parts[2], nil
}

// IsDirectScope reports whether id names a direct-message scope.
func IsDirectScope(id string) bool {
	_, kind, _, err := ParseScopeID(id)
	return err == nil && kind == KindDM
}

// Scope is the single-writer actor owning one scope's state. Its fields
// may only be used inside Hub.Do.
type Scope struct {
	id     string
	direct bool

	Repo   memory.Repository
	Window *memory.Window
	Blocks *memory.Blocks
	// Tools holds the memory tools bound to this scope's blocks plus the
	// shared web tools.
	Tools *tools.Registry

	mu     sync.Mutex
	booted bool
}

// ID returns the scope id.
func (s *Scope) ID() string { return s.id }

// Direct reports whether this is a direct-message scope.
func (s *Scope) Direct() bool { return s.direct }

// HubConfig configures the scopes a Hub creates.
type HubConfig struct {
	Store   ScopeStore
	Profile *profile.Profile
	// Summariser folds pruned turns. Required for pruning to succeed.
	Summariser memory.TurnSummariser
	// MaxMessages and PrunePercentage override the profile when set.
	MaxMessages     int
	PrunePercentage float64
	// SharedTools are registered in every scope next to the memory tools.
	SharedTools []tools.Tool
	Now         func() time.Time
	Logger      *slog.Logger
}

// Hub keeps one Scope actor per scope id. Operations on one scope run one
// at a time; different scopes run in parallel.
type Hub struct {
	cfg HubConfig

	mu     sync.Mutex
	scopes map[string]*Scope
}

// NewHub returns a Hub with no live scopes.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Profile == nil {
		cfg.Profile = profile.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{cfg: cfg, scopes: make(map[string]*Scope)}
}

// Do runs fn with exclusive access to the scope id, booting the scope
// first when this process has not done so yet.
func (h *Hub) Do(ctx context.Context, id string, fn func(ctx context.Context, s *Scope) error) error {
	s, err := h.scope(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.booted {
		if err := h.boot(ctx, s); err != nil {
			return err
		}
		s.booted = true
	}
	return fn(ctx, s)
}

// Active returns the ids of the scopes touched since start, sorted.
func (h *Hub) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.scopes))
	for id := range h.scopes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h *Hub) scope(id string) (*Scope, error) {
	if _, _, _, err := ParseScopeID(id); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.scopes[id]; ok {
		return s, nil
	}
	s := h.newScope(id)
	h.scopes[id] = s
	return s, nil
}

func (h *Hub) newScope(id string) *Scope {
	repo := h.cfg.Store.Repository(id)
	maxMsgs := h.cfg.MaxMessages
	if maxMsgs <= 0 {
		maxMsgs = h.cfg.Profile.Window.MaxMessages
	}
	pct := h.cfg.PrunePercentage
	if pct <= 0 {
		pct = h.cfg.Profile.Window.PrunePercentage
	}
	blocks := memory.NewBlocks(repo, h.cfg.Now)

	reg := tools.NewRegistry().MustRegister(
		tools.NewMemoryInsertTool(blocks),
		tools.NewMemoryReplaceTool(blocks),
	)
	reg.MustRegister(h.cfg.SharedTools...)

	return &Scope{
		id:     id,
		direct: IsDirectScope(id),
		Repo:   repo,
		Window: memory.NewWindow(repo, repo, h.cfg.Summariser, memory.WindowConfig{
			MaxMessages:     maxMsgs,
			PrunePercentage: pct,
			Logger:          h.cfg.Logger.With("scope", id),
		}),
		Blocks: blocks,
		Tools:  reg,
	}
}

// boot seeds the profile's default blocks. Seeding only inserts absent
// labels, so a scope booted by an earlier process keeps its edits.
func (h *Hub) boot(ctx context.Context, s *Scope) error {
	now := h.cfg.Now()
	n, err := s.Blocks.Seed(ctx, h.cfg.Profile.DefaultBlocks(s.direct, now), now)
	if err != nil {
		return fmt.Errorf("agent: boot scope %s: %w", s.id, err)
	}
	if n > 0 {
		h.cfg.Logger.Info("scope seeded", "scope", s.id, "blocks", n)
	}
	return nil
}
