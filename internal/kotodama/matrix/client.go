// Package matrix connects Kotodama to Matrix rooms through mautrix-go.
//
// Matrix has no cheap history paging comparable to Discord or Slack, so
// rooms use the buffer flow: every message is stored and pruned locally.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/kotodama-bot/kotodama/common/trace"
	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
)

// Platform is the adapter id used in scope ids.
const Platform = "matrix"

const (
	syncBackoffMin = 2 * time.Second
	syncBackoffMax = 5 * time.Minute
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined on connect.
	Rooms []string
	// AcceptInvites joins any room the bot is invited to.
	AcceptInvites bool
	// RespondToAll answers every message in group rooms instead of only
	// those that mention the bot. Two-member rooms are always answered.
	RespondToAll bool
	// SyncStore persists the sync position. Nil keeps it in memory, so a
	// restart replays recent room history.
	SyncStore mautrix.SyncStore
	Logger    *slog.Logger
}

// Adapter implements chat.Adapter for Matrix.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	self   id.UserID

	mu      sync.RWMutex
	client  *mautrix.Client
	handler chat.Handler
	stopCh  chan struct{}
	started time.Time

	// memberCount reports a room's joined member count.
	memberCount func(ctx context.Context, roomID id.RoomID) (int, error)
	directMu    sync.Mutex
	direct      map[id.RoomID]bool
	namesMu     sync.Mutex
	names       map[id.UserID]string
}

// New creates the mautrix client without connecting.
func New(cfg Config) (*Adapter, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix: homeserver, user id and access token are required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncStore != nil {
		client.Store = cfg.SyncStore
	} else {
		logger.Warn("matrix: no sync store configured; history will replay on restart")
	}

	a := &Adapter{
		cfg:    cfg,
		logger: logger.With("platform", Platform),
		self:   id.UserID(cfg.UserID),
		client: client,
		stopCh: make(chan struct{}),
		direct: make(map[id.RoomID]bool),
		names:  make(map[id.UserID]string),
	}
	a.memberCount = func(ctx context.Context, roomID id.RoomID) (int, error) {
		resp, err := client.JoinedMembers(ctx, roomID)
		if err != nil {
			return 0, err
		}
		return len(resp.Joined), nil
	}
	return a, nil
}

func (a *Adapter) Platform() string  { return Platform }
func (a *Adapter) MessageLimit() int { return chat.MatrixMessageLimit }

// Connect joins the configured rooms and starts the sync loop. The loop
// reconnects with exponential back-off until Disconnect.
func (a *Adapter) Connect(ctx context.Context, h chat.Handler) error {
	a.mu.Lock()
	a.handler = h
	a.started = time.Now()
	client := a.client
	a.mu.Unlock()

	a.logger.Warn("matrix: end-to-end encryption is not enabled; encrypted rooms are ignored")

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer type %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		a.dispatch(ctx, evt)
	})
	if a.cfg.AcceptInvites {
		syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
			a.onMember(ctx, evt)
		})
	}

	for _, room := range a.cfg.Rooms {
		if err := a.join(ctx, id.RoomID(room)); err != nil {
			return fmt.Errorf("matrix: join %s: %w", room, err)
		}
	}

	go a.syncLoop()
	a.logger.Info("matrix: connected", "user_id", a.self, "rooms", len(a.cfg.Rooms))
	return nil
}

func (a *Adapter) syncLoop() {
	backoff := syncBackoffMin
	for {
		err := a.client.Sync()
		if err == nil {
			// Only a StopSync ends Sync cleanly.
			return
		}
		select {
		case <-a.stopCh:
			return
		default:
		}
		a.logger.Error("matrix: sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-a.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, syncBackoffMax)
	}
}

// Disconnect stops the sync loop.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.stopCh:
		return nil
	default:
	}
	close(a.stopCh)
	a.client.StopSync()
	return nil
}

// SendMessage sends a plain m.text message. Callers split long text first.
func (a *Adapter) SendMessage(ctx context.Context, roomID, text string) error {
	if _, err := a.client.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("matrix: send to %s: %w", roomID, err)
	}
	return nil
}

func (a *Adapter) onMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != a.self.String() {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if err := a.join(ctx, evt.RoomID); err != nil {
		a.logger.Warn("matrix: could not accept invite", "room", evt.RoomID, "err", err)
		return
	}
	a.logger.Info("matrix: accepted invite", "room", evt.RoomID, "inviter", evt.Sender)
}

// join joins a room. M_FORBIDDEN is tolerated because homeservers return it
// for rooms the bot is already in.
func (a *Adapter) join(ctx context.Context, roomID id.RoomID) error {
	if _, err := a.client.JoinRoomByID(ctx, roomID); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			a.logger.Warn("matrix: join forbidden or already a member", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

func (a *Adapter) dispatch(ctx context.Context, evt *event.Event) {
	a.mu.RLock()
	h, started := a.handler, a.started
	a.mu.RUnlock()
	if h == nil || evt == nil {
		return
	}
	// Without a persisted sync position the first sync replays history.
	if evt.Timestamp > 0 && time.UnixMilli(evt.Timestamp).Before(started.Add(-time.Minute)) {
		return
	}
	direct := a.isDirect(ctx, evt.RoomID)
	in, ok := toInbound(evt, a.self, direct, a.cfg.RespondToAll)
	if !ok {
		return
	}
	in.SenderName = a.displayName(ctx, evt.Sender)
	h(trace.WithTraceID(ctx, trace.GenerateID()), in)
}

// toInbound converts a room message. It reports false for the bot's own
// messages, non-text messages and, in group rooms, messages that do not
// mention the bot unless respondToAll.
func toInbound(evt *event.Event, self id.UserID, direct, respondToAll bool) (chat.InboundMessage, bool) {
	if evt.Sender == self {
		return chat.InboundMessage{}, false
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return chat.InboundMessage{}, false
	}
	if !direct && !respondToAll && !mentions(msg, self) {
		return chat.InboundMessage{}, false
	}
	text := strings.TrimSpace(strings.ReplaceAll(stripReplyFallback(msg.Body), self.String(), ""))
	text = strings.TrimSpace(strings.TrimPrefix(text, ":"))
	if text == "" {
		return chat.InboundMessage{}, false
	}
	return chat.InboundMessage{
		Platform:   Platform,
		ChannelID:  evt.RoomID.String(),
		MessageID:  evt.ID.String(),
		Text:       text,
		SenderID:   evt.Sender.String(),
		SenderName: localpart(evt.Sender),
		Direct:     direct,
		Timestamp:  time.UnixMilli(evt.Timestamp).UTC(),
	}, true
}

func mentions(msg *event.MessageEventContent, self id.UserID) bool {
	if msg.Mentions != nil && slices.Contains(msg.Mentions.UserIDs, self) {
		return true
	}
	return strings.Contains(msg.Body, self.String())
}

// stripReplyFallback drops the "> quoted" lines clients prepend to replies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i > 0 && i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// isDirect reports whether the room has exactly two members. Lookups are
// cached; a failed lookup counts as a group room and is retried next time.
func (a *Adapter) isDirect(ctx context.Context, roomID id.RoomID) bool {
	a.directMu.Lock()
	d, ok := a.direct[roomID]
	a.directMu.Unlock()
	if ok {
		return d
	}
	n, err := a.memberCount(ctx, roomID)
	if err != nil {
		a.logger.Warn("matrix: member count failed", "room", roomID, "err", err)
		return false
	}
	d = n == 2
	a.directMu.Lock()
	a.direct[roomID] = d
	a.directMu.Unlock()
	return d
}

func (a *Adapter) displayName(ctx context.Context, userID id.UserID) string {
	a.namesMu.Lock()
	name, ok := a.names[userID]
	a.namesMu.Unlock()
	if ok {
		return name
	}
	name = localpart(userID)
	profile, err := a.client.GetProfile(ctx, userID)
	if err == nil && profile != nil && profile.DisplayName != "" {
		name = profile.DisplayName
	}
	a.namesMu.Lock()
	a.names[userID] = name
	a.namesMu.Unlock()
	return name
}

// localpart returns "alice" for "@alice:example.org".
func localpart(userID id.UserID) string {
	local, _, _ := strings.Cut(strings.TrimPrefix(userID.String(), "@"), ":")
	return local
}

var _ chat.Adapter = (*Adapter)(nil)
