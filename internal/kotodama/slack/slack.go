// Package slack connects Kotodama to Slack over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/kotodama-bot/kotodama/common/trace"
	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
)

// Platform is the adapter id used in scope ids.
const Platform = "slack"

const maxPageSize = 200

// Config configures the Slack adapter.
type Config struct {
	// BotToken is the xoxb- bot token used for Web API calls.
	BotToken string
	// AppToken is the xapp- app-level token that opens the Socket Mode
	// connection.
	AppToken string
	// RespondToAll answers every channel message instead of only those that
	// mention the bot. Direct messages are always answered.
	RespondToAll bool
	// APIURL overrides the Web API base URL.
	APIURL string
	Logger *slog.Logger
}

// Adapter implements chat.Adapter and chat.History for Slack.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	client    *slack.Client
	cancel    context.CancelFunc
	botUserID string
	botID     string
	teamID    string
	handler   chat.Handler

	namesMu sync.Mutex
	names   map[string]string
}

// New returns an unconnected adapter.
func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With("platform", Platform),
		names:  make(map[string]string),
	}
}

func (a *Adapter) Platform() string  { return Platform }
func (a *Adapter) MessageLimit() int { return chat.SlackMessageLimit }

// Connect authenticates, opens the Socket Mode connection and starts
// delivering messages to h.
func (a *Adapter) Connect(ctx context.Context, h chat.Handler) error {
	if a.cfg.AppToken == "" {
		return fmt.Errorf("slack: app token is required for socket mode")
	}
	if err := a.authenticate(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	client := a.client
	a.handler = h
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	socket := socketmode.New(client)

	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.listen(runCtx, socket)
	go func() {
		if err := socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("slack: socket mode stopped", "err", err)
		}
	}()

	a.logger.Info("slack: connected", "bot_user_id", a.botUserID, "team_id", a.teamID)
	return nil
}

// authenticate builds the Web API client and records the bot's identity.
func (a *Adapter) authenticate(ctx context.Context) error {
	if a.cfg.BotToken == "" {
		return fmt.Errorf("slack: bot token is required")
	}
	opts := []slack.Option{}
	if a.cfg.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(a.cfg.AppToken))
	}
	if a.cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(a.cfg.APIURL))
	}
	client := slack.New(a.cfg.BotToken, opts...)

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.botUserID = auth.UserID
	a.botID = auth.BotID
	a.teamID = auth.TeamID
	a.mu.Unlock()
	return nil
}

// Disconnect stops the Socket Mode connection.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) listen(ctx context.Context, socket *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			api, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				socket.Ack(*evt.Request)
			}
			if msg, ok := api.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				// Each message runs on its own goroutine; scopes serialise
				// themselves downstream.
				go a.handleMessage(ctx, msg)
			}
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	a.mu.RLock()
	h, botUserID, botID, teamID := a.handler, a.botUserID, a.botID, a.teamID
	a.mu.RUnlock()
	if h == nil {
		return
	}
	if ev.SubType != "" || ev.User == "" || ev.User == botUserID || (botID != "" && ev.BotID == botID) {
		return
	}
	direct := ev.ChannelType == "im"
	mention := "<@" + botUserID + ">"
	if !direct && !a.cfg.RespondToAll && (botUserID == "" || !strings.Contains(ev.Text, mention)) {
		return
	}
	text := ev.Text
	if botUserID != "" {
		text = strings.ReplaceAll(text, mention, "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	in := chat.InboundMessage{
		Platform:   Platform,
		ChannelID:  ev.Channel,
		MessageID:  ev.TimeStamp,
		Text:       text,
		SenderID:   ev.User,
		SenderName: a.userName(ctx, ev.User),
		Direct:     direct,
		Timestamp:  parseTS(ev.TimeStamp),
	}
	if !direct {
		in.GuildID = teamID
	}
	h(trace.WithTraceID(ctx, trace.GenerateID()), in)
}

// SendMessage posts text to a channel. Callers split long text first.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return chat.ErrNotConnected
	}
	if _, _, err := client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack: post to %s: %w", channelID, err)
	}
	return nil
}

// FetchRecentMessages implements chat.History using conversations.history.
// Slack returns newest first; the result is reversed to oldest first.
func (a *Adapter) FetchRecentMessages(ctx context.Context, channelID string, opts chat.FetchOptions) ([]chat.ExternalMessage, error) {
	a.mu.RLock()
	client, botUserID, botID := a.client, a.botUserID, a.botID
	a.mu.RUnlock()
	if client == nil {
		return nil, chat.ErrNotConnected
	}

	limit := opts.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	resp, err := client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Latest:    opts.Before,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack: fetch history of %s: %w", channelID, err)
	}

	out := make([]chat.ExternalMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.SubType != "" && m.SubType != "bot_message" && m.SubType != "thread_broadcast" {
			continue
		}
		// latest is exclusive by default, but guard against an inclusive
		// answer so a page never repeats its boundary.
		if opts.Before != "" && m.Timestamp == opts.Before {
			continue
		}
		fromBot := (botUserID != "" && m.User == botUserID) || (botID != "" && m.BotID == botID)
		name := m.Username
		if name == "" && m.User != "" {
			name = a.userName(ctx, m.User)
		}
		out = append(out, chat.ExternalMessage{
			ID:         m.Timestamp,
			AuthorID:   firstNonEmpty(m.User, m.BotID),
			AuthorName: name,
			Content:    m.Text,
			Timestamp:  parseTS(m.Timestamp),
			FromBot:    fromBot,
		})
	}
	slices.Reverse(out)
	return out, nil
}

// userName resolves and caches a user's display name, falling back to the
// user id when the lookup fails.
func (a *Adapter) userName(ctx context.Context, userID string) string {
	a.namesMu.Lock()
	name, ok := a.names[userID]
	a.namesMu.Unlock()
	if ok {
		return name
	}

	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return userID
	}
	u, err := client.GetUserInfoContext(ctx, userID)
	if err != nil {
		a.logger.Debug("slack: user lookup failed", "user", userID, "err", err)
		return userID
	}
	name = firstNonEmpty(u.Profile.DisplayName, u.RealName, u.Name, userID)

	a.namesMu.Lock()
	a.names[userID] = name
	a.namesMu.Unlock()
	return name
}

// parseTS converts a Slack "seconds.micros" timestamp.
func parseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		micros, _ = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond)).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	_ chat.Adapter = (*Adapter)(nil)
	_ chat.History = (*Adapter)(nil)
)
