// Package discord connects Kotodama to Discord through discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/kotodama-bot/kotodama/common/trace"
	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
)

// Platform is the adapter id used in scope ids.
const Platform = "discord"

// maxPageSize is the largest page the channel messages endpoint returns.
const maxPageSize = 100

// restAPI is the part of *discordgo.Session the adapter calls after Connect.
type restAPI interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config configures the Discord adapter.
type Config struct {
	Token string
	// RespondToAll answers every guild message instead of only those that
	// mention the bot or reply to it. Direct messages are always answered.
	RespondToAll bool
	Logger       *slog.Logger
}

// Adapter implements chat.Adapter and chat.History for Discord.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	session *discordgo.Session
	api     restAPI
	botID   string
	handler chat.Handler
	baseCtx context.Context
}

// New returns an unconnected adapter.
func New(cfg Config) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: logger.With("platform", Platform)}
}

func (a *Adapter) Platform() string  { return Platform }
func (a *Adapter) MessageLimit() int { return chat.DiscordMessageLimit }

// Connect opens the gateway connection and starts delivering messages to h.
func (a *Adapter) Connect(ctx context.Context, h chat.Handler) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.dispatch(m.Message)
	})

	a.mu.Lock()
	a.handler = h
	a.baseCtx = ctx
	a.mu.Unlock()

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.api = session
	if session.State != nil && session.State.User != nil {
		a.botID = session.State.User.ID
	}
	botID := a.botID
	a.mu.Unlock()

	a.logger.Info("discord: connected", "bot_id", botID)
	return nil
}

// Disconnect closes the gateway connection.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	session := a.session
	a.session, a.api = nil, nil
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("discord: close: %w", err)
	}
	return nil
}

// SendMessage posts text to a channel. Callers split long text first.
func (a *Adapter) SendMessage(_ context.Context, channelID, text string) error {
	a.mu.RLock()
	api := a.api
	a.mu.RUnlock()
	if api == nil {
		return chat.ErrNotConnected
	}
	if _, err := api.ChannelMessageSend(channelID, text); err != nil {
		return fmt.Errorf("discord: send to %s: %w", channelID, err)
	}
	return nil
}

// FetchRecentMessages implements chat.History. Discord pages come newest
// first; the result is reversed to oldest first.
func (a *Adapter) FetchRecentMessages(_ context.Context, channelID string, opts chat.FetchOptions) ([]chat.ExternalMessage, error) {
	a.mu.RLock()
	api, botID := a.api, a.botID
	a.mu.RUnlock()
	if api == nil {
		return nil, chat.ErrNotConnected
	}

	limit := opts.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	page, err := api.ChannelMessages(channelID, limit, opts.Before, "", "")
	if err != nil {
		return nil, fmt.Errorf("discord: fetch history of %s: %w", channelID, err)
	}

	out := make([]chat.ExternalMessage, 0, len(page))
	for _, m := range page {
		if m == nil || m.Author == nil {
			continue
		}
		out = append(out, chat.ExternalMessage{
			ID:         m.ID,
			AuthorID:   m.Author.ID,
			AuthorName: displayName(m.Author),
			Content:    m.Content,
			Timestamp:  m.Timestamp,
			FromBot:    m.Author.ID == botID,
		})
	}
	slices.Reverse(out)
	return out, nil
}

func (a *Adapter) dispatch(m *discordgo.Message) {
	a.mu.RLock()
	h, botID, ctx := a.handler, a.botID, a.baseCtx
	a.mu.RUnlock()
	if h == nil || m == nil {
		return
	}
	in, ok := toInbound(m, botID, a.cfg.RespondToAll)
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h(trace.WithTraceID(ctx, trace.GenerateID()), in)
}

// toInbound converts a gateway message. It reports false for messages the
// bot should not answer: its own, other bots', empty ones and, unless
// respondToAll, guild messages that do not address the bot.
func toInbound(m *discordgo.Message, botID string, respondToAll bool) (chat.InboundMessage, bool) {
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return chat.InboundMessage{}, false
	}
	direct := m.GuildID == ""
	if !direct && !respondToAll && !addressesBot(m, botID) {
		return chat.InboundMessage{}, false
	}
	text := strings.TrimSpace(stripMention(m.Content, botID))
	if text == "" {
		return chat.InboundMessage{}, false
	}
	return chat.InboundMessage{
		Platform:   Platform,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		MessageID:  m.ID,
		Text:       text,
		SenderID:   m.Author.ID,
		SenderName: displayName(m.Author),
		Direct:     direct,
		Timestamp:  m.Timestamp,
	}, true
}

func addressesBot(m *discordgo.Message, botID string) bool {
	if botID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	ref := m.ReferencedMessage
	return ref != nil && ref.Author != nil && ref.Author.ID == botID
}

func stripMention(content, botID string) string {
	if botID == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	return strings.ReplaceAll(content, "<@!"+botID+">", "")
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

var (
	_ chat.Adapter = (*Adapter)(nil)
	_ chat.History = (*Adapter)(nil)
	_ restAPI      = (*discordgo.Session)(nil)
)
