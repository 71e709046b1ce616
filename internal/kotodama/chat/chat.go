// Package chat defines the platform-neutral collaborators the agent talks
// to: inbound message delivery, outbound sends and channel history reads.
//
// Concrete adapters live in the discord, slack and matrix packages. Nothing
// here knows about any wire protocol.
package chat

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by adapters used before Connect succeeded.
var ErrNotConnected = errors.New("chat: adapter not connected")

// Payload limits, in characters, for a single outbound message.
const (
	DiscordMessageLimit = 2000
	SlackMessageLimit   = 4000
	MatrixMessageLimit  = 16000
)

// InboundMessage is a user message delivered by a platform adapter.
type InboundMessage struct {
	// Platform is the adapter id ("discord", "slack", "matrix").
	Platform string
	// ChannelID is where the reply goes.
	ChannelID string
	// GuildID is the server/workspace the channel belongs to. Empty for DMs.
	GuildID string
	// MessageID is the platform's id for the message.
	MessageID  string
	Text       string
	SenderID   string
	SenderName string
	// Direct is true for one-to-one conversations.
	Direct    bool
	Timestamp time.Time
}

// ExternalMessage is one message read back from a channel's history.
type ExternalMessage struct {
	ID         string
	AuthorID   string
	AuthorName string
	Content    string
	Timestamp  time.Time
	// FromBot marks messages written by this bot.
	FromBot bool
}

// FetchOptions bounds a history read.
type FetchOptions struct {
	// Limit is the page size. Adapters clamp it to their platform maximum.
	Limit int
	// Before, when set, restricts the page to messages strictly older than
	// this message id.
	Before string
}

// History reads a channel's message history.
type History interface {
	// FetchRecentMessages returns up to opts.Limit messages, oldest first.
	// An empty slice with a nil error means there is nothing (more) to read.
	FetchRecentMessages(ctx context.Context, channelID string, opts FetchOptions) ([]ExternalMessage, error)
}

// Sender delivers a text message to a channel.
type Sender interface {
	SendMessage(ctx context.Context, channelID, text string) error
}

// Handler receives inbound messages from an adapter.
type Handler func(ctx context.Context, msg InboundMessage)

// Adapter is a connected chat platform.
type Adapter interface {
	Sender
	// Platform returns the adapter id used in scope ids.
	Platform() string
	// MessageLimit returns the maximum characters per outbound message.
	MessageLimit() int
	// Connect opens the platform connection and starts delivering inbound
	// messages to h. It returns once the connection is established.
	Connect(ctx context.Context, h Handler) error
	// Disconnect closes the platform connection.
	Disconnect() error
}

// SendSplit splits text to the given limit and sends each part in order,
// stopping at the first failure.
func SendSplit(ctx context.Context, s Sender, channelID, text string, limit int) error {
	for _, part := range SplitMessage(text, limit) {
		if err := s.SendMessage(ctx, channelID, part); err != nil {
			return err
		}
	}
	return nil
}
