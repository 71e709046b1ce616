// Package agent turns inbound chat messages into replies.
//
// Every message belongs to a scope (a DM peer, a guild or a room). A Hub
// keeps one single-writer actor per scope, so the turns, buffer, checkpoints
// and memory blocks of a scope are only ever mutated by one message at a
// time.
//
// Two pipelines exist. Direct messages and rooms without readable history
// use the buffer flow: the inbound turn is stored, the window is pruned
// when over its bound, and the buffered turns form the conversation. Guild
// channels whose adapter can read history use the channel flow: the live
// window is fetched from the platform and everything older is folded into
// a per-channel summary. Both end in the tool-call loop.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kotodama-bot/kotodama/common/trace"
	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
	"github.com/kotodama-bot/kotodama/internal/kotodama/observability"
	"github.com/kotodama-bot/kotodama/internal/kotodama/profile"
	"github.com/kotodama-bot/kotodama/internal/kotodama/tools"
)

// ScopeStore opens the durable state of a scope.
type ScopeStore interface {
	Repository(id string) memory.Repository
	// TouchScope records activity on id.
	TouchScope(ctx context.Context, id string, now time.Time) error
}

// Summariser is what both pipelines need from the summarising model.
type Summariser interface {
	memory.TurnSummariser
	memory.HistoryMerger
}

// Config holds the Agent configuration.
type Config struct {
	Provider llm.Provider
	// Store defaults to a memory.MemStore, which forgets everything on exit.
	Store ScopeStore
	// Profile defaults to the embedded default profile.
	Profile *profile.Profile
	// Model overrides the provider default for replies.
	Model     string
	MaxTokens int
	// MaxRounds overrides the profile's loop bound.
	MaxRounds int
	// MaxMessages and PrunePercentage override the profile's window.
	MaxMessages     int
	PrunePercentage float64
	// Summariser defaults to an LLMSummariser on Provider with SummaryModel.
	Summariser   Summariser
	SummaryModel string
	// Tools are shared by every scope, next to the per-scope memory tools.
	Tools []tools.Tool
	// ErrorReply, when set, is sent to the channel after a failed turn.
	ErrorReply string
	Now        func() time.Time
	Logger     *slog.Logger
}

// Agent answers inbound messages.
type Agent struct {
	cfg        Config
	hub        *Hub
	summariser Summariser
}

// New returns an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Profile == nil {
		cfg.Profile = profile.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Logger.Info("no scope store configured; conversation state is kept in memory only")
		cfg.Store = memory.NewMemStore()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = cfg.Profile.Loop.MaxRounds
	}
	s := cfg.Summariser
	if s == nil {
		s = &memory.LLMSummariser{Provider: cfg.Provider, Model: cfg.SummaryModel}
	}
	hub := NewHub(HubConfig{
		Store:           cfg.Store,
		Profile:         cfg.Profile,
		Summariser:      s,
		MaxMessages:     cfg.MaxMessages,
		PrunePercentage: cfg.PrunePercentage,
		SharedTools:     cfg.Tools,
		Now:             cfg.Now,
		Logger:          cfg.Logger,
	})
	return &Agent{cfg: cfg, hub: hub, summariser: s}, nil
}

// Hub exposes the scope actors.
func (a *Agent) Hub() *Hub { return a.hub }

// Handler returns a chat.Handler that answers through adapter.
func (a *Agent) Handler(adapter chat.Adapter) chat.Handler {
	return func(ctx context.Context, msg chat.InboundMessage) {
		_ = a.Handle(ctx, adapter, msg)
	}
}

// Handle produces and sends the reply to msg. On failure the error is
// logged, the configured ErrorReply (if any) is sent, and the error is
// returned.
func (a *Agent) Handle(ctx context.Context, adapter chat.Adapter, msg chat.InboundMessage) error {
	if trace.FromContext(ctx) == "" {
		ctx = trace.WithTraceID(ctx, trace.GenerateID())
	}
	scopeID := ScopeIDFor(msg)
	log := observability.WithTraceFrom(ctx, a.cfg.Logger).With(
		"scope", scopeID, "channel_id", msg.ChannelID, "message_id", msg.MessageID)
	log.Info("message received", "platform", msg.Platform, "direct", msg.Direct)

	var reply string
	err := a.hub.Do(ctx, scopeID, func(ctx context.Context, s *Scope) error {
		var err error
		if h, ok := adapter.(chat.History); ok && !msg.Direct && msg.GuildID != "" {
			reply, err = a.channelTurn(ctx, log, s, h, msg)
		} else {
			reply, err = a.bufferTurn(ctx, log, s, msg)
		}
		if err != nil {
			return err
		}
		if err := a.cfg.Store.TouchScope(ctx, scopeID, a.cfg.Now()); err != nil {
			log.Warn("could not record scope activity", "err", err)
		}
		return nil
	})
	if err != nil {
		log.Error("turn failed", "err", err)
		if a.cfg.ErrorReply != "" {
			if sendErr := chat.SendSplit(ctx, adapter, msg.ChannelID, a.cfg.ErrorReply, adapter.MessageLimit()); sendErr != nil {
				log.Warn("could not send error reply", "err", sendErr)
			}
		}
		return err
	}

	if reply == "" {
		log.Info("model returned an empty reply")
		return nil
	}
	if err := chat.SendSplit(ctx, adapter, msg.ChannelID, reply, adapter.MessageLimit()); err != nil {
		log.Error("could not send reply", "err", err)
		return fmt.Errorf("agent: send reply: %w", err)
	}
	log.Info("reply sent", "chars", len([]rune(reply)))
	return nil
}

// bufferTurn runs the buffer flow. The inbound turn is stored before the
// model is called; the loop's turns and the reply only after it succeeds.
func (a *Agent) bufferTurn(ctx context.Context, log *slog.Logger, s *Scope, msg chat.InboundMessage) (string, error) {
	now := a.cfg.Now()
	if err := s.Window.Append(ctx, userTurn(msg, s.Direct(), now)); err != nil {
		return "", fmt.Errorf("agent: store inbound message: %w", err)
	}

	if need, err := s.Window.NeedsPrune(ctx); err != nil {
		log.Warn("could not check window size", "err", err)
	} else if need {
		if _, err := s.Window.PruneAt(ctx, now); err != nil {
			log.Warn("prune failed; window stays over its bound until the next message", "err", err)
		}
	}

	history, err := s.Window.Materialize(ctx)
	if err != nil {
		return "", err
	}
	system, err := a.systemPrompt(ctx, s, now)
	if err != nil {
		return "", err
	}

	reply, emitted, err := a.loop(s, log).Run(ctx, memory.BuildMessages(system, history))
	if err != nil {
		return "", err
	}

	done := a.cfg.Now()
	if reply != "" {
		emitted = append(emitted, memory.Turn{
			ID:        memory.NewTurnID(),
			Role:      llm.RoleAssistant,
			Content:   reply,
			CreatedAt: done,
		})
	}
	if err := s.Window.AppendAll(ctx, emitted); err != nil {
		log.Error("could not store the model's turns; reply is sent but not remembered",
			"turns", len(emitted), "err", err)
	}
	return reply, nil
}

// channelTurn runs the channel flow. The platform's history is the
// conversation log, so nothing is appended to the scope's buffer.
func (a *Agent) channelTurn(ctx context.Context, log *slog.Logger, s *Scope, h chat.History, msg chat.InboundMessage) (string, error) {
	now := a.cfg.Now()
	p := a.cfg.Profile
	cs := &memory.ChannelSummariser{
		History:     h,
		Checkpoints: s.Repo,
		Merger:      a.summariser,
		PageSize:    p.Channel.PageSize,
		Backfill:    p.BackfillEnabled(),
		MaxGapPages: p.Channel.MaxGapPages,
		Logger:      log,
	}
	res, err := cs.SyncAt(ctx, msg.ChannelID, now)
	if err != nil {
		log.Warn("channel summary not updated", "err", err)
	}

	recent := res.Recent
	if !slices.ContainsFunc(recent, func(m chat.ExternalMessage) bool { return m.ID == msg.MessageID }) {
		recent = append(recent, chat.ExternalMessage{
			ID:         msg.MessageID,
			AuthorID:   msg.SenderID,
			AuthorName: msg.SenderName,
			Content:    msg.Text,
			Timestamp:  msg.Timestamp,
		})
	}
	var summary string
	if res.HasCheckpoint {
		summary = res.Checkpoint.Summary
	}

	system, err := a.systemPrompt(ctx, s, now)
	if err != nil {
		return "", err
	}
	reply, _, err := a.loop(s, log).Run(ctx, memory.BuildMessages(system, memory.ChannelTurns(summary, recent)))
	return reply, err
}

func (a *Agent) systemPrompt(ctx context.Context, s *Scope, now time.Time) (string, error) {
	blocks, err := s.Blocks.List(ctx)
	if err != nil {
		return "", err
	}
	return memory.CompileSystemPrompt(a.cfg.Profile.Instructions, blocks, memory.PromptOptions{Now: now}), nil
}

func (a *Agent) loop(s *Scope, log *slog.Logger) *Loop {
	return &Loop{
		Provider:  a.cfg.Provider,
		Tools:     s.Tools,
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		MaxRounds: a.cfg.MaxRounds,
		Now:       a.cfg.Now,
		Logger:    log,
	}
}

// userTurn converts msg into a user turn. Outside direct conversations the
// content is prefixed with the author so the model can tell people apart.
func userTurn(msg chat.InboundMessage, direct bool, now time.Time) memory.Turn {
	t := memory.Turn{
		ID:         msg.MessageID,
		Role:       llm.RoleUser,
		Content:    msg.Text,
		AuthorID:   msg.SenderID,
		AuthorName: msg.SenderName,
		CreatedAt:  msg.Timestamp,
	}
	if t.ID == "" {
		t.ID = memory.NewTurnID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if !direct {
		name := msg.SenderName
		if name == "" {
			name = msg.SenderID
		}
		t.Content = name + ": " + msg.Text
	}
	return t
}
