// Package app wires the Kotodama subsystems: store, profile, language
// model, tools, agent, chat adapters and the control server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kotodama-bot/kotodama/common/version"
	"github.com/kotodama-bot/kotodama/internal/kotodama/agent"
	"github.com/kotodama-bot/kotodama/internal/kotodama/chat"
	"github.com/kotodama-bot/kotodama/internal/kotodama/control"
	"github.com/kotodama-bot/kotodama/internal/kotodama/discord"
	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
	"github.com/kotodama-bot/kotodama/internal/kotodama/matrix"
	"github.com/kotodama-bot/kotodama/internal/kotodama/observability"
	"github.com/kotodama-bot/kotodama/internal/kotodama/profile"
	"github.com/kotodama-bot/kotodama/internal/kotodama/slack"
	"github.com/kotodama-bot/kotodama/internal/kotodama/store"
	"github.com/kotodama-bot/kotodama/internal/kotodama/tools"
)

// App is the main Kotodama application.
type App struct {
	cfg       *Config
	db        *store.Store
	profile   *profile.Profile
	agent     *agent.Agent
	adapters  []chat.Adapter
	control   *control.Server
	startedAt time.Time
	logger    *slog.Logger
}

// New creates and initialises all subsystems. It does NOT connect to any
// platform; call Run for that.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := slog.Default()

	prof, err := profile.Load(cfg.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})

	ag, err := agent.New(agent.Config{
		Provider:        provider,
		Store:           db,
		Profile:         prof,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		MaxRounds:       cfg.MaxToolRounds,
		MaxMessages:     cfg.MaxMessages,
		PrunePercentage: cfg.PrunePercentage,
		SummaryModel:    orDefault(cfg.LLM.SummaryModel, cfg.LLM.Model),
		Tools:           buildTools(cfg.Search),
		ErrorReply:      cfg.ErrorReply,
		Logger:          logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init agent: %w", err)
	}

	adapters, err := buildAdapters(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		db:        db,
		profile:   prof,
		agent:     ag,
		adapters:  adapters,
		startedAt: time.Now(),
		logger:    logger,
	}
	if cfg.ControlAddr != "" {
		a.control = control.New(cfg.ControlAddr, control.Handlers{
			Bot:         prof.Name,
			Version:     version.Version,
			ProfileHash: prof.Hash,
			StartedAt:   a.startedAt,
			Token:       cfg.ControlToken,
			Platforms:   a.Platforms,
			LiveScopes:  ag.Hub().Active,
			Settings:    func() map[string]any { return cfg.Settings(prof) },
			Inspector:   db,
			Logger:      logger,
		})
	}
	return a, nil
}

// buildTools returns the tools shared by every scope. Google Custom Search
// is used when configured, DuckDuckGo otherwise.
func buildTools(cfg SearchConfig) []tools.Tool {
	var searcher tools.Searcher = &tools.DuckDuckGoSearcher{}
	if cfg.GoogleAPIKey != "" && cfg.GoogleCX != "" {
		searcher = &tools.GoogleSearcher{APIKey: cfg.GoogleAPIKey, CX: cfg.GoogleCX}
	}
	return []tools.Tool{
		tools.NewInternetSearchTool(searcher),
		tools.NewReadWebsiteTool(tools.WebConfig{}),
	}
}

func buildAdapters(cfg *Config, db *store.Store, logger *slog.Logger) ([]chat.Adapter, error) {
	var adapters []chat.Adapter
	if cfg.Discord.Token != "" {
		adapters = append(adapters, discord.New(discord.Config{
			Token:        cfg.Discord.Token,
			RespondToAll: cfg.Discord.RespondToAll,
			Logger:       logger,
		}))
	}
	if cfg.Slack.BotToken != "" {
		adapters = append(adapters, slack.New(slack.Config{
			BotToken:     cfg.Slack.BotToken,
			AppToken:     cfg.Slack.AppToken,
			RespondToAll: cfg.Slack.RespondToAll,
			Logger:       logger,
		}))
	}
	if cfg.Matrix.Homeserver != "" {
		m, err := matrix.New(matrix.Config{
			Homeserver:    cfg.Matrix.Homeserver,
			UserID:        cfg.Matrix.UserID,
			AccessToken:   cfg.Matrix.AccessToken,
			Rooms:         cfg.Matrix.Rooms,
			AcceptInvites: cfg.Matrix.AcceptInvites,
			RespondToAll:  cfg.Matrix.RespondToAll,
			SyncStore:     matrix.NewDBSyncStore(db.DB()),
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init matrix: %w", err)
		}
		adapters = append(adapters, m)
	}
	return adapters, nil
}

// Platforms returns the configured adapter ids.
func (a *App) Platforms() []string {
	out := make([]string, 0, len(a.adapters))
	for _, ad := range a.adapters {
		out = append(out, ad.Platform())
	}
	return out
}

// Run starts the control server, connects every adapter and blocks until
// ctx is cancelled. A platform that fails to connect is logged and skipped
// unless it was the only one.
func (a *App) Run(ctx context.Context) error {
	if a.control != nil {
		if err := a.control.Start(ctx); err != nil {
			return fmt.Errorf("start control server: %w", err)
		}
	}

	var connected int
	var errs []error
	for _, ad := range a.adapters {
		if err := ad.Connect(ctx, a.agent.Handler(ad)); err != nil {
			msg := observability.RedactSecrets(err.Error(), a.cfg.secrets()...)
			a.logger.Error("platform connect failed", "platform", ad.Platform(), "err", msg)
			errs = append(errs, fmt.Errorf("connect %s: %s", ad.Platform(), msg))
			continue
		}
		connected++
	}
	if connected == 0 {
		a.Stop()
		return errors.Join(errs...)
	}

	a.logger.Info("Kotodama started",
		"bot", a.profile.Name,
		"version", version.Version,
		"profile_hash", a.profile.Hash,
		"platforms", a.Platforms(),
	)

	<-ctx.Done()
	a.logger.Info("shutting down")
	a.Stop()
	return nil
}

// Stop disconnects every adapter and closes the store.
func (a *App) Stop() {
	for _, ad := range a.adapters {
		if err := ad.Disconnect(); err != nil {
			a.logger.Warn("platform disconnect failed", "platform", ad.Platform(), "err", err)
		}
	}
	if a.control != nil {
		a.control.Stop()
	}
	a.db.Close()
}
