package app

import (
	"errors"
	"fmt"

	"github.com/kotodama-bot/kotodama/common/environment"
	"github.com/kotodama-bot/kotodama/internal/kotodama/agent"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
	"github.com/kotodama-bot/kotodama/internal/kotodama/profile"
)

// Config holds the Kotodama application configuration. All values are
// typically loaded from environment variables by ConfigFromEnv.
type Config struct {
	// DatabasePath is the path to the SQLite database file.
	DatabasePath string
	// ProfilePath is an optional profile YAML. Empty uses the embedded
	// default profile.
	ProfilePath string

	// ControlAddr is the listen address of the control server. Empty
	// disables it.
	ControlAddr string
	// ControlToken, when non-empty, is the bearer token control clients
	// must present.
	ControlToken string

	// MaxMessages, PrunePercentage and MaxToolRounds override the profile
	// when set.
	MaxMessages     int
	PrunePercentage float64
	MaxToolRounds   int
	// ErrorReply is sent to the channel when a turn fails. Empty stays
	// silent.
	ErrorReply string

	LLM     LLMConfig
	Discord DiscordConfig
	Slack   SlackConfig
	Matrix  MatrixConfig
	Search  SearchConfig

	// LogLevel is "debug", "info", "warn", or "error". Defaults to "info".
	LogLevel string
	// LogFormat is "text" or "json". Defaults to "text".
	LogFormat string
}

// LLMConfig configures the language model backend.
type LLMConfig struct {
	APIKey string
	// BaseURL overrides the API base URL (e.g. "http://localhost:11434/v1").
	BaseURL string
	Model   string
	// SummaryModel is used for prunes and channel summaries. Empty uses
	// Model.
	SummaryModel string
	// MaxTokens caps the response length. 0 = provider default.
	MaxTokens int
}

// DiscordConfig enables the Discord adapter when Token is set.
type DiscordConfig struct {
	Token        string
	RespondToAll bool
}

// SlackConfig enables the Slack adapter when BotToken is set.
type SlackConfig struct {
	BotToken     string
	AppToken     string
	RespondToAll bool
}

// MatrixConfig enables the Matrix adapter when Homeserver is set.
type MatrixConfig struct {
	Homeserver    string
	UserID        string
	AccessToken   string
	Rooms         []string
	AcceptInvites bool
	RespondToAll  bool
}

// SearchConfig selects the internet_search backend. Google Custom Search
// is used when both fields are set, DuckDuckGo otherwise.
type SearchConfig struct {
	GoogleAPIKey string
	GoogleCX     string
}

// ConfigFromEnv reads the configuration from the environment.
//
//	KOTODAMA_DB_PATH           - SQLite database (default ./data/kotodama.db)
//	KOTODAMA_PROFILE           - profile YAML (default: embedded profile)
//	KOTODAMA_CONTROL_ADDR      - control server address (default ":8780")
//	KOTODAMA_CONTROL_TOKEN     - control bearer token
//	KOTODAMA_MAX_MESSAGES      - context window bound
//	KOTODAMA_PRUNE_PERCENTAGE  - share of the window folded per prune
//	KOTODAMA_MAX_TOOL_ROUNDS   - model calls per message
//	KOTODAMA_ERROR_REPLY       - text sent when a turn fails
//	LLM_API_KEY, LLM_BASE_URL, LLM_MODEL, LLM_SUMMARY_MODEL, LLM_MAX_TOKENS
//	DISCORD_BOT_TOKEN, DISCORD_RESPOND_TO_ALL
//	SLACK_BOT_TOKEN, SLACK_APP_TOKEN, SLACK_RESPOND_TO_ALL
//	MATRIX_HOMESERVER, MATRIX_USER_ID, MATRIX_ACCESS_TOKEN, MATRIX_ROOMS,
//	MATRIX_ACCEPT_INVITES, MATRIX_RESPOND_TO_ALL
//	GOOGLE_SEARCH_API_KEY, GOOGLE_SEARCH_CX
//	LOG_LEVEL, LOG_FORMAT
func ConfigFromEnv() *Config {
	return &Config{
		DatabasePath:    environment.StringOr("KOTODAMA_DB_PATH", "./data/kotodama.db"),
		ProfilePath:     environment.StringOr("KOTODAMA_PROFILE", ""),
		ControlAddr:     environment.StringOr("KOTODAMA_CONTROL_ADDR", ":8780"),
		ControlToken:    environment.StringOr("KOTODAMA_CONTROL_TOKEN", ""),
		MaxMessages:     environment.IntOr("KOTODAMA_MAX_MESSAGES", 0),
		PrunePercentage: environment.FloatOr("KOTODAMA_PRUNE_PERCENTAGE", 0),
		MaxToolRounds:   environment.IntOr("KOTODAMA_MAX_TOOL_ROUNDS", 0),
		ErrorReply:      environment.StringOr("KOTODAMA_ERROR_REPLY", ""),
		LLM: LLMConfig{
			APIKey:       environment.StringOr("LLM_API_KEY", ""),
			BaseURL:      environment.StringOr("LLM_BASE_URL", ""),
			Model:        environment.StringOr("LLM_MODEL", "gpt-4o-mini"),
			SummaryModel: environment.StringOr("LLM_SUMMARY_MODEL", ""),
			MaxTokens:    environment.IntOr("LLM_MAX_TOKENS", 0),
		},
		Discord: DiscordConfig{
			Token:        environment.StringOr("DISCORD_BOT_TOKEN", ""),
			RespondToAll: environment.BoolOr("DISCORD_RESPOND_TO_ALL", false),
		},
		Slack: SlackConfig{
			BotToken:     environment.StringOr("SLACK_BOT_TOKEN", ""),
			AppToken:     environment.StringOr("SLACK_APP_TOKEN", ""),
			RespondToAll: environment.BoolOr("SLACK_RESPOND_TO_ALL", false),
		},
		Matrix: MatrixConfig{
			Homeserver:    environment.StringOr("MATRIX_HOMESERVER", ""),
			UserID:        environment.StringOr("MATRIX_USER_ID", ""),
			AccessToken:   environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
			Rooms:         environment.StringSliceOr("MATRIX_ROOMS", nil),
			AcceptInvites: environment.BoolOr("MATRIX_ACCEPT_INVITES", true),
			RespondToAll:  environment.BoolOr("MATRIX_RESPOND_TO_ALL", false),
		},
		Search: SearchConfig{
			GoogleAPIKey: environment.StringOr("GOOGLE_SEARCH_API_KEY", ""),
			GoogleCX:     environment.StringOr("GOOGLE_SEARCH_CX", ""),
		},
		LogLevel:  environment.StringOr("LOG_LEVEL", "info"),
		LogFormat: environment.StringOr("LOG_FORMAT", "text"),
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("max messages must be positive, got %d", c.MaxMessages))
	}
	if c.PrunePercentage < 0 || c.PrunePercentage >= 1 {
		errs = append(errs, fmt.Errorf("prune percentage must be in [0, 1), got %g", c.PrunePercentage))
	}
	if c.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("max tool rounds must be positive, got %d", c.MaxToolRounds))
	}
	if c.Slack.BotToken != "" && c.Slack.AppToken == "" {
		errs = append(errs, errors.New("SLACK_APP_TOKEN is required with SLACK_BOT_TOKEN"))
	}
	if c.Matrix.Homeserver != "" && (c.Matrix.UserID == "" || c.Matrix.AccessToken == "") {
		errs = append(errs, errors.New("MATRIX_USER_ID and MATRIX_ACCESS_TOKEN are required with MATRIX_HOMESERVER"))
	}
	if (c.Search.GoogleAPIKey == "") != (c.Search.GoogleCX == "") {
		errs = append(errs, errors.New("GOOGLE_SEARCH_API_KEY and GOOGLE_SEARCH_CX must be set together"))
	}
	if c.Discord.Token == "" && c.Slack.BotToken == "" && c.Matrix.Homeserver == "" {
		errs = append(errs, errors.New("no chat platform configured"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: invalid config: %w", err)
	}
	return nil
}

// Settings is the effective configuration as served by /status. Secrets
// are included under credential-looking keys and redacted by the server.
func (c *Config) Settings(p *profile.Profile) map[string]any {
	return map[string]any{
		"db_path":               c.DatabasePath,
		"profile":               c.ProfilePath,
		"max_messages":          orDefault(orDefault(c.MaxMessages, p.Window.MaxMessages), memory.DefaultMaxMessages),
		"prune_percentage":      orDefault(orDefault(c.PrunePercentage, p.Window.PrunePercentage), memory.DefaultPrunePercentage),
		"max_tool_rounds":       orDefault(orDefault(c.MaxToolRounds, p.Loop.MaxRounds), agent.DefaultMaxRounds),
		"llm_model":             c.LLM.Model,
		"llm_summary_model":     orDefault(c.LLM.SummaryModel, c.LLM.Model),
		"llm_base_url":          c.LLM.BaseURL,
		"llm_api_key":           c.LLM.APIKey,
		"discord_token":         c.Discord.Token,
		"slack_bot_token":       c.Slack.BotToken,
		"slack_app_token":       c.Slack.AppToken,
		"matrix_homeserver":     c.Matrix.Homeserver,
		"matrix_user_id":        c.Matrix.UserID,
		"matrix_access_token":   c.Matrix.AccessToken,
		"google_search_api_key": c.Search.GoogleAPIKey,
		"log_level":             c.LogLevel,
	}
}

// secrets returns the credential values that must not appear in logs.
func (c *Config) secrets() []string {
	return []string{
		c.LLM.APIKey,
		c.Discord.Token,
		c.Slack.BotToken,
		c.Slack.AppToken,
		c.Matrix.AccessToken,
		c.Search.GoogleAPIKey,
		c.ControlToken,
	}
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
