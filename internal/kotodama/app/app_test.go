package app

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/kotodama-bot/kotodama/internal/kotodama/observability"
	"github.com/kotodama-bot/kotodama/internal/kotodama/profile"
	"github.com/kotodama-bot/kotodama/internal/kotodama/tools"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DatabasePath: filepath.Join(t.TempDir(), "nested", "kotodama.db"),
		ControlAddr:  "127.0.0.1:0",
		LLM:          LLMConfig{Model: "gpt-4o-mini"},
		Discord:      DiscordConfig{Token: "discord-token"},
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("KOTODAMA_DB_PATH", "/tmp/k.db")
	t.Setenv("KOTODAMA_MAX_MESSAGES", "30")
	t.Setenv("KOTODAMA_PRUNE_PERCENTAGE", "0.5")
	t.Setenv("LLM_MODEL", "llama3")
	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	t.Setenv("DISCORD_RESPOND_TO_ALL", "true")
	t.Setenv("MATRIX_ROOMS", "!a:example.org, !b:example.org")
	t.Setenv("MATRIX_ACCEPT_INVITES", "")

	cfg := ConfigFromEnv()
	if cfg.DatabasePath != "/tmp/k.db" || cfg.MaxMessages != 30 || cfg.PrunePercentage != 0.5 {
		t.Fatalf("window settings = %+v", cfg)
	}
	if cfg.LLM.Model != "llama3" || cfg.LLM.SummaryModel != "" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if cfg.Discord.Token != "tok" || !cfg.Discord.RespondToAll {
		t.Fatalf("discord = %+v", cfg.Discord)
	}
	if !slices.Equal(cfg.Matrix.Rooms, []string{"!a:example.org", "!b:example.org"}) || !cfg.Matrix.AcceptInvites {
		t.Fatalf("matrix = %+v", cfg.Matrix)
	}
	if cfg.ControlAddr != ":8780" || cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no platform", func(c *Config) { c.Discord.Token = "" }, "no chat platform"},
		{"no db", func(c *Config) { c.DatabasePath = "" }, "database path"},
		{"negative window", func(c *Config) { c.MaxMessages = -1 }, "max messages"},
		{"prune of one", func(c *Config) { c.PrunePercentage = 1 }, "prune percentage"},
		{"slack without app token", func(c *Config) { c.Slack.BotToken = "xoxb" }, "SLACK_APP_TOKEN"},
		{"matrix without token", func(c *Config) { c.Matrix.Homeserver = "https://m.org" }, "MATRIX_USER_ID"},
		{"google half set", func(c *Config) { c.Search.GoogleAPIKey = "k" }, "GOOGLE_SEARCH_CX"},
		{"slack only", func(c *Config) {
			c.Discord.Token = ""
			c.Slack = SlackConfig{BotToken: "xoxb", AppToken: "xapp"}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Settings(t *testing.T) {
	c := validConfig(t)
	c.LLM.APIKey = "sk-123"
	c.MaxToolRounds = 4

	got := c.Settings(profile.Default())
	if got["max_messages"] != 50 || got["prune_percentage"] != 0.7 || got["max_tool_rounds"] != 4 {
		t.Fatalf("window settings = %v", got)
	}
	if got["llm_summary_model"] != "gpt-4o-mini" {
		t.Fatalf("summary model = %v", got["llm_summary_model"])
	}
	if got["llm_api_key"] != "sk-123" {
		t.Fatalf("api key = %v", got["llm_api_key"])
	}
}

func TestBuildTools(t *testing.T) {
	for _, cfg := range []SearchConfig{{}, {GoogleAPIKey: "k", GoogleCX: "cx"}} {
		var names []string
		for _, tool := range buildTools(cfg) {
			names = append(names, tool.Definition().Name)
		}
		want := []string{tools.InternetSearchToolName, tools.ReadWebsiteToolName}
		if !slices.Equal(names, want) {
			t.Fatalf("tools = %v, want %v", names, want)
		}
	}
}

func TestNew(t *testing.T) {
	cfg := validConfig(t)
	cfg.Slack = SlackConfig{BotToken: "xoxb", AppToken: "xapp"}
	cfg.Matrix = MatrixConfig{Homeserver: "https://matrix.example.org", UserID: "@bot:example.org", AccessToken: "syt"}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Stop)

	if got := a.Platforms(); !slices.Equal(got, []string{"discord", "slack", "matrix"}) {
		t.Fatalf("Platforms() = %v", got)
	}
	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if a.control == nil || a.profile.Name != "kotodama" {
		t.Fatalf("app = %+v", a)
	}
}

func TestNew_NoControlServer(t *testing.T) {
	cfg := validConfig(t)
	cfg.ControlAddr = ""
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Stop)
	if a.control != nil {
		t.Fatal("control server built without an address")
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"invalid config", func(c *Config) { c.Discord.Token = "" }},
		{"missing profile", func(c *Config) { c.ProfilePath = filepath.Join(t.TempDir(), "absent.yaml") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(c)
			if _, err := New(c); err == nil {
				t.Fatal("New() succeeded")
			}
		})
	}
}

func TestConfig_SecretsAreRedacted(t *testing.T) {
	c := validConfig(t)
	c.Discord.Token = "discord-secret-token"
	c.LLM.APIKey = "sk-abcdef"
	msg := observability.RedactSecrets("auth failed for discord-secret-token (key sk-abcdef)", c.secrets()...)
	if strings.Contains(msg, "discord-secret-token") || strings.Contains(msg, "sk-abcdef") {
		t.Fatalf("secret leaked: %q", msg)
	}
}
