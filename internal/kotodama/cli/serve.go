package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kotodama-bot/kotodama/internal/kotodama/app"
	"github.com/kotodama-bot/kotodama/internal/kotodama/observability"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the configured platforms and answer messages",
		Long: "Load configuration from the environment (and an optional .env file), " +
			"connect every configured platform and serve until interrupted.",
		Args: cobra.NoArgs,
		Run:  runServe,
	}
	cmd.Flags().String("env-file", ".env", "Dotenv file loaded before reading the environment (ignored when absent)")
	cmd.Flags().String("profile", "", "Profile YAML (overrides $KOTODAMA_PROFILE)")
	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, _ []string) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			exitErr("load env file", err)
		}
	}

	cfg := app.ConfigFromEnv()
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if p, _ := cmd.Flags().GetString("profile"); p != "" {
		cfg.ProfilePath = p
	}
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	a, err := app.New(cfg)
	if err != nil {
		exitErr("initialize", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		exitErr("run", err)
	}
}
