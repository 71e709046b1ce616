// Package cli implements the kotodama command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kotodama-bot/kotodama/common/environment"
	"github.com/kotodama-bot/kotodama/internal/kotodama/store"
)

var (
	dbPath     string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "kotodama",
	Short: "Chat bot with a bounded context window and long-term memory",
	Long: "Kotodama answers on Discord, Slack and Matrix, keeping a per-scope context " +
		"window that is summarised when it grows too long.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $KOTODAMA_DB_PATH or ./data/kotodama.db)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	return environment.StringOr("KOTODAMA_DB_PATH", "./data/kotodama.db")
}

func openStore() (*store.Store, error) {
	return store.New(getDBPath())
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
