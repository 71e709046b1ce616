// Kotodama is the chat bot binary.
//
// "kotodama serve" reads its configuration from the environment (see
// app.ConfigFromEnv) after loading an optional .env file. The scopes,
// blocks and buffer subcommands inspect the database offline.
package main

import (
	"os"

	"github.com/kotodama-bot/kotodama/internal/kotodama/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
