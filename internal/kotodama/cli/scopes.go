package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
	"github.com/kotodama-bot/kotodama/internal/kotodama/store"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "scopes",
		Short: "List the scopes stored in the database",
		Args:  cobra.NoArgs,
		Run:   runScopes,
	})
	RootCmd.AddCommand(&cobra.Command{
		Use:   "blocks <scope>",
		Short: "Show the memory blocks of a scope",
		Args:  cobra.ExactArgs(1),
		Run:   runBlocks,
	})
	RootCmd.AddCommand(&cobra.Command{
		Use:   "buffer <scope>",
		Short: "Show the context window of a scope, oldest first",
		Args:  cobra.ExactArgs(1),
		Run:   runBuffer,
	})
}

func runScopes(cmd *cobra.Command, _ []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	scopes, err := s.ListScopes(cmd.Context())
	if err != nil {
		exitErr("list scopes", err)
	}
	w := cmd.OutOrStdout()
	if formatFlag != "text" {
		if scopes == nil {
			scopes = []store.ScopeInfo{}
		}
		printJSON(w, scopes)
		return
	}
	for _, sc := range scopes {
		fmt.Fprintf(w, "%s\tbuffer=%d\tblocks=%d\tlast_active=%s\n",
			sc.ID, sc.BufferLen, sc.Blocks, sc.LastActiveAt.Format(time.RFC3339))
	}
}

func runBlocks(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	blocks, err := s.Repository(args[0]).ListBlocks(cmd.Context())
	if err != nil {
		exitErr("list blocks", err)
	}
	w := cmd.OutOrStdout()
	if formatFlag != "text" {
		if blocks == nil {
			blocks = []memory.Block{}
		}
		printJSON(w, blocks)
		return
	}
	for _, b := range blocks {
		ro := ""
		if b.ReadOnly {
			ro = ", read-only"
		}
		fmt.Fprintf(w, "== %s (%d/%d chars%s)\n%s\n\n", b.Label, len([]rune(b.Value)), b.Limit, ro, b.Value)
	}
}

func runBuffer(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	repo := s.Repository(args[0])
	turns, err := memory.NewWindow(repo, repo, nil, memory.WindowConfig{}).Materialize(cmd.Context())
	if err != nil {
		exitErr("read buffer", err)
	}
	w := cmd.OutOrStdout()
	if formatFlag != "text" {
		if turns == nil {
			turns = []memory.Turn{}
		}
		printJSON(w, turns)
		return
	}
	writeTurns(w, turns)
}

func writeTurns(w io.Writer, turns []memory.Turn) {
	for _, t := range turns {
		switch {
		case len(t.ToolCalls) > 0:
			for _, c := range t.ToolCalls {
				fmt.Fprintf(w, "[%s] call %s(%s)\n", t.Role, c.Name, c.Arguments)
			}
		case t.Name != "":
			fmt.Fprintf(w, "[%s:%s] %s\n", t.Role, t.Name, t.Content)
		default:
			fmt.Fprintf(w, "[%s] %s\n", t.Role, t.Content)
		}
	}
}
