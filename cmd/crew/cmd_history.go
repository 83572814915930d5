package main

import (
	"fmt"
	"io"

	"crew/pkg/agent"
	"crew/pkg/protocol"

	"github.com/spf13/cobra"
)

// newHistoryCmd creates the "crew history" subcommand.
func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		search string
	)

	cmd := &cobra.Command{
		Use:   "history <role>",
		Short: "Show an agent's conversation log",
		Long:  "Prints the recorded conversation turns for a role, oldest first.\n--search runs a full-text query over the role's history instead,\nmost relevant first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, args[0], limit, search)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of turns to show")
	cmd.Flags().StringVar(&search, "search", "", "full-text query over the conversation")

	return cmd
}

func runHistory(cmd *cobra.Command, role string, limit int, search string) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}

	db, err := openDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := agent.NewStore(db)
	ctx := cmd.Context()

	var turns []protocol.Turn
	if search != "" {
		turns, err = store.SearchTurns(ctx, role, search, limit)
	} else {
		turns, err = store.RecentTurns(ctx, role, limit)
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(turns) == 0 {
		fmt.Fprintf(w, "no conversation recorded for %s\n", role)
		return nil
	}

	for _, turn := range turns {
		formatTurn(w, turn)
	}
	return nil
}

// formatTurn writes one conversation turn with its speaker and timestamp.
func formatTurn(w io.Writer, turn protocol.Turn) {
	header := fmt.Sprintf("[%s] %s", turn.CreatedAt, turn.Speaker)
	if turn.TaskID != "" {
		id := turn.TaskID
		if len(id) > 8 {
			id = id[:8]
		}
		header += " (task " + id + ")"
	}
	fmt.Fprintf(w, "%s\n%s\n\n", header, turn.Content)
}
