package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"crew/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail   int
	follow bool
	source string
	role   string
	kind   string
}

// newLogsCmd creates the "crew logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the crew audit trail",
		Long:  "Prints events from the shared audit log: lifecycle actions, task\ntransitions, routed and dropped chat messages, sync writes. --follow\ntails new events as they are written.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, cfg)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().StringVar(&cfg.source, "source", "", "filter by source (orchestrator, bridge, forge, agent:<role>)")
	cmd.Flags().StringVar(&cfg.role, "role", "", "filter by agent role")
	cmd.Flags().StringVar(&cfg.kind, "kind", "", "filter by event kind")

	return cmd
}

func runLogs(cmd *cobra.Command, cfg logsConfig) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}

	reader, err := eventlog.NewReader(paths.DBPath)
	if err != nil {
		return fmt.Errorf("open event log: %w (has crew run yet?)", err)
	}
	defer reader.Close()

	opts := eventlog.QueryOpts{
		Kind:   cfg.kind,
		Source: cfg.source,
		Role:   cfg.role,
		Limit:  cfg.tail,
	}

	// Newest first from the query; flip to chronological for display.
	events, err := reader.Query(cmd.Context(), opts)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(events) == 0 && !cfg.follow {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
	}
	if len(events) > 0 {
		lastID = events[0].ID
	}

	if !cfg.follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	follower := eventlog.NewFollower(reader, paths.DBPath, lastID, opts)
	return follower.Run(ctx, func(e eventlog.Event) {
		formatEvent(w, e)
	})
}

// formatEvent writes one audit line: timestamp, source, kind, then whatever
// context the event carries.
func formatEvent(w io.Writer, e eventlog.Event) {
	line := fmt.Sprintf("%s  %-14s %-18s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Source, e.Kind)
	if e.Role != "" {
		line += " role=" + e.Role
	}
	if e.TaskID != "" {
		id := e.TaskID
		if len(id) > 8 {
			id = id[:8]
		}
		line += " task=" + id
	}
	if e.Detail != "" {
		line += "  " + e.Detail
	}
	fmt.Fprintln(w, line)
}
