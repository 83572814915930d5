package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"crew/pkg/agent"
	"crew/pkg/orchestrator"
	"crew/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Theme defines the styling for the status listing.
type Theme struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
}

// DefaultTheme returns the default status theme.
func DefaultTheme() Theme {
	return Theme{
		Header:  lipgloss.NewStyle().Bold(true),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),  // Green
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),  // Yellow
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),   // Red
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")), // Gray
	}
}

// styleFor maps an agent status onto its theme style.
func (t Theme) styleFor(status protocol.AgentStatus) lipgloss.Style {
	switch status {
	case protocol.AgentRunning:
		return t.Success
	case protocol.AgentStarting:
		return t.Warning
	case protocol.AgentUnhealthy, protocol.AgentDegraded:
		return t.Error
	case protocol.AgentStopped:
		return t.Muted
	}
	return t.Muted
}

// newStatusCmd creates the "crew status" subcommand.
func newStatusCmd() *cobra.Command {
	return newStatusCmdWithClient(nil)
}

// newStatusCmdWithClient creates the status command with an injectable
// control client; nil selects the production client.
func newStatusCmdWithClient(client controlAPI) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the agent group state",
		Long:  "Lists every agent with status, phase, port, queue depth, and active\ntask, plus aggregate task counts. Falls back to the last recorded\nregistry state when the daemon is down. JSON when --json is given or\nstdout is not a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			st, err := c.Status(cmd.Context())
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				st, err = registrySnapshot(cmd.Context())
				if errors.Is(err, errNoState) {
					fmt.Fprintln(cmd.OutOrStdout(), "crew is not running (no state database; run 'crew init')")
					return nil
				}
			}
			if err != nil {
				return err
			}

			styled := !jsonOut && isatty.IsTerminal(os.Stdout.Fd())
			if jsonOut || !styled {
				return writeStatusJSON(cmd.OutOrStdout(), st)
			}
			renderStatus(cmd.OutOrStdout(), st, DefaultTheme())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "machine-readable output")

	return cmd
}

// errNoState marks a status query against a crew home that has never run.
var errNoState = errors.New("no state database")

// registrySnapshot builds a ControlStatus from the database directly, for
// when the daemon is down. Recorded agent statuses are shown as-is; the
// Running:false header tells the operator how stale they may be.
func registrySnapshot(ctx context.Context) (protocol.ControlStatus, error) {
	var st protocol.ControlStatus

	paths, err := ResolvePaths()
	if err != nil {
		return st, err
	}
	if _, err := os.Stat(paths.DBPath); err != nil {
		return st, errNoState
	}

	db, err := openDB(paths.DBPath)
	if err != nil {
		return st, err
	}
	defer db.Close()

	recs, err := orchestrator.NewRegistry(db).List(ctx)
	if err != nil {
		return st, err
	}
	tasks := agent.NewStore(db)
	for _, rec := range recs {
		depth, _ := tasks.QueueDepth(ctx, rec.Role)
		st.Agents = append(st.Agents, protocol.AgentSummary{
			Role:          rec.Role,
			Name:          rec.Name,
			Port:          rec.Port,
			PID:           rec.PID,
			Status:        rec.Status,
			Branch:        rec.Branch,
			Workspace:     rec.Workspace,
			QueueDepth:    depth,
			Restarts:      rec.Restarts,
			LastHeartbeat: rec.LastHeartbeat,
		})
	}
	st.Tasks, err = tasks.Counts(ctx)
	if err != nil {
		return st, err
	}
	return st, nil
}

func writeStatusJSON(w io.Writer, st protocol.ControlStatus) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// renderStatus writes the human listing. Cells are padded before styling so
// the ANSI escapes do not break column alignment.
func renderStatus(w io.Writer, st protocol.ControlStatus, theme Theme) {
	if st.Running {
		fmt.Fprintln(w, theme.Success.Render(fmt.Sprintf("crew daemon running (PID %d)", st.PID)))
	} else {
		fmt.Fprintln(w, theme.Warning.Render("crew daemon not running (last recorded state)"))
	}
	fmt.Fprintf(w, "tasks: %d queued, %d in progress, %d blocked, %d completed, %d failed\n\n",
		st.Tasks.Queued, st.Tasks.InProgress, st.Tasks.Blocked, st.Tasks.Completed, st.Tasks.Failed)

	if len(st.Agents) == 0 {
		fmt.Fprintln(w, "no agents registered; add one with 'crew create <role>'")
		return
	}

	fmt.Fprintln(w, theme.Header.Render(fmt.Sprintf("%-10s %-12s %-10s %-9s %-6s %-6s %-28s %s",
		"ROLE", "NAME", "STATUS", "PHASE", "PORT", "QUEUE", "TASK", "BRANCH")))
	for _, a := range st.Agents {
		statusCell := theme.styleFor(a.Status).Render(fmt.Sprintf("%-10s", a.Status))
		fmt.Fprintf(w, "%-10s %-12s %s %-9s %-6d %-6d %-28s %s\n",
			a.Role, truncateCell(a.Name, 12), statusCell, phaseCell(a.Phase), a.Port,
			a.QueueDepth, taskCell(a), a.Branch)
	}
}

func phaseCell(phase protocol.AgentPhase) string {
	if phase == "" {
		return "-"
	}
	return string(phase)
}

// taskCell renders "id title" with the id shortened to its first uuid group.
func taskCell(a protocol.AgentSummary) string {
	if a.TaskID == "" {
		return "-"
	}
	id := a.TaskID
	if len(id) > 8 {
		id = id[:8]
	}
	if a.TaskTitle == "" {
		return id
	}
	return truncateCell(id+" "+a.TaskTitle, 28)
}

func truncateCell(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
