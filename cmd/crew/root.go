package main

import (
	"fmt"

	"crew/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root crew command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crew",
		Short:         "Crew multi-agent dev team",
		Long:          "crew runs a simulated software team: one long-lived agent process per\nrole, supervised by an orchestrator daemon, reachable through a Telegram\nbridge and synchronized with a GitHub issue tracker.",
		Version:       fmt.Sprintf("crew %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newUpCmd(),
		newDownCmd(),
		newStatusCmd(),
		newCreateCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newRemoveCmd(),
		newAssignCmd(),
		newRequeueCmd(),
		newAgentCmd(),
		newBridgeCmd(),
		newSyncCmd(),
		newMergeCmd(),
		newLogsCmd(),
		newHistoryCmd(),
	)

	return cmd
}
