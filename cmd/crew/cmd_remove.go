package main

import (
	"errors"
	"fmt"

	"crew/pkg/orchestrator"

	"github.com/spf13/cobra"
)

// newRemoveCmd creates the "crew remove" subcommand.
func newRemoveCmd() *cobra.Command {
	return newRemoveCmdWithClient(nil)
}

// newRemoveCmdWithClient creates the remove command with an injectable
// control client; nil selects the production client.
func newRemoveCmdWithClient(client controlAPI) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <role>",
		Short: "Remove an agent's registration",
		Long:  "Stops the agent if running, releases its port, removes its worktree,\nand deletes the registry record. Conversation history and task rows are\nkept for audit.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			err = c.RemoveAgent(cmd.Context(), args[0])
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				return daemonDownHint(err)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
