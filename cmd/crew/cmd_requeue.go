package main

import (
	"errors"
	"fmt"

	"crew/pkg/orchestrator"

	"github.com/spf13/cobra"
)

// newRequeueCmd creates the "crew requeue" subcommand.
func newRequeueCmd() *cobra.Command {
	return newRequeueCmdWithClient(nil)
}

// newRequeueCmdWithClient creates the requeue command with an injectable
// control client; nil selects the production client.
func newRequeueCmdWithClient(client controlAPI) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Send a blocked or failed task back to its queue",
		Long:  "The human override in the task state machine: a blocked or failed task\nreturns to queued and is re-delivered to its role in order. Completed\ntasks are immutable and cannot be requeued.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			task, err := c.Requeue(cmd.Context(), args[0])
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				return daemonDownHint(err)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "task %s requeued for %s\n", task.ID, task.Role)
			return nil
		},
	}
}
