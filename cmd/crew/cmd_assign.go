package main

import (
	"errors"
	"fmt"
	"strings"

	"crew/pkg/orchestrator"
	"crew/pkg/protocol"

	"github.com/spf13/cobra"
)

// newAssignCmd creates the "crew assign" subcommand.
func newAssignCmd() *cobra.Command {
	return newAssignCmdWithClient(nil)
}

// newAssignCmdWithClient creates the assign command with an injectable
// control client; nil selects the production client.
func newAssignCmdWithClient(client controlAPI) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "assign <role> <title...>",
		Short: "Create a task and route it to an agent",
		Long:  "Creates a task for a role and assigns it. When the agent is busy the\ntask joins the role's queue and is delivered in order as the agent\nbecomes idle.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			resp, err := c.CreateTask(cmd.Context(), protocol.CreateTaskRequest{
				Role:        args[0],
				Title:       strings.Join(args[1:], " "),
				Description: description,
				Origin:      protocol.OriginManual,
			})
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				return daemonDownHint(err)
			}
			if err != nil {
				return err
			}

			if resp.Queued {
				fmt.Fprintf(cmd.OutOrStdout(), "task %s queued for %s\n", resp.TaskID, args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "task %s assigned to %s\n", resp.TaskID, args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "longer task description for the agent")

	return cmd
}
