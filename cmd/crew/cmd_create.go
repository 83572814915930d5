package main

import (
	"errors"
	"fmt"

	"crew/pkg/orchestrator"
	"crew/pkg/protocol"

	"github.com/spf13/cobra"
)

// newCreateCmd creates the "crew create" subcommand.
func newCreateCmd() *cobra.Command {
	return newCreateCmdWithClient(nil)
}

// newCreateCmdWithClient creates the create command with an injectable
// control client; nil selects the production client.
func newCreateCmdWithClient(client controlAPI) *cobra.Command {
	var (
		name  string
		model string
	)

	cmd := &cobra.Command{
		Use:   "create <role>",
		Short: "Register an agent for a role",
		Long:  "Allocates a port, prepares the agent's git worktree and branch off the\nbase branch, and seeds the role charter. The agent is created stopped;\nstart it with 'crew start <role>'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			rec, err := c.CreateAgent(cmd.Context(), protocol.CreateAgentRequest{
				Role:  args[0],
				Name:  name,
				Model: model,
			})
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				return daemonDownHint(err)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) on port %d, branch %s\n",
				rec.Role, rec.Name, rec.Port, rec.Branch)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (default: the role's built-in name)")
	cmd.Flags().StringVar(&model, "model", "", "completion model override for this agent")

	return cmd
}
