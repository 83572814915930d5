package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// defaultConfigTOML is the crew.toml seeded by "crew init". Every value
// shown is the default; uncomment and edit to change it. Credentials come
// from CREW_TELEGRAM_TOKEN and CREW_GITHUB_TOKEN, never from this file.
const defaultConfigTOML = `# crew configuration.
# Durations use Go syntax: "4s", "2m", "1h".

# Target repository the agents work on. Defaults to the directory
# "crew serve" is started from.
#repo_root = "/path/to/repo"

# Branch agent branches are cut from and merged back to.
base_branch = "main"

# Loopback port for the daemon control API.
control_port = 8300

[daemon]
# First agent port; agents get the lowest free port in
# [port_base, port_base + port_count).
port_base = 8301
port_count = 16
health_interval = "4s"
startup_timeout = "10s"
max_restarts = 3
# true leaves agents running when the daemon shuts down; the next daemon
# re-attaches to them.
detach_agents = false

[backend]
# Ollama-compatible completion server.
host = "http://127.0.0.1:11434"
model = "llama3.1"
step_timeout = "2m"

[bridge]
# Telegram group the bridge serves; 0 accepts any chat.
chat_id = 0
poll_timeout = "30s"
# true drops unknown-role mentions without a chat reply (still audited).
ignore_unknown = false

[forge]
# GitHub repository to synchronize issues with. Leave empty to run
# without a code host.
#owner = "acme"
#repo = "webapp"
interval = "1m"
`

// defaultRolesYAML is the roles.yaml seeded by "crew init". The built-in
// role catalog applies when this file is absent or empty; entries here
// override individual fields per role.
const defaultRolesYAML = `# Role catalog overrides. Built-in roles: backend, frontend, database,
# qa, analyst, lead. Absent fields keep the built-in value.
#
#roles:
#  backend:
#    display_name: Nina
#    model: codellama
#    done_markers: ["SHIP IT"]
#    aliases: [be, api]
#  analyst:
#    charter: |
#      You turn vague requests into scoped, testable work items.
roles: {}
`

// newInitCmd creates the "crew init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the crew home directory and config files",
		Long:  "Creates $CREW_HOME (default ~/.crew) with a commented crew.toml and\nroles.yaml. Existing files are kept unless --force is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			return runInit(cmd.OutOrStdout(), paths, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config files")

	return cmd
}

// runInit is the core logic for the init command, separated for testability.
func runInit(w io.Writer, paths *Paths, force bool) error {
	if err := bootstrapCrewHome(paths.CrewHome); err != nil {
		return err
	}
	fmt.Fprintf(w, "crew home: %s\n", paths.CrewHome)

	if err := seedFile(w, paths.ConfigPath, defaultConfigTOML, force); err != nil {
		return err
	}
	if err := seedFile(w, paths.RolesPath, defaultRolesYAML, force); err != nil {
		return err
	}

	if _, err := exec.LookPath("git"); err != nil {
		fmt.Fprintln(w, "warning: git not found in PATH; agent workspaces need it")
	}

	fmt.Fprintln(w, "ready; run 'crew serve' to start the daemon")
	return nil
}

// seedFile writes content to path unless the file already exists. With
// force, an existing file is overwritten.
func seedFile(w io.Writer, path, content string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(w, "kept existing %s\n", path)
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}
