package main

import (
	"errors"
	"fmt"
	"strconv"

	"crew/pkg/eventlog"
	"crew/pkg/forge"
	"crew/pkg/merge"
	"crew/pkg/orchestrator"

	"github.com/spf13/cobra"
)

// newMergeCmd creates the "crew merge" subcommand. Merging is the one
// human-gated write in the system; the sync cycle never merges on its own.
func newMergeCmd() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "merge <pr-number | role>",
		Short: "Land a completed agent branch (human-gated)",
		Long:  "Merges the pull request for a completed task on the code host; the next\nsync cycle then closes the mapped issue. With --local the role's branch\nis landed straight onto the base branch by rebase + fast-forward, for\nsetups without a code host.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return runLocalMerge(cmd, args[0])
			}
			return runForgeMerge(cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "land the role's branch locally instead of merging a PR")

	return cmd
}

// runForgeMerge merges a pull request on the configured code host after a
// mergeability check.
func runForgeMerge(cmd *cobra.Command, arg string) error {
	prNumber, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("%q is not a pull request number (use --local <role> to land without a code host)", arg)
	}

	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(paths.ConfigPath)
	if err != nil {
		return err
	}
	if !cfg.forgeConfigured() {
		return errors.New("no code host configured; set forge.owner and forge.repo in crew.toml")
	}

	db, err := openDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	host := forge.NewClient(cfg.Forge.Owner, cfg.Forge.Repo, githubToken())
	sync := forge.New(cfg.forgeConfig(), db, host, nil, eventlog.NewLogger(db, "forge"), nil)
	if err := sync.Merge(cmd.Context(), prNumber); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pull #%d merged into %s\n", prNumber, cfg.forgeConfig().BaseBranch)
	return nil
}

// runLocalMerge rebases the role's branch in its worktree and fast-forwards
// the base branch in the primary repository.
func runLocalMerge(cmd *cobra.Command, role string) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(paths.ConfigPath)
	if err != nil {
		return err
	}

	db, err := openDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := orchestrator.NewRegistry(db).Get(cmd.Context(), role)
	if err != nil {
		return err
	}

	base := cfg.BaseBranch
	if base == "" {
		base = "main"
	}

	coord := merge.NewCoordinator(&merge.ExecGitRunner{})
	res, err := coord.Merge(cmd.Context(), merge.Opts{
		Role:     role,
		Branch:   rec.Branch,
		Worktree: rec.Workspace,
		Base:     base,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "branch %s landed on %s at %s\n", rec.Branch, base, res.CommitSHA)
	return nil
}
