package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crew/pkg/protocol"
	"crew/pkg/team"
)

// GitWorkspaceManager is the production WorkspaceManager. It shells out to
// git to manage one worktree per role inside the target repository.
type GitWorkspaceManager struct {
	repoRoot   string
	baseBranch string
	runner     CommandRunner
}

// NewGitWorkspaceManager returns a WorkspaceManager backed by real git
// commands. Worktrees live under repoRoot/.crew-worktrees/<role> on branch
// crew/<role> cut from baseBranch.
func NewGitWorkspaceManager(repoRoot, baseBranch string, runner CommandRunner) *GitWorkspaceManager {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &GitWorkspaceManager{
		repoRoot:   repoRoot,
		baseBranch: baseBranch,
		runner:     runner,
	}
}

// Prepare creates the worktree and branch for a role and seeds the charter
// file so the checkout identifies its owner. The returned path and branch go
// into the registry record.
func (g *GitWorkspaceManager) Prepare(ctx context.Context, profile team.Profile, agentName string) (path, branch string, err error) {
	role := profile.Role.String()
	path = filepath.Join(g.repoRoot, protocol.WorktreesDir, role)
	branch = protocol.BranchPrefix + role

	_, err = g.runner.Run(ctx, "git", "-C", g.repoRoot,
		"worktree", "add", path, "-b", branch, g.baseBranch,
	)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		// The branch survives an earlier remove; reattach the worktree to it.
		_, err = g.runner.Run(ctx, "git", "-C", g.repoRoot,
			"worktree", "add", path, branch,
		)
	}
	if err != nil {
		return "", "", fmt.Errorf("worktree add %s: %w", role, err)
	}

	charter := team.CharterDocument(profile, agentName, g.repoRoot, branch)
	charterPath := filepath.Join(path, protocol.CharterFile)
	if err := os.WriteFile(charterPath, []byte(charter), 0o644); err != nil { //nolint:gosec // charter is world-readable documentation
		_ = g.Remove(ctx, path)
		return "", "", fmt.Errorf("seed %s: %w", protocol.CharterFile, err)
	}

	return path, branch, nil
}

// Remove runs `git worktree remove <path> --force`. The branch is kept so
// unmerged agent work stays recoverable.
func (g *GitWorkspaceManager) Remove(ctx context.Context, path string) error {
	_, err := g.runner.Run(ctx, "git", "-C", g.repoRoot,
		"worktree", "remove", path, "--force",
	)
	if err != nil {
		return fmt.Errorf("worktree remove %s: %w", path, err)
	}
	return nil
}

// Prune clears git's bookkeeping for worktrees whose directories are gone.
// Registered workspaces are left alone; they outlive daemon restarts.
func (g *GitWorkspaceManager) Prune(ctx context.Context) error {
	_, _ = g.runner.Run(ctx, "git", "-C", g.repoRoot, "worktree", "prune")
	return nil
}
