// Package merge lands an agent branch on the base branch without going
// through a code host. It is the local path behind "crew merge --local":
// rebase the agent branch onto the base inside the agent worktree, then
// fast-forward the base in the primary repository. A Coordinator holds a
// lock so only one merge runs at a time.
//
// The agent worktree stays attached throughout. After a clean merge the
// branch and the base point at the same commit and the agent keeps
// working on its branch from there.
package merge

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// ExecGitRunner implements GitRunner using os/exec.
type ExecGitRunner struct{}

// Run executes a git command in the given directory and returns stdout and stderr.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}

// Opts holds parameters for a single merge operation.
type Opts struct {
	Role     string // agent role, for operator-facing messages
	Branch   string // agent branch to land (e.g. "crew/backend")
	Worktree string // path to the agent worktree
	Base     string // branch to land on; empty means "main"
}

// Result holds the outcome of a successful merge.
type Result struct {
	CommitSHA string
}

// ConflictError is returned when the rebase cannot apply the agent branch
// cleanly. The branch is left as it was (the rebase is aborted); the
// operator resolves the conflict in the worktree and retries.
type ConflictError struct {
	Role   string
	Branch string
	Files  []string // files with conflicts, when git reported them
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("rebase of %s for agent %s stopped before completing", e.Branch, e.Role)
	}
	return fmt.Sprintf("merge conflict on %s for agent %s: conflicting files: %s",
		e.Branch, e.Role, strings.Join(e.Files, ", "))
}

// Coordinator serializes merge operations behind a mutex so only one merge
// runs at a time. Without the lock the base can move between an agent's
// rebase and its fast-forward, failing the ff-only merge.
type Coordinator struct {
	mu  sync.Mutex
	git GitRunner

	// abortMu protects activeWorktree for concurrent access from Abort().
	abortMu        sync.Mutex
	activeWorktree string // non-empty while a merge is in progress
}

// NewCoordinator creates a Coordinator with the given GitRunner.
func NewCoordinator(git GitRunner) *Coordinator {
	return &Coordinator{git: git}
}

// Merge lands opts.Branch on the base branch:
//  1. git rebase <base> <branch> (in the agent worktree)
//  2. git merge --ff-only <branch> (in the primary repository)
//  3. On rebase conflict: git rebase --abort, return *ConflictError
//
// The ff-only merge lands the branch commits on the base with identical
// SHAs and avoids "git checkout <base>", which fails while the base is
// checked out in the primary worktree. Only one Merge runs at a time.
func (c *Coordinator) Merge(ctx context.Context, opts Opts) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opts.Base == "" {
		opts.Base = "main"
	}

	func() {
		c.abortMu.Lock()
		defer c.abortMu.Unlock()
		c.activeWorktree = opts.Worktree
	}()
	defer func() {
		c.abortMu.Lock()
		defer c.abortMu.Unlock()
		c.activeWorktree = ""
	}()

	// An agent may have nothing to land (fresh branch, or a previous merge
	// already took everything). Answer with the base tip instead of failing.
	alreadyMerged, sha, checkErr := c.isBranchMerged(ctx, opts)
	if checkErr == nil && alreadyMerged {
		return &Result{CommitSHA: sha}, nil
	}

	_, stderr, err := c.git.Run(ctx, opts.Worktree, "rebase", opts.Base, opts.Branch)
	if err != nil {
		// Context cancellation takes priority over conflict handling.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		return nil, c.handleRebaseFailure(ctx, opts, stderr)
	}

	return c.fastForward(ctx, opts)
}

// fastForward moves the base branch to the rebased branch tip in the
// primary repository. The agent worktree is left attached; after the
// fast-forward the branch and the base are the same commit.
//
// If the ff-only merge fails the base moved since the rebase; the branch
// is intact and the caller can retry.
func (c *Coordinator) fastForward(ctx context.Context, opts Opts) (*Result, error) {
	primaryRepo, err := c.primaryRepoPath(ctx, opts.Worktree)
	if err != nil {
		return nil, err
	}

	_, _, err = c.git.Run(ctx, primaryRepo, "merge", "--ff-only", opts.Branch)
	if err != nil {
		return nil, fmt.Errorf("ff-only merge of %s failed (%s may have moved; retry): %w", opts.Branch, opts.Base, err)
	}

	stdout, _, err := c.git.Run(ctx, primaryRepo, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD failed: %w", err)
	}
	return &Result{CommitSHA: strings.TrimSpace(stdout)}, nil
}

// primaryRepoPath derives the primary repository path from the worktree's
// shared git dir. --git-common-dir answers e.g. "/repo/.git"; stripping
// the "/.git" suffix yields the primary checkout.
func (c *Coordinator) primaryRepoPath(ctx context.Context, worktree string) (string, error) {
	commonDir, _, err := c.git.Run(ctx, worktree, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("failed to get git common dir: %w", err)
	}
	commonDir = strings.TrimSpace(commonDir)

	primaryRepo := strings.TrimSuffix(strings.TrimRight(commonDir, "/"), "/.git")
	if primaryRepo != commonDir {
		return primaryRepo, nil
	}
	// commonDir did not end with /.git (bare or oddly laid out repo); ask
	// the worktree for its toplevel instead.
	primaryRepo, _, err = c.git.Run(ctx, worktree, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("failed to get primary repo path: %w", err)
	}
	return strings.TrimSpace(primaryRepo), nil
}

// isBranchMerged checks if all commits on the branch are already reachable
// from the base. This handles a branch with no new work since the last land.
func (c *Coordinator) isBranchMerged(ctx context.Context, opts Opts) (merged bool, commitSHA string, err error) {
	out, _, err := c.git.Run(ctx, opts.Worktree, "rev-list", "--count", opts.Base+".."+opts.Branch)
	if err != nil {
		return false, "", fmt.Errorf("rev-list --count failed: %w", err)
	}
	if strings.TrimSpace(out) != "0" {
		return false, "", nil
	}
	// Verify no content diff between base and branch (fail-open: diff error → not merged).
	diffOut, _, diffErr := c.git.Run(ctx, opts.Worktree, "diff", opts.Base+".."+opts.Branch)
	if diffErr != nil {
		return false, "", nil //nolint:nilerr // fail-open: diff error means proceed to rebase
	}
	if strings.TrimSpace(diffOut) != "" {
		return false, "", nil
	}
	sha, _, err := c.git.Run(ctx, opts.Worktree, "rev-parse", opts.Base)
	if err != nil {
		return false, "", fmt.Errorf("rev-parse %s failed: %w", opts.Base, err)
	}
	return true, strings.TrimSpace(sha), nil
}

// handleRebaseFailure aborts the in-progress rebase and returns a
// ConflictError with the parsed conflicting file paths.
func (c *Coordinator) handleRebaseFailure(ctx context.Context, opts Opts, rebaseStderr string) error {
	// Best-effort abort. Even if this fails, the conflict error stands.
	_, _, _ = c.git.Run(ctx, opts.Worktree, "rebase", "--abort")

	return &ConflictError{
		Role:   opts.Role,
		Branch: opts.Branch,
		Files:  parseConflictFiles(rebaseStderr),
	}
}

// Abort runs best-effort 'git rebase --abort' on any in-progress merge
// worktree. Safe to call concurrently with Merge. Uses a separate lock and
// a fresh context since the caller's context is typically already
// cancelled at shutdown time.
func (c *Coordinator) Abort() {
	var wt string
	func() {
		c.abortMu.Lock()
		defer c.abortMu.Unlock()
		wt = c.activeWorktree
	}()

	if wt == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = c.git.Run(ctx, wt, "rebase", "--abort")
}

// conflictPattern matches git's CONFLICT output lines.
// Examples:
//
//	CONFLICT (content): Merge conflict in src/main.go
//	CONFLICT (add/add): Merge conflict in new_file.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase stderr output.
func parseConflictFiles(stderr string) []string {
	matches := conflictPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
