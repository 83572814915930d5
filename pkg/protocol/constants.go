package protocol

// Directory and path constants used throughout crew.
const (
	// CrewDir is the user-level state directory (e.g., ~/.crew).
	CrewDir = ".crew"

	// WorktreesDir is the directory inside the target repository where
	// per-agent git worktrees are created.
	WorktreesDir = ".crew-worktrees"

	// BranchPrefix is the git branch prefix for agent workspaces.
	BranchPrefix = "crew/"

	// CharterFile is the role charter seeded into each agent workspace.
	CharterFile = "AGENT.md"

	// LogsDir is the subdirectory of CrewDir holding agent process logs.
	LogsDir = "logs"
)
