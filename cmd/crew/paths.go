package main

import (
	"fmt"
	"os"
	"path/filepath"

	"crew/pkg/protocol"
)

// Paths holds all resolved crew state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	CrewHome   string // ~/.crew or CREW_HOME
	ConfigPath string // crew.toml or CREW_CONFIG_PATH
	RolesPath  string // roles.yaml or CREW_ROLES_PATH
	DBPath     string // crew.db or CREW_DB_PATH
	PIDPath    string // crew.pid or CREW_PID_PATH
	LogsDir    string // logs/ (respects CREW_HOME)
}

// ResolvePaths returns all crew paths, respecting env var overrides.
// Environment variables:
//   - CREW_HOME: base directory for all crew state (default: ~/.crew)
//   - CREW_CONFIG_PATH: daemon/bridge/forge settings (default: $CREW_HOME/crew.toml)
//   - CREW_ROLES_PATH: role catalog overrides (default: $CREW_HOME/roles.yaml)
//   - CREW_DB_PATH: shared state database (default: $CREW_HOME/crew.db)
//   - CREW_PID_PATH: daemon PID file (default: $CREW_HOME/crew.pid)
//
// If CREW_HOME is set, it becomes the base for all default paths.
// Specific env vars (CREW_DB_PATH, etc.) override both the default and the
// CREW_HOME base.
func ResolvePaths() (*Paths, error) {
	crewHome, err := resolveCrewHome()
	if err != nil {
		return nil, err
	}

	paths := &Paths{
		CrewHome:   crewHome,
		ConfigPath: resolvePathWithEnv("CREW_CONFIG_PATH", crewHome, "crew.toml"),
		RolesPath:  resolvePathWithEnv("CREW_ROLES_PATH", crewHome, "roles.yaml"),
		DBPath:     resolvePathWithEnv("CREW_DB_PATH", crewHome, "crew.db"),
		PIDPath:    resolvePathWithEnv("CREW_PID_PATH", crewHome, "crew.pid"),
		LogsDir:    filepath.Join(crewHome, protocol.LogsDir),
	}

	return paths, nil
}

// resolveCrewHome returns the crew home directory from CREW_HOME or ~/.crew.
func resolveCrewHome() (string, error) {
	if v := os.Getenv("CREW_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.CrewDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

// bootstrapCrewHome creates the crew state directory with 0700 permissions.
// It is idempotent: calling it on an existing directory is a no-op.
func bootstrapCrewHome(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create crew dir %s: %w", dir, err)
	}
	return nil
}
