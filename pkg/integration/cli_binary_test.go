package integration_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// buildCrewBinary compiles the crew binary into a temp directory and returns
// its path. Build failure is a hard fatal (not a skip), so CI catches
// regressions immediately.
func buildCrewBinary(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping CLI binary smoke tests in short mode")
	}

	root := integrationProjectRoot(t)

	binPath := filepath.Join(t.TempDir(), "crew")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/crew") //nolint:gosec // test-only, args are constant
	build.Dir = root
	out, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build ./cmd/crew failed: %v\n%s", err, out)
	}

	return binPath
}

// integrationProjectRoot walks up from the package directory to find go.mod.
func integrationProjectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

func TestCLIBinaryVersion(t *testing.T) {
	bin := buildCrewBinary(t)

	out, err := exec.Command(bin, "--version").CombinedOutput()
	if err != nil {
		t.Fatalf("crew --version: %v\n%s", err, out)
	}
	if !strings.HasPrefix(string(out), "crew ") {
		t.Errorf("version output = %q, want it to start with %q", out, "crew ")
	}
}

// A status query against a crew home that never ran must explain itself and
// exit zero, not error out.
func TestCLIBinaryStatusWithoutState(t *testing.T) {
	bin := buildCrewBinary(t)

	cmd := exec.Command(bin, "status")
	cmd.Env = append(os.Environ(), "CREW_HOME="+t.TempDir())
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("crew status: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "crew is not running") {
		t.Errorf("status output = %q, want a not-running notice", out)
	}
}
