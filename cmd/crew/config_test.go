package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crew/pkg/orchestrator"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crew.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissingFileYieldsZeroConfig(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.RepoRoot != "" || cfg.ControlPort != 0 {
		t.Errorf("missing file produced non-zero config: %+v", cfg)
	}
	if got := cfg.controlPort(); got != orchestrator.DefaultControlPort {
		t.Errorf("controlPort() = %d, want default %d", got, orchestrator.DefaultControlPort)
	}
}

func TestLoadConfigParsesSectionsAndDurations(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
repo_root = "/srv/project"
base_branch = "develop"
control_port = 9400

[daemon]
port_base = 9401
port_count = 8
health_interval = "5s"
max_restarts = 2
detach_agents = true

[backend]
host = "http://127.0.0.1:11434"
model = "qwen2.5-coder"
step_timeout = "90s"

[bridge]
chat_id = -100123
poll_timeout = "20s"
ignore_unknown = true

[forge]
owner = "acme"
repo = "widget"
interval = "2m"
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.RepoRoot != "/srv/project" || cfg.BaseBranch != "develop" {
		t.Errorf("repo settings = %q %q", cfg.RepoRoot, cfg.BaseBranch)
	}
	if cfg.controlPort() != 9400 {
		t.Errorf("controlPort() = %d, want 9400", cfg.controlPort())
	}
	if cfg.Daemon.HealthInterval != 5*time.Second {
		t.Errorf("health interval = %v, want 5s", cfg.Daemon.HealthInterval)
	}
	if !cfg.Daemon.DetachAgents {
		t.Error("detach_agents not parsed")
	}
	if cfg.Backend.StepTimeout != 90*time.Second {
		t.Errorf("step timeout = %v, want 90s", cfg.Backend.StepTimeout)
	}
	if cfg.Bridge.ChatID != -100123 || !cfg.Bridge.IgnoreUnknown {
		t.Errorf("bridge section = %+v", cfg.Bridge)
	}
	if !cfg.forgeConfigured() {
		t.Error("forgeConfigured() = false with owner and repo set")
	}
	if cfg.forgeConfig().Interval != 2*time.Minute {
		t.Errorf("forge interval = %v, want 2m", cfg.forgeConfig().Interval)
	}

	ocfg := cfg.orchestratorConfig("/home/u/.crew", "/srv/project")
	if ocfg.PortBase != 9401 || ocfg.PortCount != 8 || ocfg.BaseBranch != "develop" {
		t.Errorf("orchestratorConfig = %+v", ocfg)
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "[daemon]\nhealth_interval = \"soon\"\n")

	_, err := loadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "health_interval") {
		t.Fatalf("loadConfig error = %v, want one naming health_interval", err)
	}
}

func TestForgeNotConfiguredWithoutRepo(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "[forge]\nowner = \"acme\"\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.forgeConfigured() {
		t.Error("forgeConfigured() = true with owner only")
	}
}
