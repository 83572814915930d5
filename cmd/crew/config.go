package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"crew/pkg/bridge"
	"crew/pkg/forge"
	"crew/pkg/orchestrator"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the crew.toml structure. Durations are strings
// ("4s", "2m") parsed with time.ParseDuration; every field is optional and
// falls back to the component defaults.
type fileConfig struct {
	RepoRoot    string `toml:"repo_root"`
	BaseBranch  string `toml:"base_branch"`
	ControlPort int    `toml:"control_port"`

	Daemon  daemonSection  `toml:"daemon"`
	Backend backendSection `toml:"backend"`
	Bridge  bridgeSection  `toml:"bridge"`
	Forge   forgeSection   `toml:"forge"`
}

type daemonSection struct {
	PortBase       int    `toml:"port_base"`
	PortCount      int    `toml:"port_count"`
	HealthInterval string `toml:"health_interval"`
	StartupTimeout string `toml:"startup_timeout"`
	MaxRestarts    int    `toml:"max_restarts"`
	DetachAgents   bool   `toml:"detach_agents"`
}

type backendSection struct {
	Host        string `toml:"host"`
	Model       string `toml:"model"`
	StepTimeout string `toml:"step_timeout"`
}

type bridgeSection struct {
	ChatID        int64  `toml:"chat_id"`
	PollTimeout   string `toml:"poll_timeout"`
	IgnoreUnknown bool   `toml:"ignore_unknown"`
}

type forgeSection struct {
	Owner    string `toml:"owner"`
	Repo     string `toml:"repo"`
	Interval string `toml:"interval"`
}

// config is the parsed, typed form of crew.toml.
type config struct {
	RepoRoot    string
	BaseBranch  string
	ControlPort int

	Daemon  daemonSettings
	Backend backendSettings
	Bridge  bridgeSettings
	Forge   forgeSettings
}

type daemonSettings struct {
	PortBase       int
	PortCount      int
	HealthInterval time.Duration
	StartupTimeout time.Duration
	MaxRestarts    int
	DetachAgents   bool
}

type backendSettings struct {
	Host        string
	Model       string
	StepTimeout time.Duration
}

type bridgeSettings struct {
	ChatID        int64
	PollTimeout   time.Duration
	IgnoreUnknown bool
}

type forgeSettings struct {
	Owner    string
	Repo     string
	Interval time.Duration
}

// loadConfig reads crew.toml from path. A missing file yields the zero
// config without error; every component applies its own defaults on top.
func loadConfig(path string) (config, error) {
	var cfg config

	data, err := os.ReadFile(path) //nolint:gosec // path comes from resolved crew home
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var file fileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.RepoRoot = file.RepoRoot
	cfg.BaseBranch = file.BaseBranch
	cfg.ControlPort = file.ControlPort

	cfg.Daemon = daemonSettings{
		PortBase:     file.Daemon.PortBase,
		PortCount:    file.Daemon.PortCount,
		MaxRestarts:  file.Daemon.MaxRestarts,
		DetachAgents: file.Daemon.DetachAgents,
	}
	cfg.Backend = backendSettings{
		Host:  file.Backend.Host,
		Model: file.Backend.Model,
	}
	cfg.Bridge = bridgeSettings{
		ChatID:        file.Bridge.ChatID,
		PollTimeout:   0,
		IgnoreUnknown: file.Bridge.IgnoreUnknown,
	}
	cfg.Forge = forgeSettings{
		Owner: file.Forge.Owner,
		Repo:  file.Forge.Repo,
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"daemon.health_interval", file.Daemon.HealthInterval, &cfg.Daemon.HealthInterval},
		{"daemon.startup_timeout", file.Daemon.StartupTimeout, &cfg.Daemon.StartupTimeout},
		{"backend.step_timeout", file.Backend.StepTimeout, &cfg.Backend.StepTimeout},
		{"bridge.poll_timeout", file.Bridge.PollTimeout, &cfg.Bridge.PollTimeout},
		{"forge.interval", file.Forge.Interval, &cfg.Forge.Interval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("config %s: invalid %s %q", path, d.key, d.raw)
		}
		*d.dst = v
	}

	return cfg, nil
}

// controlPort returns the configured control port, or the default.
func (c config) controlPort() int {
	if c.ControlPort != 0 {
		return c.ControlPort
	}
	return orchestrator.DefaultControlPort
}

// orchestratorConfig maps the file config onto the orchestrator's config.
// repoRoot is resolved by the caller (config value or working directory).
func (c config) orchestratorConfig(crewHome, repoRoot string) orchestrator.Config {
	return orchestrator.Config{
		CrewHome:       crewHome,
		RepoRoot:       repoRoot,
		BaseBranch:     c.BaseBranch,
		PortBase:       c.Daemon.PortBase,
		PortCount:      c.Daemon.PortCount,
		HealthInterval: c.Daemon.HealthInterval,
		MaxRestarts:    c.Daemon.MaxRestarts,
		StartupTimeout: c.Daemon.StartupTimeout,
		DetachAgents:   c.Daemon.DetachAgents,
	}
}

// bridgeConfig maps the file config onto the bridge's config.
func (c config) bridgeConfig() bridge.Config {
	return bridge.Config{
		ChatID:        c.Bridge.ChatID,
		PollTimeout:   c.Bridge.PollTimeout,
		StepTimeout:   c.Backend.StepTimeout,
		IgnoreUnknown: c.Bridge.IgnoreUnknown,
	}
}

// forgeConfig maps the file config onto the synchronizer's config.
func (c config) forgeConfig() forge.Config {
	return forge.Config{
		BaseBranch: c.BaseBranch,
		Interval:   c.Forge.Interval,
	}
}

// forgeConfigured reports whether a code host is set up. Owner and repo come
// from the file; the token comes from the environment.
func (c config) forgeConfigured() bool {
	return c.Forge.Owner != "" && c.Forge.Repo != ""
}

// defaultBackendModel is used when neither the agent record, the role
// profile, nor crew.toml names a model.
const defaultBackendModel = "llama3.1"

// telegramToken returns the bridge bot token from the environment.
// Credentials never live in crew.toml.
func telegramToken() string {
	return os.Getenv("CREW_TELEGRAM_TOKEN")
}

// githubToken returns the code-host token from the environment.
func githubToken() string {
	return os.Getenv("CREW_GITHUB_TOKEN")
}
