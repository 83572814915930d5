package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"crew/pkg/eventlog"
	"crew/pkg/forge"
	"crew/pkg/orchestrator"
	"crew/pkg/team"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// controlDrainTimeout bounds the control API drain during daemon shutdown.
const controlDrainTimeout = 5 * time.Second

// newServeCmd creates the "crew serve" subcommand: the orchestrator daemon
// in the foreground. "crew up" spawns this as a child process.
func newServeCmd() *cobra.Command {
	var detachAgents bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon in the foreground",
		Long:  "Supervises the agent group: lifecycle, health probes, task queues, the\ncontrol API, and (when configured) the code-host synchronizer.\nStops on SIGTERM/SIGINT.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, detachAgents)
		},
	}

	cmd.Flags().BoolVar(&detachAgents, "detach-agents", false, "leave agents running on shutdown (overrides crew.toml)")

	return cmd
}

func runServe(cmd *cobra.Command, detachAgents bool) error {
	out := cmd.OutOrStdout()

	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	if err := bootstrapCrewHome(paths.CrewHome); err != nil {
		return err
	}
	cfg, err := loadConfig(paths.ConfigPath)
	if err != nil {
		return err
	}
	if detachAgents {
		cfg.Daemon.DetachAgents = true
	}

	status, pid, err := DaemonStatus(paths.PIDPath)
	if err != nil {
		return err
	}
	switch status {
	case StatusRunning:
		fmt.Fprintf(out, "daemon already running (PID %d)\n", pid)
		return nil
	case StatusStale:
		_ = RemovePIDFile(paths.PIDPath)
	case StatusStopped:
	}

	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(cmd.Context(), paths.PIDPath)
	defer cleanup()

	db, err := openDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	catalog, err := team.Load(paths.RolesPath)
	if err != nil {
		return err
	}

	repoRoot := cfg.RepoRoot
	if repoRoot == "" {
		repoRoot, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("get working dir: %w", err)
		}
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ocfg := cfg.orchestratorConfig(paths.CrewHome, repoRoot)
	procs := orchestrator.NewAgentProcessManager(paths.CrewHome)
	spaces := orchestrator.NewGitWorkspaceManager(repoRoot, ocfg.BaseBranch, &orchestrator.ExecCommandRunner{})
	orch := orchestrator.New(ocfg, db, procs, spaces, catalog)

	g, gctx := errgroup.WithContext(ctx)

	var syncer orchestrator.Syncer
	if cfg.forgeConfigured() {
		host := forge.NewClient(cfg.Forge.Owner, cfg.Forge.Repo, githubToken())
		sync := forge.New(cfg.forgeConfig(), db, host, orch,
			eventlog.NewLogger(db, "forge"), log.With("component", "forge"))
		syncer = sync
		g.Go(func() error { return sync.Run(gctx) })
		log.Info("forge enabled", "repo", cfg.Forge.Owner+"/"+cfg.Forge.Repo)
	}

	// The schema is in place (openDB applies it), so the read-only event
	// reader can open now. Its absence only degrades the events endpoint.
	reader, err := eventlog.NewReader(paths.DBPath)
	if err != nil {
		log.Warn("event log reader unavailable", "error", err)
		reader = nil
	} else {
		defer reader.Close()
	}

	control := orchestrator.NewControlServer(orch, syncer, reader, cfg.controlPort())
	if err := control.Start(); err != nil {
		return err
	}
	fmt.Fprintf(out, "crew daemon listening on 127.0.0.1:%d (PID %d)\n", cfg.controlPort(), os.Getpid())

	g.Go(func() error { return orch.Run(gctx) })

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), controlDrainTimeout)
	defer cancel()
	_ = control.Shutdown(drainCtx)

	fmt.Fprintln(out, "crew daemon stopped")
	return runErr
}
