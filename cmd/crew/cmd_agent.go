package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"crew/pkg/agent"
	"crew/pkg/eventlog"
	"crew/pkg/llm"
	"crew/pkg/orchestrator"
	"crew/pkg/protocol"
	"crew/pkg/team"

	"github.com/spf13/cobra"
)

// agentDrainTimeout bounds the HTTP drain when an agent shuts down.
const agentDrainTimeout = 5 * time.Second

// newAgentCmd creates the hidden "crew agent" subcommand: one agent process,
// spawned by the daemon via self-exec. Operators normally never run it.
func newAgentCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:    "agent",
		Short:  "Run one agent process (spawned by the daemon)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), cmd.OutOrStdout(), role)
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "agent role to serve")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

// runAgent assembles and runs the agent for role: registry record, role
// profile, completion backend, store, and the loopback HTTP server on the
// record's port. Blocks until SIGTERM/SIGINT.
func runAgent(ctx context.Context, w io.Writer, role string) error {
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

	reg := orchestrator.NewRegistry(db)
	rec, err := reg.Get(ctx, role)
	if err != nil {
		return err
	}

	catalog, err := team.Load(paths.RolesPath)
	if err != nil {
		return err
	}
	profile, ok := catalog.Get(team.Role(role))
	if !ok {
		return &protocol.NoSuchAgentError{Role: role}
	}

	model := rec.Model
	if model == "" {
		model = profile.Model
	}
	if model == "" {
		model = cfg.Backend.Model
	}
	if model == "" {
		model = defaultBackendModel
	}
	backend, err := llm.NewOllamaBackend(cfg.Backend.Host, model)
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		Profile:      profile,
		Name:         rec.Name,
		Workspace:    rec.Workspace,
		Branch:       rec.Branch,
		Roster:       onlineRoster(ctx, reg, catalog, role),
		ModelOptions: rec.ModelOptions,
		Store:        agent.NewStore(db),
		Backend:      backend,
		Events:       eventlog.NewLogger(db, "agent:"+role),
		StepTimeout:  cfg.Backend.StepTimeout,
	})
	if err != nil {
		return err
	}

	srv := agent.NewServer(a, rec.Port)
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(w, "agent %s (%s) serving on 127.0.0.1:%d\n", role, rec.Name, rec.Port)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runErr := a.Run(sigCtx)

	drainCtx, cancel := context.WithTimeout(context.Background(), agentDrainTimeout)
	defer cancel()
	_ = srv.Shutdown(drainCtx)

	fmt.Fprintf(w, "agent %s stopped\n", role)
	return runErr
}

// onlineRoster collects the profiles of the other roles that are currently
// registered, for the agent's delegation hints. Best effort; an empty
// roster just means no hints.
func onlineRoster(ctx context.Context, reg *orchestrator.Registry, catalog *team.Catalog, self string) []team.Profile {
	recs, err := reg.List(ctx)
	if err != nil {
		return nil
	}
	var roster []team.Profile
	for _, rec := range recs {
		if rec.Role == self {
			continue
		}
		if p, ok := catalog.Get(team.Role(rec.Role)); ok {
			roster = append(roster, p)
		}
	}
	return roster
}
