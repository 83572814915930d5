package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crew/pkg/bridge"
	"crew/pkg/eventlog"
	"crew/pkg/orchestrator"
	"crew/pkg/team"

	"github.com/spf13/cobra"
)

// newBridgeCmd creates the "crew bridge" subcommand: the Telegram chat
// bridge in the foreground.
func newBridgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Run the Telegram chat bridge in the foreground",
		Long:  "Connects one Telegram group to the agent team. A leading @role mention\nroutes the message to that agent; /status, /agents, and /help answer\nread-only from the daemon. Needs CREW_TELEGRAM_TOKEN.\nStops on SIGTERM/SIGINT.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd)
		},
	}
}

func runBridge(cmd *cobra.Command) error {
	token := telegramToken()
	if token == "" {
		return errors.New("CREW_TELEGRAM_TOKEN is not set; the bridge needs a bot token")
	}

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

	catalog, err := team.Load(paths.RolesPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "bridge")
	b := bridge.New(cfg.bridgeConfig(),
		bridge.NewTelegramClient(token),
		orchestrator.NewControlClient(cfg.controlPort()),
		catalog,
		eventlog.NewLogger(db, "bridge"),
		log)

	fmt.Fprintln(cmd.OutOrStdout(), "crew bridge polling Telegram")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return b.Run(ctx)
}
