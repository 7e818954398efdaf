package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawline/internal/assets"
	"github.com/nextlevelbuilder/clawline/internal/config"
	"github.com/nextlevelbuilder/clawline/internal/gateway"
	"github.com/nextlevelbuilder/clawline/internal/pairing"
	"github.com/nextlevelbuilder/clawline/internal/store"
	"github.com/nextlevelbuilder/clawline/internal/streamkey"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the Clawline gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.StatePath("clawline.sqlite"), cfg.Limits.MaxWriteQueueDepth)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Rows persisted before the session_key column carry none; re-derive it,
	// defaulting to the user's main stream.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	n, err := st.BackfillSessionKeys(ctx, func(userID string) string {
		return streamkey.Build(cfg.Gateway.AgentID, userID, streamkey.SuffixMain)
	})
	if err != nil {
		slog.Error("session key backfill failed", "error", err)
		os.Exit(1)
	}
	if n > 0 {
		slog.Info("backfilled event session keys", "count", n)
	}

	pairingStore, err := pairing.NewStore(cfg.StatePath(""))
	if err != nil {
		slog.Error("failed to load pairing state", "error", err)
		os.Exit(1)
	}
	tokens, err := pairing.NewTokenStore(cfg.StatePath("jwt.key"), cfg.TokenTTL())
	if err != nil {
		slog.Error("failed to initialise token store", "error", err)
		os.Exit(1)
	}
	assetStore, err := assets.NewStore(cfg.MediaPath())
	if err != nil {
		slog.Error("failed to prepare media directories", "error", err)
		os.Exit(1)
	}

	srv := gateway.NewServer(cfg, st, pairingStore, tokens, assetStore, nil)

	if err := pairingStore.StartWatcher(ctx.Done()); err != nil {
		slog.Error("failed to start pairing watcher", "error", err)
		os.Exit(1)
	}
	go srv.RunMaintenance(ctx)

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}
