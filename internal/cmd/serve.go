package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/unreact/internal/bootstrap"
	"github.com/3leaps/unreact/internal/config"
	"github.com/3leaps/unreact/internal/observability"
	"github.com/3leaps/unreact/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot",
	Long: `Connect to Discord, restore every saved message and keep removing their
reactions until interrupted.

Examples:
  UNREACT_DISCORD_TOKEN=... unreact serve
  unreact serve --config ./unreact.yaml --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)

	rt, err := bootstrap.Start(ctx, cfg, bootstrap.Options{
		Logger:  logger,
		Version: versionInfo.Version,
	})
	if err != nil {
		return exitError(startupExitCode(err), "Startup failed", err)
	}

	logger.Info("unreact running",
		zap.String("version", versionInfo.Version),
		zap.Duration("interval", cfg.Cleaner.Interval),
		zap.Int("restored", rt.Reconcile.Restored),
		zap.Int("pruned", rt.Reconcile.Pruned),
		zap.Int("prune_failed", rt.Reconcile.Failed))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Unclean shutdown", err)
	}
	return nil
}

func startupExitCode(err error) int {
	var se *bootstrap.StartupError
	if !errors.As(err, &se) {
		return 1
	}
	switch se.Stage {
	case bootstrap.StageConfig:
		return foundry.ExitInvalidArgument
	case bootstrap.StageRegistry:
		return foundry.ExitFileWriteError
	case bootstrap.StageGateway, bootstrap.StageCommands:
		return foundry.ExitExternalServiceUnavailable
	default:
		return 1
	}
}

