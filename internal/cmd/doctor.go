package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/unreact/internal/config"
	apperrors "github.com/3leaps/unreact/internal/errors"
	"github.com/3leaps/unreact/internal/observability"
	"github.com/3leaps/unreact/pkg/registry"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check the environment, configuration, registry and Discord credentials
and suggest fixes for common issues.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

const doctorChecks = 6

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	ctx := cmd.Context()

	log.Info("=== unreact doctor ===")
	log.Info("")

	ok := true
	step := func(n int, name string) string { return fmt.Sprintf("[%d/%d] Checking %s...", n, doctorChecks, name) }

	// 1: Go runtime
	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("%s ✅ %s %s/%s", step(1, "runtime"), goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion))

	// 2: gofulmen / crucible
	version := crucible.GetVersion()
	if version.Crucible == "" || version.Gofulmen == "" {
		log.Warn(step(2, "gofulmen") + " ⚠️  version metadata unavailable")
		ok = false
	} else {
		log.Info(fmt.Sprintf("%s ✅ gofulmen v%s, crucible v%s", step(2, "gofulmen"), version.Gofulmen, version.Crucible))
	}

	// 3: config directory
	if dir, err := os.UserConfigDir(); err != nil {
		log.Warn(step(3, "config directory")+" ⚠️  not available", zap.Error(err))
		ok = false
	} else {
		log.Info(fmt.Sprintf("%s ✅ %s", step(3, "config directory"), dir))
	}

	// 4: configuration
	cfg, err := loadConfig(ctx)
	if err != nil {
		log.Error(step(4, "configuration")+" ❌ invalid", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	log.Info(fmt.Sprintf("%s ✅ interval %s, log level %s", step(4, "configuration"), cfg.Cleaner.Interval, cfg.Logging.Level))

	// 5: registry
	if err := checkRegistry(ctx, cfg, 5); err != nil {
		ok = false
	}

	// 6: Discord token
	token := strings.TrimSpace(cfg.Discord.Token)
	if token == "" {
		log.Error(step(6, "Discord token") + " ❌ not set")
		log.Info("  Set UNREACT_DISCORD_TOKEN in the environment or a .env file.")
		ok = false
	} else {
		log.Info(fmt.Sprintf("%s ✅ %s", step(6, "Discord token"), maskToken(token)))
	}

	log.Info("")
	if !ok {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			apperrors.NewServiceUnavailableError("one or more checks failed"))
	}
	log.Info("✅ All checks passed!")
	return nil
}

func checkRegistry(ctx context.Context, cfg *config.Config, n int) error {
	log := observability.CLILogger
	label := fmt.Sprintf("[%d/%d] Checking registry...", n, doctorChecks)

	store, err := registry.Open(ctx, registryConfig(cfg))
	if err != nil {
		log.Error(label+" ❌ cannot open", zap.Error(err), zap.String("path", cfg.Registry.Path))
		return err
	}
	defer func() { _ = store.Close() }()

	count, err := store.Count(ctx)
	if err != nil {
		log.Error(label+" ❌ unreadable", zap.Error(err))
		return err
	}
	schemaVersion, err := registry.CurrentVersion(ctx, store.DB())
	if err != nil {
		log.Error(label+" ❌ schema unreadable", zap.Error(err))
		return err
	}

	where := cfg.Registry.Path
	if cfg.Registry.URL != "" {
		where = "remote"
	}
	log.Info(fmt.Sprintf("%s ✅ %s (schema v%d, %d saved)", label, where, schemaVersion, count))
	return nil
}

// maskToken keeps only the last 4 characters of a secret.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
