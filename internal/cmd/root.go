// Package cmd implements the unreact command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/unreact/internal/config"
	"github.com/3leaps/unreact/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	logLevel string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Discord bot that keeps selected messages free of reactions",
	Long: `unreact removes every reaction from a set of watched Discord messages on a
fixed interval. Messages are added and removed with slash commands; the list
survives restarts.

Configuration is read from unreact.yaml (current directory or the user config
directory), UNREACT_* environment variables and a .env file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.SetConfigFile(cfgFile)
		observability.InitCLILogger(config.AppName, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: search ./unreact.yaml and the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose CLI output")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signalContext(context.Background())
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	code := 1
	var ce *codedError
	if errors.As(err, &ce) {
		code = ce.code
	}
	if observability.CLILogger.Core().Enabled(zap.ErrorLevel) {
		observability.CLILogger.Error("Command failed", zap.Error(err), zap.Int("exit_code", code))
	} else {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return code
}

// loadConfig applies CLI flag overrides on top of the normal sources.
func loadConfig(ctx context.Context, extra ...map[string]any) (*config.Config, error) {
	overrides := make([]map[string]any, 0, len(extra)+1)
	if strings.TrimSpace(logLevel) != "" {
		overrides = append(overrides, map[string]any{
			"logging": map[string]any{"level": logLevel},
		})
	}
	overrides = append(overrides, extra...)
	return config.Load(ctx, overrides...)
}
