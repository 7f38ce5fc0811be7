// Package main is the entry point for the evalwatch CLI.
//
// evalwatch can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	evalwatch serve -c config.yaml              # Start the dashboard
//	evalwatch validate -c config.yaml           # Validate configuration
//	evalwatch watch -c config.yaml -s Billing ID # Follow one evaluation
//	evalwatch version                           # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jpalmerr/evalwatch/internal/observability"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// envPrefix prefixes environment overrides: EVALWATCH_LOG_LEVEL and so on.
const envPrefix = "EVALWATCH"

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "evalwatch",
	Short: "A live dashboard for long-running evaluations",
	Long: `evalwatch watches long-running evaluation jobs and shows their status
in a web UI with Server-Sent Events for live updates.

It loads the evaluations of each configured scope, polls the ones still
in flight with an adaptive backoff, and stops as soon as they complete or
are cancelled.

Quick start:
  1. Create a config file (evalwatch.yaml)
  2. Run: evalwatch serve -c evalwatch.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  backend:
    url: https://reviews.example.com/api/v1
    headers:
      Authorization: "Bearer ${REVIEWS_TOKEN}"
  scopes:
    - name: Billing
      tenant: acme
      system: billing-api

Every flag can also be set through the environment, e.g. EVALWATCH_LOG_LEVEL.`,
	SilenceUsage: true,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this evalwatch binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "evalwatch %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", observability.FormatJSON, "log format: json or console")
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}

// newLogger creates the CLI logger from the log-level and log-format
// settings. The returned function flushes it.
func newLogger() (*slog.Logger, func(), error) {
	logger, sync, err := observability.NewLogger(observability.Options{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
	})
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = sync() }, nil
}

// configPath returns the --config flag, falling back to EVALWATCH_CONFIG.
func configPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = viper.GetString("config")
	}
	if path == "" {
		return "", fmt.Errorf("a config file is required (--config or %s_CONFIG)", envPrefix)
	}
	return path, nil
}
